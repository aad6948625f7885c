package agentstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"

	"scripworld.ai/internal/telemetry"
)

type Options struct {
	BusyTimeout time.Duration
	Retry       RetryPolicy
	Logger      *slog.Logger
	Metrics     *telemetry.KernelMetrics
}

// SQLiteStore keeps one row per agent. WAL mode gives concurrent readers;
// SQLite's write lock serializes writers and contention is retried.
type SQLiteStore struct {
	db      *sql.DB
	retry   RetryPolicy
	log     *slog.Logger
	metrics *telemetry.KernelMetrics
	enc     cbor.EncMode
	dec     cbor.DecMode
}

func OpenSQLite(path string, opts Options) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("agentstate: empty sqlite path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn(path, opts.BusyTimeout))
	if err != nil {
		return nil, err
	}
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &SQLiteStore{
		db:      db,
		retry:   opts.Retry,
		log:     telemetry.Component(opts.Logger, "agentstate"),
		metrics: opts.Metrics,
		enc:     enc,
		dec:     dec,
	}
	if s.retry.MaxAttempts == 0 {
		s.retry = DefaultRetryPolicy()
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// dsn applies the pragmas on every pooled connection, not just the first.
func dsn(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "temp_store(MEMORY)")
	return "file:" + path + "?" + q.Encode()
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	return withRetry(ctx, s.retry, "init schema", s.onRetry("init"), func() error {
		_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS agent_state (
  agent_id TEXT PRIMARY KEY,
  model TEXT NOT NULL,
  created_tick INTEGER NOT NULL,
  last_active_tick INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  payload BLOB NOT NULL
);`)
		return err
	})
}

func (s *SQLiteStore) onRetry(op string) func(int, error) {
	return func(attempt int, err error) {
		s.metrics.StoreRetry(context.Background(), op)
		s.log.Debug("storage contention, retrying", "op", op, "attempt", attempt, "err", err)
	}
}

func (s *SQLiteStore) Save(ctx context.Context, st *State) error {
	if st == nil || st.AgentID == "" {
		return fmt.Errorf("agentstate: save requires an agent id")
	}
	payload, err := s.enc.Marshal(st)
	if err != nil {
		return fmt.Errorf("agentstate: encode %s: %w", st.AgentID, err)
	}
	now := time.Now().UnixMilli()
	return withRetry(ctx, s.retry, "save "+st.AgentID, s.onRetry("save"), func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO agent_state(agent_id, model, created_tick, last_active_tick, updated_at, payload)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(agent_id) DO UPDATE SET
  model=excluded.model,
  created_tick=excluded.created_tick,
  last_active_tick=excluded.last_active_tick,
  updated_at=excluded.updated_at,
  payload=excluded.payload;`,
			st.AgentID, st.Model, int64(st.CreatedTick), int64(st.LastActiveTick), now, payload)
		return err
	})
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*State, bool, error) {
	var payload []byte
	err := withRetry(ctx, s.retry, "load "+id, s.onRetry("load"), func() error {
		return s.db.QueryRowContext(ctx, `SELECT payload FROM agent_state WHERE agent_id=?`, id).Scan(&payload)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var st State
	if err := s.dec.Unmarshal(payload, &st); err != nil {
		return nil, false, fmt.Errorf("agentstate: decode %s: %w", id, err)
	}
	return &st, true, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	var n int64
	err := withRetry(ctx, s.retry, "delete "+id, s.onRetry("delete"), func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM agent_state WHERE agent_id=?`, id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n > 0, err
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]string, error) {
	var ids []string
	err := withRetry(ctx, s.retry, "list", s.onRetry("list"), func() error {
		ids = ids[:0]
		rows, err := s.db.QueryContext(ctx, `SELECT agent_id FROM agent_state ORDER BY agent_id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
