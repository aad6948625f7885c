package agentstate

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"scripworld.ai/internal/protocol"
)

func sampleState(id string) *State {
	return &State{
		AgentID:      id,
		Model:        "gemini-2.0-flash",
		SystemPrompt: "You are a trader.",
		ActionSchema: `{"action_type":"noop"}`,
		TurnHistory:  []TurnRecord{{Tick: 1}, {Tick: 2}},
		RAG:          RAGConfig{Enabled: true, Limit: 5},
		CreatedTick:  1,
	}
}

func openTestStore(t *testing.T, opts Options) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.sqlite")
	s, err := OpenSQLite(path, opts)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func checkRoundTrip(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	in := sampleState("test_agent")
	if err := s.Save(ctx, in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	out, ok, err := s.Load(ctx, "test_agent")
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if out.AgentID != in.AgentID || out.Model != in.Model || out.SystemPrompt != in.SystemPrompt {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if !slices.Equal(out.TurnHistory, in.TurnHistory) {
		t.Fatalf("turn history: got %+v want %+v", out.TurnHistory, in.TurnHistory)
	}
	if out.RAG != in.RAG || out.ActionSchema != in.ActionSchema {
		t.Fatalf("rag/schema mismatch: %+v", out)
	}

	// Full replace: fields absent from the second save must not survive.
	in2 := &State{AgentID: "test_agent", Model: "other"}
	if err := s.Save(ctx, in2); err != nil {
		t.Fatalf("Save: %v", err)
	}
	out, _, _ = s.Load(ctx, "test_agent")
	if out.SystemPrompt != "" || len(out.TurnHistory) != 0 || out.Model != "other" {
		t.Fatalf("expected whole-row replace, got %+v", out)
	}

	if _, ok, err := s.Load(ctx, "missing"); ok || err != nil {
		t.Fatalf("missing: ok=%v err=%v", ok, err)
	}
	_ = s.Save(ctx, sampleState("b_agent"))
	ids, err := s.ListAgents(ctx)
	if err != nil || !slices.Equal(ids, []string{"b_agent", "test_agent"}) {
		t.Fatalf("ListAgents=%v err=%v", ids, err)
	}
	if del, err := s.Delete(ctx, "b_agent"); !del || err != nil {
		t.Fatalf("Delete: %v %v", del, err)
	}
	if del, _ := s.Delete(ctx, "b_agent"); del {
		t.Fatalf("second delete should report false")
	}
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	checkRoundTrip(t, s)
}

func TestMemStore_RoundTrip(t *testing.T) {
	checkRoundTrip(t, NewMemStore())
}

func TestMemStore_CopiesInAndOut(t *testing.T) {
	m := NewMemStore()
	st := sampleState("a")
	_ = m.Save(context.Background(), st)
	st.TurnHistory[0].Tick = 99
	out, _, _ := m.Load(context.Background(), "a")
	if out.TurnHistory[0].Tick != 1 {
		t.Fatalf("store aliased caller slice")
	}
	out.TurnHistory[1].Tick = 77
	again, _, _ := m.Load(context.Background(), "a")
	if again.TurnHistory[1].Tick != 2 {
		t.Fatalf("load aliased stored slice")
	}
}

func TestSQLiteStore_ConcurrentWriters(t *testing.T) {
	s, _ := openTestStore(t, Options{BusyTimeout: 5 * time.Second})
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st := sampleState("agent")
			st.LastActiveTick = uint64(i)
			errs <- s.Save(ctx, st)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	out, ok, err := s.Load(ctx, "agent")
	if err != nil || !ok || len(out.TurnHistory) != 2 {
		t.Fatalf("row corrupted: %+v ok=%v err=%v", out, ok, err)
	}
}

func holdWriteLock(t *testing.T, path string) *sql.Conn {
	t.Helper()
	db, err := sql.Open("sqlite", dsn(path, 0))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	conn, err := db.Conn(context.Background())
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	if _, err := conn.ExecContext(context.Background(), "BEGIN IMMEDIATE"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	return conn
}

func TestSQLiteStore_ContentionExhaustsRetries(t *testing.T) {
	s, path := openTestStore(t, Options{
		Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	conn := holdWriteLock(t, path)

	err := s.Save(context.Background(), sampleState("x"))
	if err == nil {
		t.Fatalf("expected contention error")
	}
	if code := protocol.CodeOf(err); code != protocol.ErrStorageBusy {
		t.Fatalf("code=%s err=%v", code, err)
	}
	if !IsTransient(err) {
		t.Fatalf("underlying driver error should be preserved: %v", err)
	}

	if _, err := conn.ExecContext(context.Background(), "ROLLBACK"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	_ = conn.Close()
	if err := s.Save(context.Background(), sampleState("x")); err != nil {
		t.Fatalf("Save after release: %v", err)
	}
}

func TestSQLiteStore_ContentionRecovers(t *testing.T) {
	s, path := openTestStore(t, Options{
		Retry: RetryPolicy{MaxAttempts: 50, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	})
	conn := holdWriteLock(t, path)
	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		_ = conn.Close()
	}()
	if err := s.Save(context.Background(), sampleState("y")); err != nil {
		t.Fatalf("Save should succeed once the lock is released: %v", err)
	}
}

func TestWithRetry_NonTransientPropagatesImmediately(t *testing.T) {
	calls := 0
	boom := errors.New("disk on fire")
	err := withRetry(context.Background(), RetryPolicy{MaxAttempts: 5}, "op", nil, func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
	if protocol.CodeOf(err) == protocol.ErrStorageBusy {
		t.Fatalf("non-transient error must not be reported as busy")
	}
}

func TestRetryPolicy_DelayCapped(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond, Multiplier: 2}
	want := []time.Duration{10, 20, 40, 40, 40}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w*time.Millisecond {
			t.Fatalf("Delay(%d)=%v want %v", i+1, got, w*time.Millisecond)
		}
	}
	p.Jitter = 0.5
	for i := 1; i <= 20; i++ {
		if d := p.Delay(i); d < 0 || d > p.MaxDelay {
			t.Fatalf("jittered delay out of range: %v", d)
		}
	}
}

func TestAppendTurnBounded(t *testing.T) {
	st := &State{}
	for i := 1; i <= 5; i++ {
		st.AppendTurn(TurnRecord{Tick: uint64(i)}, 3)
	}
	if len(st.TurnHistory) != 3 || st.TurnHistory[0].Tick != 3 {
		t.Fatalf("history=%+v", st.TurnHistory)
	}
}
