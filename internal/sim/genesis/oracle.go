package genesis

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"scripworld.ai/internal/protocol"
	"scripworld.ai/internal/sim/artifacts"
	"scripworld.ai/internal/sim/events"
	"scripworld.ai/internal/sim/ledger"
)

// Submission states.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusScored     = "scored"
	StatusFailed     = "failed"
)

type Submission struct {
	ID          string  `json:"id"`
	ArtifactID  string  `json:"artifact_id"`
	SubmitterID string  `json:"submitter_id"`
	Content     string  `json:"content"`
	Code        string  `json:"code,omitempty"`
	ContentHash string  `json:"content_hash"`
	Status      string  `json:"status"`
	Score       float64 `json:"score"`
	Minted      int64   `json:"minted"`
	Reason      string  `json:"reason,omitempty"`
	SubmitTick  uint64  `json:"submit_tick"`
}

type Score struct {
	Value  float64 // 0..100
	Reason string
}

// Scorer rates a submitted artifact. Implementations call out to an
// external service.
type Scorer interface {
	Score(ctx context.Context, s Submission) (Score, error)
}

type ScorerFunc func(ctx context.Context, s Submission) (Score, error)

func (f ScorerFunc) Score(ctx context.Context, s Submission) (Score, error) { return f(ctx, s) }

// Oracle scores executable artifacts and mints scrip for them. Scoring runs
// off the caller's goroutine so the world never waits on the scorer.
type Oracle struct {
	store     *artifacts.Store
	ledger    *ledger.Ledger
	events    *events.Log
	scorer    Scorer
	mintRatio float64
	timeout   time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	subs   map[string]*Submission
	queue  []string
	hashes map[string]string // content hash -> first submission id
	wg     sync.WaitGroup
}

func newOracle(store *artifacts.Store, l *ledger.Ledger, ev *events.Log, scorer Scorer, mintRatio float64, timeout time.Duration, logger *slog.Logger) *Oracle {
	return &Oracle{
		store:     store,
		ledger:    l,
		events:    ev,
		scorer:    scorer,
		mintRatio: mintRatio,
		timeout:   timeout,
		logger:    logger,
		subs:      map[string]*Submission{},
		hashes:    map[string]string{},
	}
}

// ContentHash is the duplicate-detection key: blake3 of the content with
// case and surrounding whitespace normalised away.
func ContentHash(content, code string) string {
	norm := strings.ToLower(strings.TrimSpace(content))
	if c := strings.TrimSpace(code); c != "" {
		norm += "\x00" + strings.ToLower(c)
	}
	sum := blake3.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

func (o *Oracle) artifact(submitFee int64) (*Artifact, error) {
	a := NewArtifact(OracleID, "Scores submitted executable artifacts and mints scrip in proportion to the score")
	methods := []Method{
		{
			Name:        "submit",
			Description: "Queue an executable artifact for scoring",
			Cost:        submitFee,
			Params: []Param{
				{Name: "artifact_id", Type: TypeString, Description: "executable artifact to score", Required: true},
			},
			Handler: o.submit,
		},
		{
			Name:        "process",
			Description: "Start scoring the oldest pending submission",
			Handler:     o.process,
		},
		{
			Name:        "status",
			Description: "Submissions for an artifact, or queue counts when no id is given",
			Params: []Param{
				{Name: "artifact_id", Type: TypeString},
			},
			Handler: o.status,
		},
	}
	for _, m := range methods {
		if err := a.RegisterMethod(m); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (o *Oracle) submit(_ context.Context, c Call) protocol.Result {
	id, _ := argString(c.Args, "artifact_id")
	art, ok := o.store.Get(id)
	if !ok {
		return protocol.Fail(protocol.ErrNotFound, "artifact %s not found", id)
	}
	if !art.Executable || art.IsGenesis() {
		return protocol.Fail(protocol.ErrBadRequest, "only executable artifacts can be submitted (%s is not)", id)
	}
	sub := &Submission{
		ID:          uuid.NewString(),
		ArtifactID:  id,
		SubmitterID: c.CallerID,
		Content:     art.Content,
		Code:        art.Code,
		ContentHash: ContentHash(art.Content, art.Code),
		Status:      StatusPending,
		SubmitTick:  c.Tick,
	}

	o.mu.Lock()
	first, dup := o.hashes[sub.ContentHash]
	if dup {
		sub.Status = StatusScored
		sub.Score = 0
		sub.Reason = "duplicate of submission " + first
	} else {
		o.hashes[sub.ContentHash] = sub.ID
		o.queue = append(o.queue, sub.ID)
	}
	o.subs[sub.ID] = sub
	snap := *sub
	o.mu.Unlock()

	o.events.Append(events.Event{Tick: c.Tick, Type: events.TypeSubmission, Principal: c.CallerID, Data: map[string]any{
		"submission_id": snap.ID,
		"artifact_id":   id,
		"status":        snap.Status,
	}})
	if dup {
		return protocol.OK("duplicate submission scored 0", map[string]any{
			"submission_id": snap.ID,
			"status":        snap.Status,
			"score":         0,
			"reason":        snap.Reason,
		})
	}
	return protocol.OK("submission queued", map[string]any{"submission_id": snap.ID, "status": snap.Status})
}

func (o *Oracle) process(ctx context.Context, c Call) protocol.Result {
	o.mu.Lock()
	if len(o.queue) == 0 {
		o.mu.Unlock()
		return protocol.OK("no pending submissions", map[string]any{"processed": 0})
	}
	id := o.queue[0]
	o.queue = o.queue[1:]
	sub := o.subs[id]
	sub.Status = StatusProcessing
	snap := *sub
	o.mu.Unlock()

	if o.scorer == nil {
		o.finish(id, c.Tick, Score{}, fmt.Errorf("no scorer configured"))
		return protocol.Fail(protocol.ErrExternal, "submission %s failed: no scorer configured", id)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
		defer cancel()
		score, err := o.scorer.Score(sctx, snap)
		o.finish(id, c.Tick, score, err)
	}()
	return protocol.OK("scoring submission "+id, map[string]any{"submission_id": id, "status": StatusProcessing, "processed": 1})
}

// finish records the scorer's verdict. Failed scoring mints nothing.
func (o *Oracle) finish(id string, tick uint64, score Score, err error) {
	o.mu.Lock()
	sub := o.subs[id]
	if err != nil {
		sub.Status = StatusFailed
		sub.Reason = err.Error()
	} else {
		v := math.Max(0, math.Min(100, score.Value))
		sub.Status = StatusScored
		sub.Score = v
		sub.Reason = score.Reason
		sub.Minted = int64(math.Floor(v * o.mintRatio))
	}
	snap := *sub
	o.mu.Unlock()

	if snap.Status == StatusFailed {
		o.logger.Warn("oracle scoring failed", "submission", id, "artifact", snap.ArtifactID, "err", err)
	} else {
		o.logger.Info("oracle scored submission", "submission", id, "artifact", snap.ArtifactID, "score", snap.Score, "minted", snap.Minted)
	}
	if snap.Minted > 0 {
		o.ledger.CreditScrip(snap.SubmitterID, snap.Minted)
	}
	o.events.Append(events.Event{Tick: tick, Type: events.TypeMint, Principal: snap.SubmitterID, Data: map[string]any{
		"submission_id": id,
		"status":        snap.Status,
		"score":         snap.Score,
		"minted":        snap.Minted,
		"reason":        snap.Reason,
	}})
}

func (o *Oracle) status(_ context.Context, c Call) protocol.Result {
	id, _ := argString(c.Args, "artifact_id")
	o.mu.Lock()
	defer o.mu.Unlock()
	if id == "" {
		counts := map[string]int{}
		for _, s := range o.subs {
			counts[s.Status]++
		}
		return protocol.OK("oracle status", map[string]any{"counts": counts, "pending": len(o.queue)})
	}
	var subs []Submission
	for _, s := range o.subs {
		if s.ArtifactID == id {
			subs = append(subs, *s)
		}
	}
	if len(subs) == 0 {
		return protocol.Fail(protocol.ErrNotFound, "no submissions for %s", id)
	}
	return protocol.OK("submissions for "+id, map[string]any{"submissions": subs})
}

// Submission returns a copy of the submission with id.
func (o *Oracle) Submission(id string) (Submission, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.subs[id]
	if !ok {
		return Submission{}, false
	}
	return *s, true
}

// Wait blocks until every scoring started by process has finished or ctx
// is done.
func (o *Oracle) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
