package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"scripworld.ai/internal/config"
	"scripworld.ai/internal/persistence/agentstate"
	"scripworld.ai/internal/protocol"
	"scripworld.ai/internal/sim/memory"
	"scripworld.ai/internal/sim/world"
	"scripworld.ai/internal/telemetry"
)

type Options struct {
	Memory      memory.Backend // nil disables recall
	RecallLimit int
	Notifier    ResultNotifier
	Logger      *slog.Logger
	Metrics     *telemetry.KernelMetrics
}

// Pool runs turns with at most cfg.Workers in flight. It holds no locks
// around decisions; shared state is only touched through the Kernel.
type Pool struct {
	cfg      config.RunnerConfig
	store    agentstate.Store
	kernel   Kernel
	decider  Decider
	memory   memory.Backend
	recall   int
	notifier ResultNotifier
	log      *slog.Logger
	metrics  *telemetry.KernelMetrics
	probe    *probe
}

func NewPool(cfg config.RunnerConfig, store agentstate.Store, kernel Kernel, decider Decider, opts Options) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 100 * time.Millisecond
	}
	recall := opts.RecallLimit
	if recall <= 0 {
		recall = 5
	}
	return &Pool{
		cfg:      cfg,
		store:    store,
		kernel:   kernel,
		decider:  decider,
		memory:   opts.Memory,
		recall:   recall,
		notifier: opts.Notifier,
		log:      telemetry.Component(opts.Logger, "runner"),
		metrics:  opts.Metrics,
		probe:    newProbe(),
	}
}

// RunRound runs one turn for every id. Turns are independent: a failing or
// panicking turn is reported in its own result and the rest still run.
// Results keep the order of ids.
func (p *Pool) RunRound(ctx context.Context, ids []string, ws world.State) RoundResults {
	start := time.Now()
	out := RoundResults{Tick: ws.Tick, Results: make([]TurnResult, len(ids))}
	p.metrics.Round(ctx, len(ids))
	p.log.InfoContext(ctx, "round start", "tick", ws.Tick, "agents", len(ids))

	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for i, id := range ids {
		g.Go(func() error {
			out.Results[i] = p.turn(ctx, id, ws)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range out.Results {
		out.TotalCPUSeconds += r.CPUSeconds
		out.TotalMemoryMB += r.PeakMemoryMB
		if r.Success() {
			out.SuccessCount++
		} else {
			out.ErrorCount++
		}
	}
	p.log.InfoContext(ctx, "round finished",
		"tick", ws.Tick,
		"agents", len(ids),
		"success", out.SuccessCount,
		"errors", out.ErrorCount,
		"duration", time.Since(start))
	return out
}

// RunSingle runs one turn synchronously on the caller's goroutine.
func (p *Pool) RunSingle(ctx context.Context, id string, ws world.State) TurnResult {
	return p.turn(ctx, id, ws)
}

type turnState struct {
	res      TurnResult
	state    *agentstate.State
	thought  string
	tokens   float64
	executed bool
}

func (p *Pool) turn(ctx context.Context, id string, ws world.State) (out TurnResult) {
	ctx, span := otel.Tracer("scripworld/runner").Start(ctx, "runner.turn",
		trace.WithAttributes(
			attribute.String("agent_id", id),
			attribute.Int64("tick", int64(ws.Tick)),
		),
	)
	start := time.Now()
	cpu0 := p.probe.cpuSeconds()
	ts := &turnState{res: TurnResult{AgentID: id, Tick: ws.Tick}}

	defer func() {
		p.recoverTurn(ctx, ts, recover())
		out = ts.res
		out.Duration = time.Since(start)
		if cpu := p.probe.cpuSeconds() - cpu0; cpu > 0 {
			out.CPUSeconds = cpu
		}
		if !out.Success() {
			span.SetStatus(codes.Error, out.Error)
			if out.Outcome != OutcomeActionFailed {
				p.log.WarnContext(ctx, "turn failed", "agent_id", id, "outcome", out.Outcome, "code", out.Result.Code, "err", out.Error)
			}
		}
		span.SetAttributes(attribute.String("outcome", out.Outcome))
		span.End()
		p.metrics.Turn(ctx, out.Outcome, out.Duration.Seconds())
	}()

	p.runTurn(ctx, id, ws, ts)
	return ts.res
}

// recoverTurn converts a recovered panic into a failed turn.
func (p *Pool) recoverTurn(ctx context.Context, ts *turnState, r any) {
	if r == nil {
		return
	}
	p.log.ErrorContext(ctx, "turn panicked", "agent_id", ts.res.AgentID, "panic", r, "stack", string(debug.Stack()))
	ts.fail(OutcomeError, protocol.Fail(protocol.ErrInternal, "turn panicked: %v", r))
}

func (ts *turnState) fail(outcome string, res protocol.Result) {
	ts.res.Outcome = outcome
	ts.res.Result = res
	ts.res.Error = res.Message
}

func (p *Pool) runTurn(ctx context.Context, id string, ws world.State, ts *turnState) {
	st, ok, err := p.store.Load(ctx, id)
	if err != nil {
		ts.fail(OutcomeError, protocol.FailErr(err))
		return
	}
	if !ok {
		ts.fail(OutcomeError, protocol.Fail(protocol.ErrNotFound, "no agent state for %s", id))
		return
	}
	ts.state = st
	defer p.persist(ctx, ts)
	defer func() { p.recoverTurn(ctx, ts, recover()) }()

	al, err := p.kernel.Allowance(ctx, id)
	if err != nil {
		ts.fail(OutcomeError, protocol.FailErr(err))
		return
	}
	if al.TokensLimit > 0 && al.TokensRemaining <= 0 {
		ts.fail(OutcomeError, protocol.Fail(protocol.ErrRateLimit, "token window exhausted for %s", id))
		return
	}
	if al.BudgetMetered && al.BudgetRemaining <= 0 {
		ts.fail(OutcomeError, protocol.Fail(protocol.ErrNoResource, "llm budget exhausted for %s", id))
		return
	}

	in := TurnInput{
		AgentID:   id,
		Tick:      ws.Tick,
		State:     st.Clone(),
		Allowance: al,
		World:     ws,
		Memories:  p.recallMemories(ctx, st),
	}
	in.Balance, _ = ws.Balance(id)

	d, peak, err := p.decide(ctx, in)
	ts.res.PeakMemoryMB = peak
	if err != nil {
		outcome := OutcomeError
		if protocol.CodeOf(err) == protocol.ErrResourceCeiling {
			outcome = OutcomeKilled
		}
		ts.fail(outcome, protocol.FailErr(err))
		return
	}
	ts.thought = d.Thought
	ts.tokens = d.TokensUsed

	if _, err := p.kernel.Meter(ctx, id, d.TokensUsed, d.CostUSD); err != nil {
		ts.fail(OutcomeError, protocol.FailErr(err))
		return
	}

	ts.res.Action = protocol.ActionType(d.Action)
	res := p.kernel.Execute(ctx, protocol.Intent{PrincipalID: id, Action: d.Action})
	ts.executed = true
	ts.res.Result = res
	if res.Success {
		ts.res.Outcome = OutcomeOK
	} else {
		ts.res.Outcome = OutcomeActionFailed
		ts.res.Error = res.Message
	}
	if p.notifier != nil {
		p.notifier.NotifyResult(ctx, id, ws.Tick, res)
	}
	p.remember(ctx, st, ws.Tick, ts.res.Action, res)
}

// persist records the turn in the agent's history and saves the whole
// state. A save failure turns the result into an error.
func (p *Pool) persist(ctx context.Context, ts *turnState) {
	st := ts.state
	st.LastActionResult = ts.res.Result.String()
	st.LastActiveTick = ts.res.Tick
	st.AppendTurn(agentstate.TurnRecord{
		Tick:       ts.res.Tick,
		Action:     ts.res.Action,
		Success:    ts.res.Result.Success,
		Code:       ts.res.Result.Code,
		Message:    ts.res.Result.Message,
		Thought:    ts.thought,
		TokensUsed: ts.tokens,
	}, p.cfg.HistoryLimit)
	if err := p.store.Save(ctx, st); err != nil {
		ts.res.Outcome = OutcomeError
		ts.res.Error = fmt.Sprintf("save state: %v", err)
		if !ts.executed {
			ts.res.Result = protocol.FailErr(err)
		}
	}
}

func (p *Pool) recallMemories(ctx context.Context, st *agentstate.State) []memory.Memory {
	if p.memory == nil || !st.RAG.Enabled {
		return nil
	}
	query := st.RAG.Query
	if query == "" {
		query = st.LastActionResult
	}
	if query == "" {
		query = st.SystemPrompt
	}
	limit := st.RAG.Limit
	if limit <= 0 {
		limit = p.recall
	}
	mems, err := p.memory.Search(ctx, st.AgentID, query, limit)
	if err != nil {
		p.log.WarnContext(ctx, "memory recall failed", "agent_id", st.AgentID, "err", err)
		return nil
	}
	return mems
}

func (p *Pool) remember(ctx context.Context, st *agentstate.State, tick uint64, action string, res protocol.Result) {
	if p.memory == nil || !st.RAG.Enabled {
		return
	}
	text := fmt.Sprintf("tick %d: %s -> %s", tick, action, res.String())
	meta := map[string]any{"tick": tick, "action": action, "success": res.Success}
	if err := p.memory.Add(ctx, st.AgentID, text, meta); err != nil {
		p.log.WarnContext(ctx, "memory record failed", "agent_id", st.AgentID, "err", err)
	}
}

var (
	errTurnTimeout = errors.New("turn timeout")
	errTurnMemory  = errors.New("turn memory ceiling")
)

type decideResult struct {
	d   Decision
	err error
}

// decide runs the decider under the turn's wall-clock and memory ceilings.
// Crossing either cancels the decision and reports E_RESOURCE_CEILING; a
// decider that ignores cancellation is abandoned, not waited for.
func (p *Pool) decide(ctx context.Context, in TurnInput) (Decision, float64, error) {
	dctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if p.cfg.TurnTimeout > 0 {
		var stop context.CancelFunc
		dctx, stop = context.WithTimeoutCause(dctx, p.cfg.TurnTimeout, errTurnTimeout)
		defer stop()
	}

	done := make(chan decideResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- decideResult{err: protocol.NewError(protocol.ErrExternal, "decider panicked: %v", r)}
			}
		}()
		d, err := p.decider.Decide(dctx, in)
		done <- decideResult{d: d, err: err}
	}()

	base := p.probe.rssMB()
	var peak float64
	sample := func() float64 {
		rss := p.probe.rssMB() - base
		if rss > peak {
			peak = rss
		}
		return rss
	}
	ticker := time.NewTicker(p.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case r := <-done:
			sample()
			if r.err != nil {
				if cause := context.Cause(dctx); errors.Is(cause, errTurnTimeout) || errors.Is(cause, errTurnMemory) {
					return Decision{}, peak, p.ceilingError(cause)
				}
				if protocol.CodeOf(r.err) == protocol.ErrInternal {
					return Decision{}, peak, protocol.WrapError(protocol.ErrExternal, r.err, "decision failed: %v", r.err)
				}
				return Decision{}, peak, r.err
			}
			return r.d, peak, nil
		case <-ticker.C:
			if used := sample(); p.cfg.MaxMemoryMB > 0 && used > p.cfg.MaxMemoryMB {
				cancel(errTurnMemory)
				return Decision{}, peak, p.ceilingError(errTurnMemory)
			}
		case <-dctx.Done():
			return Decision{}, peak, p.ceilingError(context.Cause(dctx))
		}
	}
}

func (p *Pool) ceilingError(cause error) error {
	switch {
	case errors.Is(cause, errTurnTimeout):
		return protocol.WrapError(protocol.ErrResourceCeiling, cause, "killed: wall time limit %s exceeded", p.cfg.TurnTimeout)
	case errors.Is(cause, errTurnMemory):
		return protocol.WrapError(protocol.ErrResourceCeiling, cause, "killed: memory limit %.0f MB exceeded", p.cfg.MaxMemoryMB)
	default:
		return protocol.WrapError(protocol.ErrInternal, cause, "turn cancelled")
	}
}
