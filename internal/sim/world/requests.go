package world

import (
	"context"
	"errors"

	"scripworld.ai/internal/protocol"
)

var errStopped = errors.New("world: stopped")

type executeReq struct {
	Ctx    context.Context
	Intent protocol.Intent
	Resp   chan protocol.Result
}

type tickReq struct {
	Resp chan uint64
}

type agentReq struct {
	AgentID string
	Resp    chan bool
}

type meterReq struct {
	AgentID string
	Tokens  float64
	CostUSD float64
	Check   bool // report the remaining allowance only
	Resp    chan meterResp
}

type meterResp struct {
	Allowance Allowance
	Err       error
}

type snapshotReq struct {
	Resp chan State
}

// roundTrip sends req to the loop and waits for its reply, giving up when
// ctx is done or the world stops.
func roundTrip[Req, Resp any](ctx context.Context, w *World, ch chan<- Req, req Req, resp <-chan Resp) (Resp, error) {
	var zero Resp
	select {
	case ch <- req:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-w.stop:
		return zero, errStopped
	}
	select {
	case r := <-resp:
		return r, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-w.stop:
		return zero, errStopped
	}
}

// reply never blocks the loop; every Resp channel is buffered.
func reply[T any](ch chan T, v T) {
	if ch == nil {
		return
	}
	select {
	case ch <- v:
	default:
	}
}

// Execute validates and applies one intent. Failures of any kind come back
// as a failed Result, never as a Go error.
//
// Once the intent is queued the loop owns it: Execute waits for the loop's
// verdict even if ctx ends, so the reported result is always the applied
// one. The loop itself drops intents whose ctx ended while queued.
func (w *World) Execute(ctx context.Context, in protocol.Intent) protocol.Result {
	select {
	case <-w.stop:
		return protocol.Fail(protocol.ErrInternal, "world unavailable: %v", errStopped)
	default:
	}
	req := executeReq{Ctx: ctx, Intent: in, Resp: make(chan protocol.Result, 1)}
	select {
	case w.execReq <- req:
	case <-ctx.Done():
		return protocol.Fail(protocol.ErrInternal, "world unavailable: %v", ctx.Err())
	case <-w.stop:
		return protocol.Fail(protocol.ErrInternal, "world unavailable: %v", errStopped)
	}
	select {
	case res := <-req.Resp:
		return res
	case <-w.done:
		select {
		case res := <-req.Resp:
			return res
		default:
			return protocol.Fail(protocol.ErrInternal, "world unavailable: %v", errStopped)
		}
	}
}

// AdvanceTick starts the next tick and returns its number.
func (w *World) AdvanceTick(ctx context.Context) (uint64, error) {
	req := tickReq{Resp: make(chan uint64, 1)}
	return roundTrip(ctx, w, w.tickReq, req, req.Resp)
}

// EnsureAgent registers id as a principal if it is new.
func (w *World) EnsureAgent(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, protocol.NewError(protocol.ErrBadRequest, "agent id is required")
	}
	req := agentReq{AgentID: id, Resp: make(chan bool, 1)}
	return roundTrip(ctx, w, w.agentReq, req, req.Resp)
}

// Allowance reports how much model usage id may still meter.
func (w *World) Allowance(ctx context.Context, id string) (Allowance, error) {
	req := meterReq{AgentID: id, Check: true, Resp: make(chan meterResp, 1)}
	r, err := roundTrip(ctx, w, w.meterReq, req, req.Resp)
	if err != nil {
		return Allowance{}, err
	}
	return r.Allowance, r.Err
}

// Meter charges a model call to id: tokens against the renewable window and
// dollars against the depletable budget. Either both apply or neither does.
func (w *World) Meter(ctx context.Context, id string, tokens, costUSD float64) (Allowance, error) {
	req := meterReq{AgentID: id, Tokens: tokens, CostUSD: costUSD, Resp: make(chan meterResp, 1)}
	r, err := roundTrip(ctx, w, w.meterReq, req, req.Resp)
	if err != nil {
		return Allowance{}, err
	}
	return r.Allowance, r.Err
}

func (w *World) Snapshot(ctx context.Context) (State, error) {
	req := snapshotReq{Resp: make(chan State, 1)}
	return roundTrip(ctx, w, w.snapReq, req, req.Resp)
}
