package world

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"scripworld.ai/internal/protocol"
	"scripworld.ai/internal/sim/artifacts"
	"scripworld.ai/internal/sim/events"
	"scripworld.ai/internal/sim/exec"
	"scripworld.ai/internal/sim/genesis"
	"scripworld.ai/internal/sim/ledger"
)

func (w *World) handleExecute(req executeReq) {
	ctx := req.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		reply(req.Resp, protocol.Fail(protocol.ErrInternal, "action cancelled before it ran: %v", err))
		return
	}
	reply(req.Resp, w.execute(ctx, req.Intent))
}

func (w *World) execute(ctx context.Context, in protocol.Intent) protocol.Result {
	kind := protocol.ActionType(in.Action)
	tick := w.tick.Load()
	ctx, span := otel.Tracer("scripworld/world").Start(ctx, "world.execute",
		trace.WithAttributes(
			attribute.String("principal", in.PrincipalID),
			attribute.String("action", kind),
			attribute.Int64("tick", int64(tick)),
		),
	)
	defer span.End()

	res := w.apply(ctx, in, kind)
	if !res.Success {
		span.SetStatus(codes.Error, res.Message)
	}
	w.metrics.Action(ctx, kind, res.Code)

	data := map[string]any{
		"action_type": kind,
		"success":     res.Success,
	}
	if res.Code != "" {
		data["code"] = res.Code
		data["message"] = res.Message
	}
	if target := targetOf(in.Action); target != "" {
		data["target"] = target
	}
	w.events.Append(events.Event{Tick: tick, Type: events.TypeAction, Principal: in.PrincipalID, Data: data})
	if !res.Success {
		w.log.DebugContext(ctx, "action rejected", "principal", in.PrincipalID, "action", kind, "code", res.Code, "message", res.Message)
	}
	return res
}

func targetOf(a protocol.Action) string {
	switch a := a.(type) {
	case protocol.ReadArtifact:
		return a.ArtifactID
	case protocol.WriteArtifact:
		return a.ArtifactID
	case protocol.InvokeArtifact:
		return a.ArtifactID
	case protocol.TransferScrip:
		return a.To
	}
	return ""
}

// apply charges the action's compute cost and dispatches it. Compute is
// spent on the attempt, so a rejected action still costs its compute.
func (w *World) apply(ctx context.Context, in protocol.Intent, kind string) protocol.Result {
	actor := in.PrincipalID
	switch {
	case actor == "":
		return protocol.Fail(protocol.ErrBadRequest, "principal_id is required")
	case actor == ledger.SystemID:
		return protocol.Fail(protocol.ErrNoPermission, "the system principal cannot act")
	case !w.registered[actor]:
		return protocol.Fail(protocol.ErrNotFound, "unknown principal %s", actor)
	}
	cost := w.cfg.ActionCost(kind)
	if !w.ledger.SpendCompute(actor, cost) {
		return protocol.Fail(protocol.ErrNoResource, "insufficient compute for %s (need %d, have %d)",
			kind, cost, w.ledger.Compute(actor))
	}

	var res protocol.Result
	switch a := in.Action.(type) {
	case nil, protocol.Noop:
		res = protocol.OK("noop", nil)
	case protocol.ReadArtifact:
		res = w.readArtifact(actor, a)
	case protocol.WriteArtifact:
		res = w.writeArtifact(actor, a)
	case protocol.InvokeArtifact:
		res = w.invokeArtifact(ctx, actor, a)
	case protocol.TransferScrip:
		res = w.transferScrip(actor, a)
	default:
		return protocol.Fail(protocol.ErrBadRequest, "unsupported action %T", a)
	}
	if res.Data == nil {
		res.Data = map[string]any{}
	}
	res.Data["compute_spent"] = cost
	return res
}

func artifactView(a *artifacts.Artifact) map[string]any {
	v := map[string]any{
		"artifact_id":  a.ID,
		"type":         a.Type,
		"owner_id":     a.OwnerID,
		"content":      a.Content,
		"executable":   a.Executable,
		"read_price":   a.Policy.ReadPrice,
		"invoke_price": a.Policy.InvokePrice,
		"created_tick": a.CreatedTick,
		"updated_tick": a.UpdatedTick,
	}
	if a.Code != "" {
		v["code"] = a.Code
	}
	return v
}

func (w *World) readArtifact(actor string, act protocol.ReadArtifact) protocol.Result {
	if act.ArtifactID == "" {
		return protocol.Fail(protocol.ErrBadRequest, "artifact_id is required")
	}
	a, paid, err := w.store.Read(act.ArtifactID, actor)
	if err != nil {
		return protocol.FailErr(err)
	}
	data := artifactView(a)
	data["price_paid"] = paid
	if ga, ok := w.genesis.Artifact(a.ID); ok {
		data["methods"] = ga.Describe()
	}
	return protocol.OK("read "+a.ID, data)
}

// writeArtifact creates or updates an artifact. The new size is allocated
// against the owner's disk quota after releasing the previous charge; if
// either the quota or the store rejects the write, the old charge is
// restored.
func (w *World) writeArtifact(actor string, act protocol.WriteArtifact) protocol.Result {
	if act.ArtifactID == "" {
		return protocol.Fail(protocol.ErrBadRequest, "artifact_id is required")
	}
	owner := actor
	if cur, ok := w.store.Get(act.ArtifactID); ok {
		if !cur.CanWrite(actor) {
			return protocol.Fail(protocol.ErrNoPermission, "%s cannot write artifact %s", actor, act.ArtifactID)
		}
		owner = cur.OwnerID
	}

	size := float64(len(act.Content) + len(act.Code))
	prev, hadPrev := w.disk[act.ArtifactID]
	if hadPrev {
		w.resources.Deallocate(prev.principal, genesis.ResourceDisk, prev.bytes)
	}
	restore := func() {
		if hadPrev {
			w.resources.Allocate(prev.principal, genesis.ResourceDisk, prev.bytes)
		}
	}
	if w.cfg.DiskQuota > 0 && !w.resources.Allocate(owner, genesis.ResourceDisk, size) {
		avail := w.resources.AvailableQuota(owner, genesis.ResourceDisk)
		restore()
		return protocol.Fail(protocol.ErrQuota, "disk quota exceeded for %s: need %.0f bytes, %.0f available", owner, size, avail)
	}

	a, created, err := w.store.Write(artifacts.WriteRequest{
		ID:         act.ArtifactID,
		Type:       act.ArtifactType,
		Content:    act.Content,
		Code:       act.Code,
		Executable: act.Executable,
		CallerID:   actor,
		Policy:     act.Policy,
		Price:      act.Price,
		Tick:       w.tick.Load(),
	})
	if err != nil {
		if w.cfg.DiskQuota > 0 {
			w.resources.Deallocate(owner, genesis.ResourceDisk, size)
		}
		restore()
		return protocol.FailErr(err)
	}
	if w.cfg.DiskQuota > 0 {
		w.disk[a.ID] = diskCharge{principal: owner, bytes: size}
	}

	msg := "updated " + a.ID
	if created {
		msg = "created " + a.ID
	}
	return protocol.OK(msg, map[string]any{
		"artifact_id": a.ID,
		"owner_id":    a.OwnerID,
		"created":     created,
		"size":        a.Size(),
		"policy":      a.Policy,
	})
}

type invocation struct {
	Method string         `json:"method"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
	Caller string         `json:"caller"`
	Tick   uint64         `json:"tick"`
}

// invokeArtifact routes genesis ids to the registry and runs everything
// else in the executor. The invoke price is paid only after a successful run.
func (w *World) invokeArtifact(ctx context.Context, actor string, act protocol.InvokeArtifact) protocol.Result {
	if act.ArtifactID == "" {
		return protocol.Fail(protocol.ErrBadRequest, "artifact_id is required")
	}
	if w.genesis.Has(act.ArtifactID) {
		return w.genesis.Invoke(ctx, act.ArtifactID, act.Method, act.Args, act.Kwargs, actor, w.tick.Load())
	}
	a, err := w.store.AuthorizeInvoke(act.ArtifactID, actor)
	if err != nil {
		return protocol.FailErr(err)
	}
	if w.executor == nil {
		return protocol.Fail(protocol.ErrBadRequest, "artifact execution is disabled")
	}
	args := act.Args
	if args == nil {
		args = []any{}
	}
	input, err := json.Marshal(invocation{Method: act.Method, Args: args, Kwargs: act.Kwargs, Caller: actor, Tick: w.tick.Load()})
	if err != nil {
		return protocol.Fail(protocol.ErrBadRequest, "arguments are not serializable: %v", err)
	}
	out, err := w.executor.Run(ctx, exec.Program{ArtifactID: a.ID, Code: a.Code, Input: input})
	if err != nil {
		return protocol.FailErr(err)
	}
	paid, err := w.store.ChargeInvoke(a, actor)
	if err != nil {
		return protocol.FailErr(err)
	}

	var result any = string(out.Stdout)
	if json.Valid(out.Stdout) {
		result = json.RawMessage(out.Stdout)
	}
	return protocol.OK("invoked "+a.ID, map[string]any{
		"artifact_id": a.ID,
		"method":      act.Method,
		"result":      result,
		"price_paid":  paid,
		"duration_ms": out.Duration.Milliseconds(),
	})
}

func (w *World) transferScrip(actor string, act protocol.TransferScrip) protocol.Result {
	if act.From != actor {
		return protocol.Fail(protocol.ErrNoPermission, "Cannot transfer from %s: you are %s", act.From, actor)
	}
	if act.To == "" || act.To == act.From {
		return protocol.Fail(protocol.ErrBadRequest, "transfer needs a recipient other than the sender")
	}
	if act.Amount <= 0 {
		return protocol.Fail(protocol.ErrBadRequest, "amount must be > 0 (got %d)", act.Amount)
	}
	if have := w.ledger.Scrip(actor); have < act.Amount {
		return protocol.Fail(protocol.ErrNoResource, "insufficient scrip: have %d, need %d", have, act.Amount)
	}
	if act.To != ledger.SystemID {
		w.register(act.To, 0)
	}
	if !w.ledger.TransferScrip(actor, act.To, act.Amount) {
		return protocol.Fail(protocol.ErrNoResource, "transfer of %d from %s failed", act.Amount, actor)
	}
	return protocol.OK("transferred", map[string]any{
		"from":        actor,
		"to":          act.To,
		"transferred": act.Amount,
		"from_scrip":  w.ledger.Scrip(actor),
	})
}
