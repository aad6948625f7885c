package world

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"scripworld.ai/internal/config"
	"scripworld.ai/internal/protocol"
	"scripworld.ai/internal/sim/events"
	"scripworld.ai/internal/sim/exec"
	"scripworld.ai/internal/sim/genesis"
)

type fakeExecutor struct {
	out   []byte
	err   error
	calls int
	input []byte
}

func (f *fakeExecutor) Run(_ context.Context, p exec.Program) (exec.Output, error) {
	f.calls++
	f.input = p.Input
	return exec.Output{Stdout: f.out}, f.err
}

func startWorld(t *testing.T, mutate func(*config.Config), deps Deps) *World {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	w, err := New(cfg.World, cfg.Genesis, deps)
	if err != nil {
		t.Fatalf("new world: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx) }()
	return w
}

func callCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func ensure(t *testing.T, w *World, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := w.EnsureAgent(callCtx(t), id); err != nil {
			t.Fatalf("ensure %s: %v", id, err)
		}
	}
}

func do(t *testing.T, w *World, actor string, a protocol.Action) protocol.Result {
	t.Helper()
	return w.Execute(callCtx(t), protocol.Intent{PrincipalID: actor, Action: a})
}

func TestLedgerProxyTransfer(t *testing.T) {
	w := startWorld(t, nil, Deps{})
	ensure(t, w, "agent_1", "agent_2")

	res := do(t, w, "agent_1", protocol.InvokeArtifact{
		ArtifactID: genesis.LedgerID,
		Method:     "transfer",
		Args:       []any{"agent_1", "agent_2", 25},
	})
	if !res.Success {
		t.Fatalf("transfer failed: %s", res)
	}
	if got := res.Data["transferred"]; got != int64(25) {
		t.Fatalf("transferred=%v (%T)", got, got)
	}
	if a, b := w.Ledger().Scrip("agent_1"), w.Ledger().Scrip("agent_2"); a != 75 || b != 125 {
		t.Fatalf("balances agent_1=%d agent_2=%d", a, b)
	}

	res = do(t, w, "agent_1", protocol.InvokeArtifact{
		ArtifactID: genesis.LedgerID,
		Method:     "transfer",
		Args:       []any{"agent_2", "agent_1", 25},
	})
	if res.Success || !strings.Contains(res.Message, "Cannot transfer from") {
		t.Fatalf("expected rejection, got %s", res)
	}
	if a, b := w.Ledger().Scrip("agent_1"), w.Ledger().Scrip("agent_2"); a != 75 || b != 125 {
		t.Fatalf("rejected transfer mutated balances: %d %d", a, b)
	}
}

func TestTransferScripAction(t *testing.T) {
	w := startWorld(t, nil, Deps{})
	ensure(t, w, "alice")

	res := do(t, w, "alice", protocol.TransferScrip{From: "bob", To: "alice", Amount: 5})
	if res.Success || res.Code != protocol.ErrNoPermission {
		t.Fatalf("foreign transfer: %s", res)
	}
	res = do(t, w, "alice", protocol.TransferScrip{From: "alice", To: "bob", Amount: 500})
	if res.Success || res.Code != protocol.ErrNoResource {
		t.Fatalf("overdraft: %s", res)
	}
	res = do(t, w, "alice", protocol.TransferScrip{From: "alice", To: "bob", Amount: 40})
	if !res.Success {
		t.Fatalf("transfer: %s", res)
	}
	if w.Ledger().Scrip("alice") != 60 || w.Ledger().Scrip("bob") != 40 {
		t.Fatalf("alice=%d bob=%d", w.Ledger().Scrip("alice"), w.Ledger().Scrip("bob"))
	}
	// bob was registered on first reference and can act.
	if res := do(t, w, "bob", protocol.Noop{}); !res.Success {
		t.Fatalf("bob noop: %s", res)
	}
}

func TestUnknownPrincipalRejected(t *testing.T) {
	w := startWorld(t, nil, Deps{})
	res := do(t, w, "ghost", protocol.Noop{})
	if res.Success || res.Code != protocol.ErrNotFound {
		t.Fatalf("got %s", res)
	}
	res = do(t, w, "system", protocol.Noop{})
	if res.Success || res.Code != protocol.ErrNoPermission {
		t.Fatalf("system actor: %s", res)
	}
}

func TestComputeSpentPerActionAndResetOnTick(t *testing.T) {
	w := startWorld(t, func(c *config.Config) { c.World.ComputeAllowance = 3 }, Deps{})
	ensure(t, w, "a")

	if res := do(t, w, "a", protocol.WriteArtifact{ArtifactID: "doc", Content: "x"}); !res.Success {
		t.Fatalf("first write: %s", res)
	}
	res := do(t, w, "a", protocol.WriteArtifact{ArtifactID: "doc", Content: "y"})
	if res.Success || res.Code != protocol.ErrNoResource || !strings.Contains(res.Message, "insufficient compute") {
		t.Fatalf("second write: %s", res)
	}
	if w.Ledger().Compute("a") != 1 {
		t.Fatalf("compute=%d", w.Ledger().Compute("a"))
	}

	tick, err := w.AdvanceTick(callCtx(t))
	if err != nil || tick != 1 {
		t.Fatalf("AdvanceTick=%d err=%v", tick, err)
	}
	if w.Ledger().Compute("a") != 3 {
		t.Fatalf("compute after tick=%d", w.Ledger().Compute("a"))
	}
	if w.Ledger().Compute("system") != 0 {
		t.Fatalf("system should not receive compute")
	}
	if res := do(t, w, "a", protocol.WriteArtifact{ArtifactID: "doc", Content: "y"}); !res.Success {
		t.Fatalf("write after reset: %s", res)
	}
}

func TestComputeQuotaTransferDrivesReset(t *testing.T) {
	w := startWorld(t, func(c *config.Config) {
		c.World.ComputeAllowance = 10
		c.Genesis.QuotaFee = 0
	}, Deps{})
	ensure(t, w, "a", "b")
	res := do(t, w, "a", protocol.InvokeArtifact{
		ArtifactID: genesis.RightsID,
		Method:     "transfer_quota",
		Args:       []any{"a", "b", "compute", 4},
	})
	if !res.Success {
		t.Fatalf("transfer_quota: %s", res)
	}
	if _, err := w.AdvanceTick(callCtx(t)); err != nil {
		t.Fatal(err)
	}
	if w.Ledger().Compute("a") != 6 || w.Ledger().Compute("b") != 14 {
		t.Fatalf("compute a=%d b=%d", w.Ledger().Compute("a"), w.Ledger().Compute("b"))
	}
}

func TestDiskQuotaOnWrites(t *testing.T) {
	w := startWorld(t, func(c *config.Config) { c.World.DiskQuota = 10 }, Deps{})
	ensure(t, w, "a")
	rm := w.Resources()

	if res := do(t, w, "a", protocol.WriteArtifact{ArtifactID: "big", Content: "12345678"}); !res.Success {
		t.Fatalf("write big: %s", res)
	}
	res := do(t, w, "a", protocol.WriteArtifact{ArtifactID: "small", Content: "12345"})
	if res.Success || res.Code != protocol.ErrQuota {
		t.Fatalf("expected quota failure: %s", res)
	}
	if _, ok := w.Artifacts().Get("small"); ok {
		t.Fatalf("rejected write must not create the artifact")
	}
	if used := rm.QuotaUsage("a", genesis.ResourceDisk); used != 8 {
		t.Fatalf("disk used=%v", used)
	}

	// Shrinking releases the old size before charging the new one.
	if res := do(t, w, "a", protocol.WriteArtifact{ArtifactID: "big", Content: "1234"}); !res.Success {
		t.Fatalf("shrink: %s", res)
	}
	if res := do(t, w, "a", protocol.WriteArtifact{ArtifactID: "small", Content: "12345"}); !res.Success {
		t.Fatalf("write small after shrink: %s", res)
	}
	if used := rm.QuotaUsage("a", genesis.ResourceDisk); used != 9 {
		t.Fatalf("disk used=%v", used)
	}

	// Growing past the quota keeps the previous charge.
	res = do(t, w, "a", protocol.WriteArtifact{ArtifactID: "big", Content: "123456"})
	if res.Success || res.Code != protocol.ErrQuota {
		t.Fatalf("grow: %s", res)
	}
	if used := rm.QuotaUsage("a", genesis.ResourceDisk); used != 9 {
		t.Fatalf("disk used after failed grow=%v", used)
	}
	a, _ := w.Artifacts().Get("big")
	if a.Content != "1234" {
		t.Fatalf("content=%q", a.Content)
	}
}

func TestWritePermissions(t *testing.T) {
	w := startWorld(t, nil, Deps{})
	ensure(t, w, "owner", "other")

	res := do(t, w, "other", protocol.WriteArtifact{ArtifactID: genesis.LedgerID, Content: "pwned"})
	if res.Success || res.Code != protocol.ErrNoPermission {
		t.Fatalf("genesis write: %s", res)
	}
	if res := do(t, w, "owner", protocol.WriteArtifact{ArtifactID: "doc", Content: "v1"}); !res.Success {
		t.Fatalf("create: %s", res)
	}
	res = do(t, w, "other", protocol.WriteArtifact{ArtifactID: "doc", Content: "v2"})
	if res.Success || res.Code != protocol.ErrNoPermission {
		t.Fatalf("foreign update: %s", res)
	}
	if used := w.Resources().QuotaUsage("other", genesis.ResourceDisk); used != 0 {
		t.Fatalf("rejected write charged disk: %v", used)
	}
}

func TestReadChargesOwner(t *testing.T) {
	w := startWorld(t, nil, Deps{})
	ensure(t, w, "seller", "buyer")
	price := int64(7)
	res := do(t, w, "seller", protocol.WriteArtifact{
		ArtifactID: "report",
		Content:    "alpha",
		Policy:     &protocol.PolicySpec{ReadPrice: &price},
	})
	if !res.Success {
		t.Fatalf("write: %s", res)
	}
	res = do(t, w, "buyer", protocol.ReadArtifact{ArtifactID: "report"})
	if !res.Success || res.Data["content"] != "alpha" || res.Data["price_paid"] != int64(7) {
		t.Fatalf("read: %s %+v", res, res.Data)
	}
	if w.Ledger().Scrip("buyer") != 93 || w.Ledger().Scrip("seller") != 107 {
		t.Fatalf("buyer=%d seller=%d", w.Ledger().Scrip("buyer"), w.Ledger().Scrip("seller"))
	}

	res = do(t, w, "buyer", protocol.ReadArtifact{ArtifactID: genesis.OracleID})
	if !res.Success || res.Data["methods"] == nil {
		t.Fatalf("genesis read should describe methods: %s", res)
	}
}

func TestInvokeExecutableArtifact(t *testing.T) {
	fx := &fakeExecutor{out: []byte(`{"sum":3}`)}
	w := startWorld(t, nil, Deps{Executor: fx})
	ensure(t, w, "dev", "user")
	price := int64(4)
	res := do(t, w, "dev", protocol.WriteArtifact{
		ArtifactID: "adder",
		Content:    "adds numbers",
		Executable: true,
		Code:       "AGFzbQEAAAA=",
		Price:      &price,
	})
	if !res.Success {
		t.Fatalf("write: %s", res)
	}

	res = do(t, w, "user", protocol.InvokeArtifact{ArtifactID: "adder", Method: "add", Args: []any{1, 2}})
	if !res.Success {
		t.Fatalf("invoke: %s", res)
	}
	raw, ok := res.Data["result"].(json.RawMessage)
	if !ok || string(raw) != `{"sum":3}` {
		t.Fatalf("result=%v", res.Data["result"])
	}
	var in invocation
	if err := json.Unmarshal(fx.input, &in); err != nil || in.Method != "add" || in.Caller != "user" {
		t.Fatalf("executor input=%s err=%v", fx.input, err)
	}
	if w.Ledger().Scrip("user") != 96 || w.Ledger().Scrip("dev") != 104 {
		t.Fatalf("user=%d dev=%d", w.Ledger().Scrip("user"), w.Ledger().Scrip("dev"))
	}

	fx.err = protocol.NewError(protocol.ErrResourceCeiling, "killed")
	res = do(t, w, "user", protocol.InvokeArtifact{ArtifactID: "adder", Method: "add"})
	if res.Success || res.Code != protocol.ErrResourceCeiling {
		t.Fatalf("failing run: %s", res)
	}
	if w.Ledger().Scrip("user") != 96 {
		t.Fatalf("failed run must not charge: %d", w.Ledger().Scrip("user"))
	}

	if res := do(t, w, "user", protocol.WriteArtifact{ArtifactID: "plain", Content: "x"}); !res.Success {
		t.Fatal(res)
	}
	res = do(t, w, "user", protocol.InvokeArtifact{ArtifactID: "plain"})
	if res.Success || res.Code != protocol.ErrBadRequest {
		t.Fatalf("non-executable invoke: %s", res)
	}
}

func TestInvokeWithoutExecutor(t *testing.T) {
	w := startWorld(t, nil, Deps{})
	ensure(t, w, "dev")
	do(t, w, "dev", protocol.WriteArtifact{ArtifactID: "tool", Executable: true, Code: "AA=="})
	res := do(t, w, "dev", protocol.InvokeArtifact{ArtifactID: "tool"})
	if res.Success || !strings.Contains(res.Message, "disabled") {
		t.Fatalf("got %s", res)
	}
}

func TestMeterTokensAndBudget(t *testing.T) {
	w := startWorld(t, func(c *config.Config) {
		c.World.TokensPerWindow = 100
		c.World.BudgetUSD = 0.5
		c.World.RateWindowTicks = 2
	}, Deps{})
	ensure(t, w, "a")
	ctx := callCtx(t)

	if _, err := w.Meter(ctx, "a", 60, 0.1); err != nil {
		t.Fatalf("meter: %v", err)
	}
	_, err := w.Meter(ctx, "a", 50, 0.1)
	if protocol.CodeOf(err) != protocol.ErrRateLimit {
		t.Fatalf("expected rate limit, got %v", err)
	}
	al, _ := w.Allowance(ctx, "a")
	if al.TokensRemaining != 40 || al.BudgetRemaining < 0.39 || al.BudgetRemaining > 0.41 {
		t.Fatalf("rejected meter must not apply: %+v", al)
	}

	w.AdvanceTick(ctx) // tick 1: window kept
	if al, _ := w.Allowance(ctx, "a"); al.TokensRemaining != 40 {
		t.Fatalf("window reset too early: %+v", al)
	}
	w.AdvanceTick(ctx) // tick 2: window reset
	if al, _ := w.Allowance(ctx, "a"); al.TokensRemaining != 100 {
		t.Fatalf("window not reset: %+v", al)
	}

	_, err = w.Meter(ctx, "a", 10, 1.0)
	if protocol.CodeOf(err) != protocol.ErrNoResource {
		t.Fatalf("expected budget exhaustion, got %v", err)
	}
	if _, err := w.Allowance(ctx, "nobody"); protocol.CodeOf(err) != protocol.ErrNotFound {
		t.Fatalf("unknown agent: %v", err)
	}
}

func TestSpawnPrincipalRegistersQuotas(t *testing.T) {
	w := startWorld(t, nil, Deps{})
	ensure(t, w, "parent")
	res := do(t, w, "parent", protocol.InvokeArtifact{ArtifactID: genesis.LedgerID, Method: "spawn_principal"})
	if !res.Success {
		t.Fatalf("spawn: %s", res)
	}
	id, _ := res.Data["principal_id"].(string)
	if w.Ledger().Scrip(id) != 0 {
		t.Fatalf("spawned principal should start with zero scrip")
	}
	if q := w.Resources().Quota(id, genesis.ResourceCompute); q != 50 {
		t.Fatalf("compute quota=%v", q)
	}
	if res := do(t, w, id, protocol.Noop{}); !res.Success {
		t.Fatalf("spawned principal cannot act: %s", res)
	}
}

func TestEventsAndSnapshot(t *testing.T) {
	w := startWorld(t, nil, Deps{})
	ensure(t, w, "a")
	do(t, w, "a", protocol.WriteArtifact{ArtifactID: "doc", Content: "hello"})
	do(t, w, "a", protocol.ReadArtifact{ArtifactID: "missing"})
	w.AdvanceTick(callCtx(t))

	var actions, ticks int
	for _, e := range w.Events().Read(0, 0) {
		switch e.Type {
		case events.TypeAction:
			actions++
		case events.TypeTick:
			ticks++
		}
	}
	if actions != 2 || ticks != 1 {
		t.Fatalf("actions=%d ticks=%d", actions, ticks)
	}

	st, err := w.Snapshot(callCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if st.Tick != 1 || st.TotalScrip != 100 {
		t.Fatalf("snapshot tick=%d total=%d", st.Tick, st.TotalScrip)
	}
	if b, ok := st.Balance("a"); !ok || b.Scrip != 100 {
		t.Fatalf("balance a=%+v ok=%v", b, ok)
	}
	found := false
	for _, a := range st.Artifacts {
		if a.ID == "doc" && a.OwnerID == "a" && a.Size == 5 {
			found = true
		}
	}
	if !found || len(st.Genesis) != 5 {
		t.Fatalf("snapshot artifacts=%+v genesis=%d", st.Artifacts, len(st.Genesis))
	}
}

func TestExecuteAfterStop(t *testing.T) {
	w := startWorld(t, nil, Deps{})
	ensure(t, w, "a")
	w.Stop()
	res := do(t, w, "a", protocol.Noop{})
	if res.Success || res.Code != protocol.ErrInternal {
		t.Fatalf("got %s", res)
	}
	if _, err := w.AdvanceTick(callCtx(t)); !errors.Is(err, errStopped) {
		t.Fatalf("AdvanceTick after stop: %v", err)
	}
}

func TestExecuteCancelledWhileQueued(t *testing.T) {
	cfg := config.Default()
	w, err := New(cfg.World, cfg.Genesis, Deps{})
	if err != nil {
		t.Fatalf("new world: %v", err)
	}
	w.register("a", 100)
	w.register("b", 100)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan protocol.Result, 1)
	go func() {
		got <- w.Execute(ctx, protocol.Intent{PrincipalID: "a", Action: protocol.TransferScrip{From: "a", To: "b", Amount: 40}})
	}()
	deadline := time.Now().Add(2 * time.Second)
	for len(w.execReq) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("intent never queued")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	runCtx, stop := context.WithCancel(context.Background())
	t.Cleanup(stop)
	go func() { _ = w.Run(runCtx) }()

	var res protocol.Result
	select {
	case res = <-got:
	case <-time.After(2 * time.Second):
		t.Fatalf("Execute did not return")
	}
	if res.Success {
		t.Fatalf("cancelled intent reported success: %s", res)
	}
	if _, err := w.Snapshot(callCtx(t)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if a, b := w.Ledger().Scrip("a"), w.Ledger().Scrip("b"); a != 100 || b != 100 {
		t.Fatalf("cancelled transfer moved scrip: a=%d b=%d", a, b)
	}
}
