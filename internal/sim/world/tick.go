package world

import (
	"sort"

	"scripworld.ai/internal/protocol"
	"scripworld.ai/internal/sim/artifacts"
	"scripworld.ai/internal/sim/events"
	"scripworld.ai/internal/sim/genesis"
	"scripworld.ai/internal/sim/ledger"
)

// handleTick starts the next tick: compute balances return to each
// principal's compute quota, and every rate_window_ticks ticks the renewable
// windows start over.
func (w *World) handleTick(req tickReq) {
	tick := w.tick.Add(1)
	w.ledger.ResetAllCompute(func(id string) int64 {
		if id == ledger.SystemID {
			return 0
		}
		return int64(w.resources.Quota(id, genesis.ResourceCompute))
	})
	windowReset := tick%uint64(w.cfg.RateWindowTicks) == 0
	if windowReset {
		w.resources.ResetRateWindows("")
	}
	w.events.Append(events.Event{
		Tick: tick,
		Type: events.TypeTick,
		Data: map[string]any{"window_reset": windowReset},
	})
	reply(req.Resp, tick)
}

func (w *World) handleAgent(req agentReq) {
	reply(req.Resp, w.register(req.AgentID, w.cfg.StartingScrip))
}

// Allowance is what a principal may still spend on model calls. A zero
// limit means the resource is not metered.
type Allowance struct {
	TokensRemaining float64 `json:"tokens_remaining"`
	TokensLimit     float64 `json:"tokens_limit"`
	BudgetRemaining float64 `json:"budget_remaining"`
	BudgetMetered   bool    `json:"budget_metered"`
}

func (w *World) allowance(id string) Allowance {
	return Allowance{
		TokensRemaining: w.resources.RateRemaining(id, ResourceTokens),
		TokensLimit:     w.resources.RateLimit(id, ResourceTokens),
		BudgetRemaining: w.resources.Balance(id, ResourceBudget),
		BudgetMetered:   w.cfg.BudgetUSD > 0,
	}
}

func (w *World) handleMeter(req meterReq) {
	var resp meterResp
	defer func() { reply(req.Resp, resp) }()

	id := req.AgentID
	if !w.registered[id] || id == ledger.SystemID {
		resp.Err = protocol.NewError(protocol.ErrNotFound, "unknown principal %s", id)
		return
	}
	if req.Check {
		resp.Allowance = w.allowance(id)
		return
	}
	if req.Tokens < 0 || req.CostUSD < 0 {
		resp.Err = protocol.NewError(protocol.ErrBadRequest, "metered usage must be >= 0")
		return
	}
	tokensMetered := w.cfg.TokensPerWindow > 0 && req.Tokens > 0
	budgetMetered := w.cfg.BudgetUSD > 0 && req.CostUSD > 0
	if tokensMetered && !w.resources.HasRateCapacity(id, ResourceTokens, req.Tokens) {
		resp.Allowance = w.allowance(id)
		resp.Err = protocol.NewError(protocol.ErrRateLimit, "token window exhausted for %s: %.0f remaining, %.0f requested",
			id, resp.Allowance.TokensRemaining, req.Tokens)
		return
	}
	if budgetMetered && !w.resources.CanSpend(id, ResourceBudget, req.CostUSD) {
		resp.Allowance = w.allowance(id)
		resp.Err = protocol.NewError(protocol.ErrNoResource, "llm budget exhausted for %s: $%.4f remaining, $%.4f requested",
			id, resp.Allowance.BudgetRemaining, req.CostUSD)
		return
	}
	if tokensMetered {
		w.resources.ConsumeRate(id, ResourceTokens, req.Tokens)
	}
	if budgetMetered {
		w.resources.Spend(id, ResourceBudget, req.CostUSD)
	}
	resp.Allowance = w.allowance(id)
}

type ArtifactSummary struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	OwnerID     string `json:"owner_id"`
	Executable  bool   `json:"executable"`
	ReadPrice   int64  `json:"read_price"`
	InvokePrice int64  `json:"invoke_price"`
	Size        int64  `json:"size"`
}

// State is a consistent view of the world taken between two actions.
type State struct {
	Tick       uint64                 `json:"tick"`
	Balances   []ledger.Balance       `json:"balances"`
	Artifacts  []ArtifactSummary      `json:"artifacts"`
	Genesis    []genesis.ArtifactInfo `json:"genesis"`
	TotalScrip int64                  `json:"total_scrip"`
}

// Balance returns id's balances, false if id is unknown.
func (s State) Balance(id string) (ledger.Balance, bool) {
	i := sort.Search(len(s.Balances), func(i int) bool { return s.Balances[i].ID >= id })
	if i < len(s.Balances) && s.Balances[i].ID == id {
		return s.Balances[i], true
	}
	return ledger.Balance{}, false
}

func summarize(a *artifacts.Artifact) ArtifactSummary {
	return ArtifactSummary{
		ID:          a.ID,
		Type:        a.Type,
		OwnerID:     a.OwnerID,
		Executable:  a.Executable,
		ReadPrice:   a.Policy.ReadPrice,
		InvokePrice: a.Policy.InvokePrice,
		Size:        a.Size(),
	}
}

func (w *World) handleSnapshot(req snapshotReq) {
	list := w.store.List()
	st := State{
		Tick:       w.tick.Load(),
		Balances:   w.ledger.Snapshot(),
		Artifacts:  make([]ArtifactSummary, 0, len(list)),
		Genesis:    w.genesis.Describe(),
		TotalScrip: w.ledger.TotalScrip(),
	}
	for _, a := range list {
		st.Artifacts = append(st.Artifacts, summarize(a))
	}
	reply(req.Resp, st)
}
