// Package runner runs agent turns on a bounded worker pool. A turn loads
// the agent's durable state, asks the decision loop for an action, hands
// the action to the world and saves the updated state.
package runner

import (
	"context"
	"time"

	"scripworld.ai/internal/persistence/agentstate"
	"scripworld.ai/internal/protocol"
	"scripworld.ai/internal/sim/ledger"
	"scripworld.ai/internal/sim/memory"
	"scripworld.ai/internal/sim/world"
)

// TurnInput is everything a decision loop sees for one turn.
type TurnInput struct {
	AgentID   string
	Tick      uint64
	State     *agentstate.State
	Balance   ledger.Balance
	Allowance world.Allowance
	World     world.State
	Memories  []memory.Memory
}

type Decision struct {
	Action     protocol.Action
	TokensUsed float64
	CostUSD    float64
	Thought    string
}

// Decider is the external decision loop (an LLM client, a remote agent, a
// scripted policy). It may block for as long as the turn allows.
type Decider interface {
	Decide(ctx context.Context, in TurnInput) (Decision, error)
}

type DeciderFunc func(ctx context.Context, in TurnInput) (Decision, error)

func (f DeciderFunc) Decide(ctx context.Context, in TurnInput) (Decision, error) { return f(ctx, in) }

// ResultNotifier is told the outcome of every executed action.
type ResultNotifier interface {
	NotifyResult(ctx context.Context, agentID string, tick uint64, res protocol.Result)
}

// Kernel is the part of the world a turn needs. *world.World satisfies it.
type Kernel interface {
	Execute(ctx context.Context, in protocol.Intent) protocol.Result
	Allowance(ctx context.Context, id string) (world.Allowance, error)
	Meter(ctx context.Context, id string, tokens, costUSD float64) (world.Allowance, error)
}

// Turn outcomes.
const (
	OutcomeOK           = "ok"
	OutcomeActionFailed = "action_failed"
	OutcomeError        = "error"
	OutcomeKilled       = "killed"
)

type TurnResult struct {
	AgentID      string          `json:"agent_id"`
	Tick         uint64          `json:"tick"`
	Outcome      string          `json:"outcome"`
	Action       string          `json:"action,omitempty"`
	Result       protocol.Result `json:"result"`
	Error        string          `json:"error,omitempty"`
	Duration     time.Duration   `json:"duration"`
	CPUSeconds   float64         `json:"cpu_seconds"`
	PeakMemoryMB float64         `json:"peak_memory_mb"`
}

func (r TurnResult) Success() bool { return r.Outcome == OutcomeOK }

type RoundResults struct {
	Tick            uint64       `json:"tick"`
	Results         []TurnResult `json:"results"`
	TotalMemoryMB   float64      `json:"total_memory_mb"`
	TotalCPUSeconds float64      `json:"total_cpu_seconds"`
	SuccessCount    int          `json:"success_count"`
	ErrorCount      int          `json:"error_count"`
}
