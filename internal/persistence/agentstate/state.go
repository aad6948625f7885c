// Package agentstate persists per-agent execution state. It is the only
// place agent state lives between turns; every save replaces the whole row.
package agentstate

import (
	"context"
	"slices"
)

type TurnRecord struct {
	Tick       uint64  `json:"tick"`
	Action     string  `json:"action,omitempty"`
	Success    bool    `json:"success"`
	Code       string  `json:"code,omitempty"`
	Message    string  `json:"message,omitempty"`
	Thought    string  `json:"thought,omitempty"`
	TokensUsed float64 `json:"tokens_used,omitempty"`
}

type RAGConfig struct {
	Enabled bool   `json:"enabled"`
	Limit   int    `json:"limit,omitempty"`
	Query   string `json:"query,omitempty"`
}

type State struct {
	AgentID          string       `json:"agent_id"`
	Model            string       `json:"model"`
	SystemPrompt     string       `json:"system_prompt"`
	ActionSchema     string       `json:"action_schema,omitempty"`
	LastActionResult string       `json:"last_action_result,omitempty"`
	TurnHistory      []TurnRecord `json:"turn_history"`
	RAG              RAGConfig    `json:"rag"`
	CreatedTick      uint64       `json:"created_tick"`
	LastActiveTick   uint64       `json:"last_active_tick"`
}

func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.TurnHistory = slices.Clone(s.TurnHistory)
	return &c
}

// AppendTurn records r and keeps at most limit entries (0 = unbounded).
func (s *State) AppendTurn(r TurnRecord, limit int) {
	s.TurnHistory = append(s.TurnHistory, r)
	if limit > 0 && len(s.TurnHistory) > limit {
		s.TurnHistory = slices.Clone(s.TurnHistory[len(s.TurnHistory)-limit:])
	}
}

type Store interface {
	// Save upserts the full state keyed by AgentID.
	Save(ctx context.Context, s *State) error
	// Load returns ok=false when no state exists for id.
	Load(ctx context.Context, id string) (*State, bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	ListAgents(ctx context.Context) ([]string, error)
	Close() error
}
