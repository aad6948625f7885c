package protocol

import "encoding/json"

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AgentID         string `json:"agent_id"`
	Model           string `json:"model,omitempty"`
	SystemPrompt    string `json:"system_prompt,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AgentID         string `json:"agent_id"`
	Tick            uint64 `json:"tick"`
	Created         bool   `json:"created,omitempty"`
}

// TURN (server -> client): the agent's view at the start of its turn.
type TurnMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Tick            uint64   `json:"tick"`
	AgentID         string   `json:"agent_id"`
	Scrip           int64    `json:"scrip"`
	Compute         int64    `json:"compute"`
	LastResult      string   `json:"last_result,omitempty"`
	HistoryLen      int      `json:"history_len"`
	ActionSchema    string   `json:"action_schema,omitempty"`
	Memories        []string `json:"memories,omitempty"`
}

// ACT (client -> server): one action intent for the current turn.
type ActMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Tick            uint64          `json:"tick"`
	Intent          json.RawMessage `json:"intent"`
	Thought         string          `json:"thought,omitempty"`
	TokensUsed      float64         `json:"tokens_used,omitempty"`
	CostUSD         float64         `json:"cost_usd,omitempty"`
}

// RESULT (server -> client)
type ResultMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	Result          Result `json:"result"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}
