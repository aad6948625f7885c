// Package observerproto defines the read-only event stream protocol used by
// observers (operators, recorders) of a running kernel.
package observerproto

import "scripworld.ai/internal/sim/events"

// Version is the observer protocol version (separate from the agent WS protocol).
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeEvents    = "EVENTS"
)

// Client -> Server. First message on the observer WS connection; re-sending
// it replaces the filter and cursor.
type SubscribeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	SinceSeq        uint64   `json:"since_seq"`
	Types           []string `json:"types,omitempty"` // empty means every type
	MaxBatch        int      `json:"max_batch,omitempty"`
}

// HTTP response for GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	LastSeq         uint64 `json:"last_seq"`
}

// Server -> Client. Events are in sequence order; LastSeq is the cursor to
// resume from.
type EventsMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	Events          []events.Event `json:"events"`
	LastSeq         uint64         `json:"last_seq"`
}
