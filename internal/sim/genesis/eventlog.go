package genesis

import (
	"context"

	"scripworld.ai/internal/protocol"
	"scripworld.ai/internal/sim/events"
)

const defaultEventReadLimit = 50

// Reading is free in scrip; the caller pays in context size on its next turn.
func newEventLogArtifact(log *events.Log) (*Artifact, error) {
	a := NewArtifact(EventLogID, "Read-only access to recent world events")
	err := a.RegisterMethod(Method{
		Name:        "read",
		Description: "Events after a sequence number, oldest first",
		Params: []Param{
			{Name: "since", Type: TypeInteger, Description: "return events with seq greater than this"},
			{Name: "limit", Type: TypeInteger, Description: "maximum events to return"},
		},
		Handler: func(_ context.Context, c Call) protocol.Result {
			since, _ := argInt(c.Args, "since")
			limit, ok := argInt(c.Args, "limit")
			if !ok || limit <= 0 {
				limit = defaultEventReadLimit
			}
			if since < 0 {
				since = 0
			}
			evs := log.Read(uint64(since), int(limit))
			return protocol.OK("events", map[string]any{
				"events":   evs,
				"last_seq": log.LastSeq(),
			})
		},
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}
