package genesis

import (
	"context"

	"github.com/google/uuid"

	"scripworld.ai/internal/protocol"
	"scripworld.ai/internal/sim/artifacts"
	"scripworld.ai/internal/sim/ledger"
)

func newLedgerArtifact(l *ledger.Ledger, store *artifacts.Store, spawn func(string), transferFee int64) (*Artifact, error) {
	a := NewArtifact(LedgerID, "Scrip balances, transfers between principals, artifact ownership and principal creation")
	methods := []Method{
		{
			Name:        "balance",
			Description: "Scrip and compute balance of a principal",
			Params: []Param{
				{Name: "agent_id", Type: TypeString, Description: "principal to inspect", Required: true},
			},
			Handler: func(_ context.Context, c Call) protocol.Result {
				id, _ := argString(c.Args, "agent_id")
				if id == "" {
					return protocol.Fail(protocol.ErrBadRequest, "agent_id is required")
				}
				if !l.Exists(id) {
					return protocol.Fail(protocol.ErrNotFound, "principal %s not found", id)
				}
				return protocol.OK("balance of "+id, map[string]any{
					"agent_id": id,
					"scrip":    l.Scrip(id),
					"compute":  l.Compute(id),
				})
			},
		},
		{
			Name:        "all_balances",
			Description: "Balances of every principal",
			Handler: func(_ context.Context, _ Call) protocol.Result {
				return protocol.OK("all balances", map[string]any{"balances": l.Snapshot()})
			},
		},
		{
			Name:        "transfer",
			Description: "Move scrip from the caller to another principal",
			Cost:        transferFee,
			Params: []Param{
				{Name: "from", Type: TypeString, Description: "must be the caller", Required: true},
				{Name: "to", Type: TypeString, Description: "recipient", Required: true},
				{Name: "amount", Type: TypeInteger, Description: "scrip to move, > 0", Required: true},
			},
			Handler: func(_ context.Context, c Call) protocol.Result {
				from, _ := argString(c.Args, "from")
				to, _ := argString(c.Args, "to")
				amount, ok := argInt(c.Args, "amount")
				if from != c.CallerID {
					return protocol.Fail(protocol.ErrNoPermission, "Cannot transfer from %s: you are %s", from, c.CallerID)
				}
				if to == "" || !ok || amount <= 0 {
					return protocol.Fail(protocol.ErrBadRequest, "transfer needs a recipient and a positive integer amount")
				}
				if to == from {
					return protocol.Fail(protocol.ErrBadRequest, "cannot transfer to yourself")
				}
				if !l.TransferScrip(from, to, amount) {
					return protocol.Fail(protocol.ErrNoResource, "insufficient scrip: have %d, need %d", l.Scrip(from), amount)
				}
				return protocol.OK("transferred", map[string]any{
					"from":        from,
					"to":          to,
					"transferred": amount,
				})
			},
		},
		{
			Name:        "transfer_ownership",
			Description: "Give one of your artifacts to another principal",
			Params: []Param{
				{Name: "artifact_id", Type: TypeString, Required: true},
				{Name: "to", Type: TypeString, Description: "new owner", Required: true},
			},
			Handler: func(_ context.Context, c Call) protocol.Result {
				id, _ := argString(c.Args, "artifact_id")
				to, _ := argString(c.Args, "to")
				if err := store.TransferOwnership(id, c.CallerID, to); err != nil {
					return protocol.FailErr(err)
				}
				return protocol.OK("ownership transferred", map[string]any{"artifact_id": id, "owner_id": to})
			},
		},
		{
			Name:        "spawn_principal",
			Description: "Create a new principal with zero balances",
			Handler: func(_ context.Context, c Call) protocol.Result {
				id := "principal_" + uuid.NewString()[:8]
				spawn(id)
				return protocol.OK("spawned "+id, map[string]any{"principal_id": id, "spawned_by": c.CallerID})
			},
		},
	}
	for _, m := range methods {
		if err := a.RegisterMethod(m); err != nil {
			return nil, err
		}
	}
	return a, nil
}
