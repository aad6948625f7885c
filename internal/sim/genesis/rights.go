package genesis

import (
	"context"

	"scripworld.ai/internal/protocol"
	"scripworld.ai/internal/sim/resources"
)

// Quota resources managed by the rights registry. ResourceCompute's quota
// is the per-tick compute allowance; ResourceDisk is allocatable bytes.
const (
	ResourceCompute = "compute"
	ResourceDisk    = "disk"
)

func quotaView(rm *resources.Manager, id string) map[string]any {
	return map[string]any{
		"agent_id":       id,
		"compute_quota":  rm.Quota(id, ResourceCompute),
		"disk_quota":     rm.Quota(id, ResourceDisk),
		"disk_used":      rm.QuotaUsage(id, ResourceDisk),
		"disk_available": rm.AvailableQuota(id, ResourceDisk),
	}
}

func newRightsArtifact(rm *resources.Manager, quotaFee int64) (*Artifact, error) {
	a := NewArtifact(RightsID, "Per-principal compute and disk quotas, transferable between principals")
	methods := []Method{
		{
			Name:        "check_quota",
			Description: "Quotas and disk usage of a principal (default: caller)",
			Params: []Param{
				{Name: "agent_id", Type: TypeString},
			},
			Handler: func(_ context.Context, c Call) protocol.Result {
				id, _ := argString(c.Args, "agent_id")
				if id == "" {
					id = c.CallerID
				}
				return protocol.OK("quota of "+id, quotaView(rm, id))
			},
		},
		{
			Name:        "all_quotas",
			Description: "Quotas of every principal",
			Handler: func(_ context.Context, _ Call) protocol.Result {
				all := []map[string]any{}
				for _, id := range rm.Principals() {
					all = append(all, quotaView(rm, id))
				}
				return protocol.OK("all quotas", map[string]any{"quotas": all})
			},
		},
		{
			Name:        "transfer_quota",
			Description: "Give unused compute or disk quota to another principal",
			Cost:        quotaFee,
			Params: []Param{
				{Name: "from", Type: TypeString, Description: "must be the caller", Required: true},
				{Name: "to", Type: TypeString, Required: true},
				{Name: "resource", Type: TypeString, Description: "compute or disk", Required: true},
				{Name: "amount", Type: TypeNumber, Description: "quota to move, > 0", Required: true},
			},
			Handler: func(_ context.Context, c Call) protocol.Result {
				from, _ := argString(c.Args, "from")
				to, _ := argString(c.Args, "to")
				res, _ := argString(c.Args, "resource")
				amount, ok := argFloat(c.Args, "amount")
				if from != c.CallerID {
					return protocol.Fail(protocol.ErrNoPermission, "Cannot transfer quota from %s: you are %s", from, c.CallerID)
				}
				if res != ResourceCompute && res != ResourceDisk {
					return protocol.Fail(protocol.ErrBadRequest, "unknown quota resource %q (want compute or disk)", res)
				}
				if to == "" || to == from || !ok || amount <= 0 {
					return protocol.Fail(protocol.ErrBadRequest, "transfer_quota needs another recipient and a positive amount")
				}
				if !rm.TransferQuota(from, to, res, amount) {
					return protocol.Fail(protocol.ErrQuota, "insufficient unused %s quota: have %g, need %g",
						res, rm.AvailableQuota(from, res), amount)
				}
				return protocol.OK("quota transferred", map[string]any{
					"from":        from,
					"to":          to,
					"resource":    res,
					"transferred": amount,
				})
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
