package artifacts

import (
	"slices"

	"scripworld.ai/internal/protocol"
)

// Wildcard in an allow list admits every principal.
const Wildcard = "*"

// Policy governs who may read, write and invoke an artifact and what reads
// and invocations cost. An empty allow list means owner only.
type Policy struct {
	ReadPrice   int64    `json:"read_price"`
	InvokePrice int64    `json:"invoke_price"`
	AllowRead   []string `json:"allow_read"`
	AllowWrite  []string `json:"allow_write"`
	AllowInvoke []string `json:"allow_invoke"`
}

func DefaultPolicy() Policy {
	return Policy{
		AllowRead:   []string{Wildcard},
		AllowWrite:  []string{},
		AllowInvoke: []string{Wildcard},
	}
}

// PolicyFrom merges spec over the defaults. legacyPrice is the top-level
// write price and only applies when spec does not name an invoke price.
func PolicyFrom(spec *protocol.PolicySpec, legacyPrice *int64) (Policy, error) {
	p := DefaultPolicy()
	if spec != nil {
		if spec.ReadPrice != nil {
			p.ReadPrice = *spec.ReadPrice
		}
		if spec.InvokePrice != nil {
			p.InvokePrice = *spec.InvokePrice
		}
		if spec.AllowRead != nil || spec.HasAllowRead {
			p.AllowRead = slices.Clone(nonNil(spec.AllowRead))
		}
		if spec.AllowWrite != nil || spec.HasAllowWrite {
			p.AllowWrite = slices.Clone(nonNil(spec.AllowWrite))
		}
		if spec.AllowInvoke != nil || spec.HasAllowInvoke {
			p.AllowInvoke = slices.Clone(nonNil(spec.AllowInvoke))
		}
	}
	if legacyPrice != nil && (spec == nil || spec.InvokePrice == nil) {
		p.InvokePrice = *legacyPrice
	}
	if p.ReadPrice < 0 || p.InvokePrice < 0 {
		return Policy{}, protocol.NewError(protocol.ErrBadRequest, "prices must be >= 0")
	}
	return p, nil
}

func (p Policy) clone() Policy {
	p.AllowRead = slices.Clone(p.AllowRead)
	p.AllowWrite = slices.Clone(p.AllowWrite)
	p.AllowInvoke = slices.Clone(p.AllowInvoke)
	return p
}

func allowed(list []string, principal string) bool {
	for _, id := range list {
		if id == Wildcard || id == principal {
			return true
		}
	}
	return false
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
