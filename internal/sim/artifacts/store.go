// Package artifacts holds the world's artifacts and enforces their
// permission and pricing policies.
package artifacts

import (
	"sort"
	"sync"

	"scripworld.ai/internal/protocol"
	"scripworld.ai/internal/sim/ledger"
)

const TypeGenesis = "genesis"

type Artifact struct {
	ID               string `json:"id"`
	Type             string `json:"type"`
	OwnerID          string `json:"owner_id"`
	Content          string `json:"content"`
	Code             string `json:"code,omitempty"`
	Executable       bool   `json:"executable"`
	Policy           Policy `json:"policy"`
	HasStanding      bool   `json:"has_standing,omitempty"`
	HasLoop          bool   `json:"has_loop,omitempty"`
	AccessContractID string `json:"access_contract_id,omitempty"`
	CreatedTick      uint64 `json:"created_tick"`
	UpdatedTick      uint64 `json:"updated_tick"`
}

// IsGenesis reports whether a is a system-owned kernel artifact.
func (a *Artifact) IsGenesis() bool {
	return a.OwnerID == ledger.SystemID && a.Type == TypeGenesis
}

// Size is the disk footprint of a.
func (a *Artifact) Size() int64 {
	return int64(len(a.Content) + len(a.Code))
}

func (a *Artifact) CanRead(principal string) bool {
	return principal == a.OwnerID || allowed(a.Policy.AllowRead, principal)
}

func (a *Artifact) CanWrite(principal string) bool {
	if a.IsGenesis() {
		return false
	}
	return principal == a.OwnerID || allowed(a.Policy.AllowWrite, principal)
}

func (a *Artifact) CanInvoke(principal string) bool {
	if !a.Executable {
		return false
	}
	return principal == a.OwnerID || allowed(a.Policy.AllowInvoke, principal)
}

func (a *Artifact) clone() *Artifact {
	c := *a
	c.Policy = a.Policy.clone()
	return &c
}

// Payer moves scrip for priced reads and invocations. *ledger.Ledger
// satisfies it.
type Payer interface {
	Scrip(id string) int64
	TransferScrip(from, to string, amount int64) bool
}

type WriteRequest struct {
	ID         string
	Type       string
	Content    string
	Code       string
	Executable bool
	CallerID   string
	Policy     *protocol.PolicySpec
	Price      *int64
	Tick       uint64
}

type Store struct {
	mu    sync.RWMutex
	items map[string]*Artifact
	payer Payer
}

func NewStore(payer Payer) *Store {
	return &Store{items: map[string]*Artifact{}, payer: payer}
}

// Write creates the artifact, or updates it when the caller may write it.
// A supplied policy replaces the previous one entirely.
func (s *Store) Write(req WriteRequest) (*Artifact, bool, error) {
	if req.ID == "" {
		return nil, false, protocol.NewError(protocol.ErrBadRequest, "artifact_id is required")
	}
	if req.CallerID == "" {
		return nil, false, protocol.NewError(protocol.ErrBadRequest, "caller is required")
	}
	if req.Executable && req.Code == "" {
		return nil, false, protocol.NewError(protocol.ErrBadRequest, "executable artifact %s requires code", req.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.items[req.ID]
	if exists {
		if !cur.CanWrite(req.CallerID) {
			return nil, false, protocol.NewError(protocol.ErrNoPermission, "%s cannot write artifact %s", req.CallerID, req.ID)
		}
		next := cur.clone()
		if req.Type != "" {
			next.Type = req.Type
		}
		next.Content = req.Content
		next.Code = req.Code
		next.Executable = req.Executable
		if req.Policy != nil || req.Price != nil {
			p, err := PolicyFrom(req.Policy, req.Price)
			if err != nil {
				return nil, false, err
			}
			next.Policy = p
		}
		next.UpdatedTick = req.Tick
		s.items[req.ID] = next
		return next.clone(), false, nil
	}

	p, err := PolicyFrom(req.Policy, req.Price)
	if err != nil {
		return nil, false, err
	}
	typ := req.Type
	if typ == "" {
		typ = "generic"
	}
	a := &Artifact{
		ID:          req.ID,
		Type:        typ,
		OwnerID:     req.CallerID,
		Content:     req.Content,
		Code:        req.Code,
		Executable:  req.Executable,
		Policy:      p,
		CreatedTick: req.Tick,
		UpdatedTick: req.Tick,
	}
	s.items[req.ID] = a
	return a.clone(), true, nil
}

// Reserve registers a system-owned genesis placeholder under id.
func (s *Store) Reserve(id, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[id] = &Artifact{
		ID:          id,
		Type:        TypeGenesis,
		OwnerID:     ledger.SystemID,
		Content:     description,
		Executable:  true,
		Policy:      DefaultPolicy(),
		HasStanding: true,
	}
}

func (s *Store) Get(id string) (*Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.items[id]
	if !ok {
		return nil, false
	}
	return a.clone(), true
}

func (s *Store) List() []*Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Artifact, 0, len(s.items))
	for _, a := range s.items {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Read returns the artifact after charging the read price to reader. The
// owner reads for free. A reader who cannot pay gets nothing.
func (s *Store) Read(id, reader string) (*Artifact, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.items[id]
	if !ok {
		return nil, 0, protocol.NewError(protocol.ErrNotFound, "artifact %s not found", id)
	}
	if !a.CanRead(reader) {
		return nil, 0, protocol.NewError(protocol.ErrNoPermission, "%s cannot read artifact %s", reader, id)
	}
	price := a.Policy.ReadPrice
	if price == 0 || reader == a.OwnerID {
		return a.clone(), 0, nil
	}
	if !s.payer.TransferScrip(reader, a.OwnerID, price) {
		return nil, 0, protocol.NewError(protocol.ErrNoResource, "insufficient scrip to read %s (price %d, have %d)", id, price, s.payer.Scrip(reader))
	}
	return a.clone(), price, nil
}

// AuthorizeInvoke checks permission and affordability without charging.
func (s *Store) AuthorizeInvoke(id, invoker string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.items[id]
	if !ok {
		return nil, protocol.NewError(protocol.ErrNotFound, "artifact %s not found", id)
	}
	if !a.Executable {
		return nil, protocol.NewError(protocol.ErrBadRequest, "artifact %s is not executable", id)
	}
	if !a.CanInvoke(invoker) {
		return nil, protocol.NewError(protocol.ErrNoPermission, "%s cannot invoke artifact %s", invoker, id)
	}
	if price := a.Policy.InvokePrice; price > 0 && invoker != a.OwnerID {
		if have := s.payer.Scrip(invoker); have < price {
			return nil, protocol.NewError(protocol.ErrNoResource, "insufficient scrip to invoke %s (price %d, have %d)", id, price, have)
		}
	}
	return a.clone(), nil
}

// ChargeInvoke pays a's invoke price from invoker to the owner.
func (s *Store) ChargeInvoke(a *Artifact, invoker string) (int64, error) {
	price := a.Policy.InvokePrice
	if price == 0 || invoker == a.OwnerID {
		return 0, nil
	}
	if !s.payer.TransferScrip(invoker, a.OwnerID, price) {
		return 0, protocol.NewError(protocol.ErrNoResource, "insufficient scrip to invoke %s (price %d)", a.ID, price)
	}
	return price, nil
}

func (s *Store) TransferOwnership(id, caller, newOwner string) error {
	if newOwner == "" {
		return protocol.NewError(protocol.ErrBadRequest, "new owner is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.items[id]
	if !ok {
		return protocol.NewError(protocol.ErrNotFound, "artifact %s not found", id)
	}
	if a.IsGenesis() || a.OwnerID != caller {
		return protocol.NewError(protocol.ErrNoPermission, "%s does not own artifact %s", caller, id)
	}
	next := a.clone()
	next.OwnerID = newOwner
	s.items[id] = next
	return nil
}
