// Package resources is a generic per-principal, per-resource accounting
// primitive with three behavior classes.
//
// Depletable resources are only spent. Allocatable resources are bounded by
// a quota and move in and out with Allocate/Deallocate. Renewable resources
// are bounded by a per-window rate limit; the manager never resets a window
// on its own, callers do it at their own boundaries.
//
// Every failing operation returns false and leaves state unchanged. Reads
// never create entries.
package resources

import (
	"sort"
	"sync"
)

type Class uint8

const (
	Depletable Class = iota
	Allocatable
	Renewable
)

func (c Class) String() string {
	switch c {
	case Allocatable:
		return "allocatable"
	case Renewable:
		return "renewable"
	default:
		return "depletable"
	}
}

type key struct {
	principal string
	resource  string
}

type entry struct {
	balance     float64
	quota       float64
	rateLimit   float64
	windowUsage float64
}

type Manager struct {
	mu         sync.Mutex
	classes    map[string]Class
	entries    map[key]entry
	principals map[string]struct{}
}

func NewManager() *Manager {
	return &Manager{
		classes:    map[string]Class{},
		entries:    map[key]entry{},
		principals: map[string]struct{}{},
	}
}

// Define declares the behavior class of resource. Undefined resources are
// depletable.
func (m *Manager) Define(resource string, c Class) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classes[resource] = c
}

func (m *Manager) ClassOf(resource string) Class {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.classes[resource]
}

func (m *Manager) EnsurePrincipal(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.principals[id] = struct{}{}
}

func (m *Manager) Principals() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.principals))
	for id := range m.principals {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// put writes e back and registers the principal. Callers hold m.mu.
func (m *Manager) put(k key, e entry) {
	m.entries[k] = e
	m.principals[k.principal] = struct{}{}
}

// Balance ops.

func (m *Manager) Balance(principal, resource string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key{principal, resource}].balance
}

func (m *Manager) SetBalance(principal, resource string, amount float64) bool {
	if amount < 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{principal, resource}
	e := m.entries[k]
	e.balance = amount
	m.put(k, e)
	return true
}

func (m *Manager) Credit(principal, resource string, amount float64) bool {
	if amount < 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{principal, resource}
	e := m.entries[k]
	e.balance += amount
	m.put(k, e)
	return true
}

func (m *Manager) Spend(principal, resource string, amount float64) bool {
	if amount < 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{principal, resource}
	e, ok := m.entries[k]
	if !ok && amount > 0 {
		return false
	}
	if e.balance < amount {
		return false
	}
	e.balance -= amount
	m.put(k, e)
	return true
}

func (m *Manager) CanSpend(principal, resource string, amount float64) bool {
	if amount < 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key{principal, resource}].balance >= amount
}

// Transfer moves amount of resource between principals. The recipient is
// created if absent.
func (m *Manager) Transfer(from, to, resource string, amount float64) bool {
	if amount <= 0 || from == to {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fk, tk := key{from, resource}, key{to, resource}
	src, ok := m.entries[fk]
	if !ok || src.balance < amount {
		return false
	}
	dst := m.entries[tk]
	src.balance -= amount
	dst.balance += amount
	m.put(fk, src)
	m.put(tk, dst)
	return true
}

// Allocatable ops. For these resources the balance is the amount in use.

func (m *Manager) SetQuota(principal, resource string, quota float64) bool {
	if quota < 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.classes[resource]; !ok {
		m.classes[resource] = Allocatable
	}
	k := key{principal, resource}
	e := m.entries[k]
	e.quota = quota
	m.put(k, e)
	return true
}

func (m *Manager) Quota(principal, resource string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key{principal, resource}].quota
}

func (m *Manager) Allocate(principal, resource string, amount float64) bool {
	if amount < 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{principal, resource}
	e, ok := m.entries[k]
	if !ok || e.balance+amount > e.quota {
		return false
	}
	e.balance += amount
	m.put(k, e)
	return true
}

// ConsumeQuota is Allocate under the name used for quota-metered usage.
func (m *Manager) ConsumeQuota(principal, resource string, amount float64) bool {
	return m.Allocate(principal, resource, amount)
}

// Deallocate releases amount, flooring the balance at zero.
func (m *Manager) Deallocate(principal, resource string, amount float64) bool {
	if amount < 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{principal, resource}
	e, ok := m.entries[k]
	if !ok {
		return amount == 0
	}
	e.balance -= amount
	if e.balance < 0 {
		e.balance = 0
	}
	m.put(k, e)
	return true
}

func (m *Manager) AvailableQuota(principal, resource string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key{principal, resource}]
	if avail := e.quota - e.balance; avail > 0 {
		return avail
	}
	return 0
}

func (m *Manager) QuotaUsage(principal, resource string) float64 {
	return m.Balance(principal, resource)
}

// TransferQuota moves unused quota from one principal to another.
func (m *Manager) TransferQuota(from, to, resource string, amount float64) bool {
	if amount <= 0 || from == to {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fk, tk := key{from, resource}, key{to, resource}
	src, ok := m.entries[fk]
	if !ok || src.quota-src.balance < amount {
		return false
	}
	dst := m.entries[tk]
	src.quota -= amount
	dst.quota += amount
	m.put(fk, src)
	m.put(tk, dst)
	return true
}

// Renewable ops.

func (m *Manager) SetRateLimit(principal, resource string, limit float64) bool {
	if limit < 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.classes[resource]; !ok {
		m.classes[resource] = Renewable
	}
	k := key{principal, resource}
	e := m.entries[k]
	e.rateLimit = limit
	m.put(k, e)
	return true
}

func (m *Manager) RateLimit(principal, resource string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key{principal, resource}].rateLimit
}

func (m *Manager) ConsumeRate(principal, resource string, amount float64) bool {
	if amount < 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{principal, resource}
	e, ok := m.entries[k]
	if !ok || e.windowUsage+amount > e.rateLimit {
		return false
	}
	e.windowUsage += amount
	m.put(k, e)
	return true
}

func (m *Manager) WindowUsage(principal, resource string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key{principal, resource}].windowUsage
}

func (m *Manager) RateRemaining(principal, resource string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key{principal, resource}]
	if rem := e.rateLimit - e.windowUsage; rem > 0 {
		return rem
	}
	return 0
}

func (m *Manager) HasRateCapacity(principal, resource string, amount float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key{principal, resource}]
	return amount >= 0 && e.windowUsage+amount <= e.rateLimit
}

func (m *Manager) ResetRateWindow(principal, resource string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{principal, resource}
	if e, ok := m.entries[k]; ok {
		e.windowUsage = 0
		m.entries[k] = e
	}
}

// ResetRateWindows zeroes window usage of resource for every principal, or
// of every renewable resource when resource is empty.
func (m *Manager) ResetRateWindows(resource string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if resource != "" && k.resource != resource {
			continue
		}
		if e.windowUsage != 0 {
			e.windowUsage = 0
			m.entries[k] = e
		}
	}
}

type Usage struct {
	Resource    string  `json:"resource"`
	Class       string  `json:"class"`
	Balance     float64 `json:"balance"`
	Quota       float64 `json:"quota,omitempty"`
	RateLimit   float64 `json:"rate_limit,omitempty"`
	WindowUsage float64 `json:"window_usage,omitempty"`
}

// UsageOf lists every resource entry held by principal, sorted by name.
func (m *Manager) UsageOf(principal string) []Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Usage
	for k, e := range m.entries {
		if k.principal != principal {
			continue
		}
		out = append(out, Usage{
			Resource:    k.resource,
			Class:       m.classes[k.resource].String(),
			Balance:     e.balance,
			Quota:       e.quota,
			RateLimit:   e.rateLimit,
			WindowUsage: e.windowUsage,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out
}
