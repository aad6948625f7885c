// Package ledger keeps the two kernel currencies every principal holds:
// compute, a per-tick action budget, and scrip, a persistent transferable
// currency. The two are never converted into each other.
package ledger

import (
	"sort"
	"sync"
)

// SystemID is the sentinel principal that owns genesis artifacts and
// receives genesis fees.
const SystemID = "system"

type account struct {
	compute int64
	scrip   int64
}

type Balance struct {
	ID      string `json:"id"`
	Compute int64  `json:"compute"`
	Scrip   int64  `json:"scrip"`
}

type Ledger struct {
	mu       sync.Mutex
	accounts map[string]*account
}

func New() *Ledger {
	return &Ledger{accounts: map[string]*account{}}
}

// CreatePrincipal registers id with starting scrip. A second call for the
// same id leaves its balances untouched and returns false.
func (l *Ledger) CreatePrincipal(id string, startingScrip int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[id]; ok {
		return false
	}
	if startingScrip < 0 {
		startingScrip = 0
	}
	l.accounts[id] = &account{scrip: startingScrip}
	return true
}

// EnsurePrincipal creates id with zero balances if it does not exist.
func (l *Ledger) EnsurePrincipal(id string) {
	l.CreatePrincipal(id, 0)
}

func (l *Ledger) Exists(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.accounts[id]
	return ok
}

func (l *Ledger) Compute(id string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a := l.accounts[id]; a != nil {
		return a.compute
	}
	return 0
}

func (l *Ledger) Scrip(id string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a := l.accounts[id]; a != nil {
		return a.scrip
	}
	return 0
}

// SpendCompute debits amount of compute. It returns false without mutation
// when the principal is unknown, amount is negative, or the balance is short.
func (l *Ledger) SpendCompute(id string, amount int64) bool {
	if amount < 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.accounts[id]
	if a == nil || a.compute < amount {
		return false
	}
	a.compute -= amount
	return true
}

func (l *Ledger) ResetCompute(id string, allowance int64) {
	if allowance < 0 {
		allowance = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.accounts[id]
	if a == nil {
		a = &account{}
		l.accounts[id] = a
	}
	a.compute = allowance
}

// ResetAllCompute sets every principal's compute to allowance(id).
func (l *Ledger) ResetAllCompute(allowance func(id string) int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, a := range l.accounts {
		v := allowance(id)
		if v < 0 {
			v = 0
		}
		a.compute = v
	}
}

// TransferScrip moves amount from one principal to another atomically.
// Unknown senders, non-positive amounts, self transfers and short balances
// fail with no mutation. The recipient is created if absent.
func (l *Ledger) TransferScrip(from, to string, amount int64) bool {
	if amount <= 0 || from == to || to == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	src := l.accounts[from]
	if src == nil || src.scrip < amount {
		return false
	}
	dst := l.accounts[to]
	if dst == nil {
		dst = &account{}
		l.accounts[to] = dst
	}
	src.scrip -= amount
	dst.scrip += amount
	return true
}

// CreditScrip mints new scrip into id. Only the oracle mints.
func (l *Ledger) CreditScrip(id string, amount int64) bool {
	if amount < 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.accounts[id]
	if a == nil {
		a = &account{}
		l.accounts[id] = a
	}
	a.scrip += amount
	return true
}

func (l *Ledger) Principals() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (l *Ledger) Snapshot() []Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Balance, 0, len(l.accounts))
	for id, a := range l.accounts {
		out = append(out, Balance{ID: id, Compute: a.compute, Scrip: a.scrip})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TotalScrip is the sum of all scrip balances. Transfers and fees keep it
// constant; only minting raises it.
func (l *Ledger) TotalScrip() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var sum int64
	for _, a := range l.accounts {
		sum += a.scrip
	}
	return sum
}
