package ledger

import (
	"sync"
	"testing"
)

func TestCreatePrincipal_Idempotent(t *testing.T) {
	l := New()
	if !l.CreatePrincipal("a1", 100) {
		t.Fatalf("expected first create to succeed")
	}
	l.ResetCompute("a1", 10)
	if l.CreatePrincipal("a1", 5) {
		t.Fatalf("expected second create to report existing principal")
	}
	if l.Scrip("a1") != 100 || l.Compute("a1") != 10 {
		t.Fatalf("balances changed: scrip=%d compute=%d", l.Scrip("a1"), l.Compute("a1"))
	}
}

func TestSpendCompute(t *testing.T) {
	l := New()
	l.CreatePrincipal("a1", 0)
	l.ResetCompute("a1", 5)
	if !l.SpendCompute("a1", 0) {
		t.Fatalf("zero spend should succeed")
	}
	if l.SpendCompute("a1", -1) {
		t.Fatalf("negative spend should fail")
	}
	if l.SpendCompute("a1", 6) {
		t.Fatalf("overspend should fail")
	}
	if l.Compute("a1") != 5 {
		t.Fatalf("failed spend mutated balance: %d", l.Compute("a1"))
	}
	if !l.SpendCompute("a1", 5) || l.Compute("a1") != 0 {
		t.Fatalf("exact spend failed: %d", l.Compute("a1"))
	}
	if l.SpendCompute("ghost", 0) {
		t.Fatalf("unknown principal should fail")
	}
}

func TestTransferScrip_Atomic(t *testing.T) {
	l := New()
	l.CreatePrincipal("a1", 30)
	l.CreatePrincipal("a2", 0)

	cases := []struct {
		from   string
		to     string
		amount int64
		ok     bool
	}{
		{"a1", "a2", 50, false},
		{"a1", "a2", 0, false},
		{"a1", "a2", -5, false},
		{"a1", "a1", 5, false},
		{"ghost", "a2", 1, false},
		{"a1", "a2", 30, true},
	}
	for _, tc := range cases {
		before1, before2 := l.Scrip(tc.from), l.Scrip(tc.to)
		got := l.TransferScrip(tc.from, tc.to, tc.amount)
		if got != tc.ok {
			t.Fatalf("transfer %+v: ok=%v", tc, got)
		}
		if !got && (l.Scrip(tc.from) != before1 || l.Scrip(tc.to) != before2) {
			t.Fatalf("failed transfer %+v mutated balances", tc)
		}
	}
	if l.Scrip("a1") != 0 || l.Scrip("a2") != 30 {
		t.Fatalf("unexpected balances a1=%d a2=%d", l.Scrip("a1"), l.Scrip("a2"))
	}
}

func TestTransferScrip_ConcurrentNoDoubleSpend(t *testing.T) {
	l := New()
	l.CreatePrincipal("src", 100)
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TransferScrip("src", "dst", 3) {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if succeeded != 33 {
		t.Fatalf("succeeded=%d want 33", succeeded)
	}
	if l.Scrip("src") != 1 || l.Scrip("dst") != 99 {
		t.Fatalf("src=%d dst=%d", l.Scrip("src"), l.Scrip("dst"))
	}
	if l.TotalScrip() != 100 {
		t.Fatalf("scrip not conserved: %d", l.TotalScrip())
	}
}

func TestResetAllCompute(t *testing.T) {
	l := New()
	l.CreatePrincipal("a1", 0)
	l.CreatePrincipal("a2", 0)
	l.ResetAllCompute(func(id string) int64 {
		if id == "a2" {
			return 7
		}
		return 3
	})
	if l.Compute("a1") != 3 || l.Compute("a2") != 7 {
		t.Fatalf("compute a1=%d a2=%d", l.Compute("a1"), l.Compute("a2"))
	}
	snap := l.Snapshot()
	if len(snap) != 2 || snap[0].ID != "a1" || snap[1].Compute != 7 {
		t.Fatalf("snapshot=%+v", snap)
	}
}
