package main

import (
	"math/rand/v2"
	"testing"

	"scripworld.ai/internal/protocol"
)

func TestChooseNeverActsForOthers(t *testing.T) {
	b := &bot{id: "a", peer: "b", rng: rand.New(rand.NewPCG(1, 2))}
	for tick := uint64(1); tick <= 50; tick++ {
		act, err := b.act(protocol.TurnMsg{Tick: tick, Scrip: 100, Compute: 10})
		if err != nil {
			t.Fatalf("tick %d: %v", tick, err)
		}
		if act.Tick != tick {
			t.Fatalf("tick %d: act tick %d", tick, act.Tick)
		}
		in, err := protocol.DecodeIntent(act.Intent)
		if err != nil {
			t.Fatalf("tick %d: decode: %v", tick, err)
		}
		if in.PrincipalID != "a" {
			t.Fatalf("tick %d: principal %q", tick, in.PrincipalID)
		}
		if tr, ok := in.Action.(protocol.TransferScrip); ok && (tr.From != "a" || tr.To != "b") {
			t.Fatalf("tick %d: transfer %+v", tick, tr)
		}
	}
}

func TestChooseNoopWithoutCompute(t *testing.T) {
	b := &bot{id: "a", rng: rand.New(rand.NewPCG(1, 2))}
	if got := b.choose(protocol.TurnMsg{Tick: 1, Compute: 0}); protocol.ActionType(got) != protocol.ActionNoop {
		t.Fatalf("action=%v", got)
	}
	if got := b.choose(protocol.TurnMsg{Tick: 1, Compute: 5}); protocol.ActionType(got) != protocol.ActionWriteArtifact {
		t.Fatalf("action=%v", got)
	}
}
