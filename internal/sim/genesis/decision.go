package genesis

import (
	"context"
	"math/rand/v2"
	"sync"

	"scripworld.ai/internal/protocol"
)

func newDecisionArtifact(rng *rand.Rand) (*Artifact, error) {
	var mu sync.Mutex
	intN := func(n int) int {
		mu.Lock()
		defer mu.Unlock()
		return rng.IntN(n)
	}

	a := NewArtifact(DecisionID, "Random decision utilities")
	methods := []Method{
		{
			Name:        "flip",
			Description: "Flip a coin",
			Handler: func(_ context.Context, _ Call) protocol.Result {
				side := "heads"
				if intN(2) == 1 {
					side = "tails"
				}
				return protocol.OK(side, map[string]any{"result": side})
			},
		},
		{
			Name:        "roll",
			Description: "Roll a die with the given number of sides (default 6)",
			Params: []Param{
				{Name: "sides", Type: TypeInteger},
			},
			Handler: func(_ context.Context, c Call) protocol.Result {
				sides, ok := argInt(c.Args, "sides")
				if !ok {
					sides = 6
				}
				if sides < 2 || sides > 1_000_000 {
					return protocol.Fail(protocol.ErrBadRequest, "sides must be between 2 and 1000000")
				}
				v := intN(int(sides)) + 1
				return protocol.OK("rolled", map[string]any{"result": v, "sides": sides})
			},
		},
		{
			Name:        "choose",
			Description: "Pick one of the given options",
			Params: []Param{
				{Name: "options", Type: TypeArray, Required: true},
			},
			Handler: func(_ context.Context, c Call) protocol.Result {
				opts, ok := argList(c.Args, "options")
				if !ok || len(opts) == 0 {
					return protocol.Fail(protocol.ErrBadRequest, "options must be a non-empty list")
				}
				return protocol.OK("chosen", map[string]any{"result": opts[intN(len(opts))]})
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
