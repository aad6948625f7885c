package main

import (
	"context"
	"log/slog"
	"time"

	"scripworld.ai/internal/config"
	"scripworld.ai/internal/persistence/agentstate"
	"scripworld.ai/internal/sim/runner"
	"scripworld.ai/internal/sim/world"
)

// runRounds drives the kernel: advance the tick, admit every stored agent,
// run one round, wait for the next interval. It returns nil on shutdown or
// after cfg.MaxRounds rounds.
func runRounds(ctx context.Context, cfg config.RunnerConfig, w *world.World, store agentstate.Store, pool *runner.Pool, logger *slog.Logger) error {
	interval := cfg.RoundInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for round := 1; cfg.MaxRounds <= 0 || round <= cfg.MaxRounds; round++ {
		if ctx.Err() != nil {
			return nil
		}
		tick, err := w.AdvanceTick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		ids, err := store.ListAgents(ctx)
		if err != nil {
			// Contention is retried inside the store; skip this round.
			logger.WarnContext(ctx, "list agents failed", "tick", tick, "err", err)
		} else {
			for _, id := range ids {
				if _, err := w.EnsureAgent(ctx, id); err != nil && ctx.Err() == nil {
					logger.WarnContext(ctx, "admit agent failed", "agent_id", id, "err", err)
				}
			}
			ws, err := w.Snapshot(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			res := pool.RunRound(ctx, ids, ws)
			logger.DebugContext(ctx, "round summary",
				"round", round,
				"tick", tick,
				"ok", res.SuccessCount,
				"errors", res.ErrorCount,
				"cpu_seconds", res.TotalCPUSeconds,
				"memory_mb", res.TotalMemoryMB,
			)
		}

		if cfg.MaxRounds > 0 && round == cfg.MaxRounds {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}
