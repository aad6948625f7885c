// Package world is the kernel's serialization boundary. Every mutation of
// the ledger, the resource manager and the artifact store happens on the
// goroutine running World.Run; callers reach it through context-bounded
// request helpers.
package world

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"scripworld.ai/internal/config"
	"scripworld.ai/internal/sim/artifacts"
	"scripworld.ai/internal/sim/events"
	"scripworld.ai/internal/sim/exec"
	"scripworld.ai/internal/sim/genesis"
	"scripworld.ai/internal/sim/ledger"
	"scripworld.ai/internal/sim/resources"
	"scripworld.ai/internal/telemetry"
)

// Metered resources besides the rights registry's compute and disk quotas.
const (
	ResourceTokens = "llm_tokens"
	ResourceBudget = "llm_budget"
)

type Deps struct {
	// Executor runs executable artifacts; nil disables invocation of
	// non-genesis artifacts.
	Executor exec.Executor
	Scorer   genesis.Scorer
	Catalog  *genesis.Catalog
	Sinks    []events.Sink
	Logger   *slog.Logger
	Metrics  *telemetry.KernelMetrics
	Rand     *rand.Rand
}

type diskCharge struct {
	principal string
	bytes     float64
}

// World owns the kernel state. Components are individually safe for
// concurrent reads; multi-step mutations only run on the loop goroutine.
type World struct {
	cfg     config.WorldConfig
	log     *slog.Logger
	metrics *telemetry.KernelMetrics

	ledger    *ledger.Ledger
	resources *resources.Manager
	store     *artifacts.Store
	events    *events.Log
	genesis   *genesis.Registry
	executor  exec.Executor

	tick       atomic.Uint64
	registered map[string]bool
	disk       map[string]diskCharge

	execReq   chan executeReq
	tickReq   chan tickReq
	agentReq  chan agentReq
	meterReq  chan meterReq
	snapReq   chan snapshotReq
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	doneOnce  sync.Once
}

func New(cfg config.WorldConfig, gcfg config.GenesisConfig, deps Deps) (*World, error) {
	if cfg.RateWindowTicks <= 0 {
		cfg.RateWindowTicks = 1
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &World{
		cfg:        cfg,
		log:        telemetry.Component(logger, "world"),
		metrics:    deps.Metrics,
		ledger:     ledger.New(),
		resources:  resources.NewManager(),
		events:     events.NewLog(cfg.EventBuffer, logger),
		executor:   deps.Executor,
		registered: map[string]bool{ledger.SystemID: true},
		disk:       map[string]diskCharge{},
		execReq:    make(chan executeReq, 64),
		tickReq:    make(chan tickReq, 4),
		agentReq:   make(chan agentReq, 64),
		meterReq:   make(chan meterReq, 64),
		snapReq:    make(chan snapshotReq, 8),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	w.store = artifacts.NewStore(w.ledger)
	w.ledger.CreatePrincipal(ledger.SystemID, 0)
	w.resources.Define(genesis.ResourceCompute, resources.Allocatable)
	w.resources.Define(genesis.ResourceDisk, resources.Allocatable)
	w.resources.Define(ResourceTokens, resources.Renewable)
	w.resources.Define(ResourceBudget, resources.Depletable)
	for _, s := range deps.Sinks {
		w.events.AddSink(s)
	}

	reg, err := genesis.NewRegistry(gcfg, genesis.Deps{
		Ledger:    w.ledger,
		Store:     w.store,
		Resources: w.resources,
		Events:    w.events,
		Scorer:    deps.Scorer,
		Logger:    logger,
		Rand:      deps.Rand,
		Spawn:     func(id string) { w.register(id, 0) },
	})
	if err != nil {
		return nil, fmt.Errorf("world: genesis: %w", err)
	}
	if deps.Catalog != nil {
		if err := reg.ApplyCatalog(*deps.Catalog); err != nil {
			return nil, fmt.Errorf("world: %w", err)
		}
	}
	w.genesis = reg

	for _, id := range cfg.SeedAgents {
		w.register(id, cfg.StartingScrip)
	}
	return w, nil
}

func (w *World) Run(ctx context.Context) error {
	defer w.doneOnce.Do(func() { close(w.done) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case req := <-w.execReq:
			w.handleExecute(req)
		case req := <-w.tickReq:
			w.handleTick(req)
		case req := <-w.agentReq:
			w.handleAgent(req)
		case req := <-w.meterReq:
			w.handleMeter(req)
		case req := <-w.snapReq:
			w.handleSnapshot(req)
		}
	}
}

func (w *World) Stop() { w.closeOnce.Do(func() { close(w.stop) }) }

func (w *World) Tick() uint64 { return w.tick.Load() }

func (w *World) Ledger() *ledger.Ledger        { return w.ledger }
func (w *World) Resources() *resources.Manager { return w.resources }
func (w *World) Artifacts() *artifacts.Store   { return w.store }
func (w *World) Events() *events.Log           { return w.events }
func (w *World) Genesis() *genesis.Registry    { return w.genesis }
func (w *World) Config() config.WorldConfig    { return w.cfg }

// register gives id its starting grant, compute allowance and quotas the
// first time it is seen. A principal that already exists in the ledger
// (for example as a transfer recipient) keeps its balance and receives the
// grant on top. Returns false if id was already registered.
func (w *World) register(id string, startingScrip int64) bool {
	if w.registered[id] {
		return false
	}
	w.registered[id] = true
	if !w.ledger.CreatePrincipal(id, startingScrip) && startingScrip > 0 {
		w.ledger.CreditScrip(id, startingScrip)
	}
	w.resources.EnsurePrincipal(id)
	w.resources.SetQuota(id, genesis.ResourceCompute, float64(w.cfg.ComputeAllowance))
	if w.cfg.DiskQuota > 0 {
		w.resources.SetQuota(id, genesis.ResourceDisk, w.cfg.DiskQuota)
	}
	if w.cfg.TokensPerWindow > 0 {
		w.resources.SetRateLimit(id, ResourceTokens, w.cfg.TokensPerWindow)
	}
	if w.cfg.BudgetUSD > 0 {
		w.resources.SetBalance(id, ResourceBudget, w.cfg.BudgetUSD)
	}
	w.ledger.ResetCompute(id, w.cfg.ComputeAllowance)
	w.events.Append(events.Event{
		Tick:      w.tick.Load(),
		Type:      events.TypeSpawn,
		Principal: id,
		Data:      map[string]any{"starting_scrip": startingScrip},
	})
	w.log.Debug("principal registered", "principal", id, "scrip", w.ledger.Scrip(id))
	return true
}
