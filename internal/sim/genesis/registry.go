package genesis

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"scripworld.ai/internal/config"
	"scripworld.ai/internal/protocol"
	"scripworld.ai/internal/sim/artifacts"
	"scripworld.ai/internal/sim/events"
	"scripworld.ai/internal/sim/ledger"
	"scripworld.ai/internal/sim/resources"
)

// Genesis artifact ids.
const (
	LedgerID   = "genesis_ledger"
	OracleID   = "genesis_oracle"
	RightsID   = "genesis_rights_registry"
	EventLogID = "genesis_event_log"
	DecisionID = "genesis_decision"
)

// Deps are the kernel components the genesis artifacts proxy.
type Deps struct {
	Ledger    *ledger.Ledger
	Store     *artifacts.Store
	Resources *resources.Manager
	Events    *events.Log
	Scorer    Scorer
	Logger    *slog.Logger
	Rand      *rand.Rand

	// Spawn registers a new principal with every kernel component.
	Spawn func(id string)
}

type Registry struct {
	cfg       config.GenesisConfig
	ledger    *ledger.Ledger
	store     *artifacts.Store
	events    *events.Log
	logger    *slog.Logger
	artifacts map[string]*Artifact
	oracle    *Oracle
}

// NewRegistry builds the five genesis artifacts and reserves their ids in
// the artifact store.
func NewRegistry(cfg config.GenesisConfig, d Deps) (*Registry, error) {
	if d.Ledger == nil || d.Store == nil || d.Resources == nil || d.Events == nil {
		return nil, fmt.Errorf("genesis: ledger, store, resources and events are required")
	}
	if cfg.ValidationMode == "" {
		cfg.ValidationMode = ValidateWarn
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rng := d.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5c1f))
	}
	spawn := d.Spawn
	if spawn == nil {
		spawn = d.Ledger.EnsurePrincipal
	}
	timeout := cfg.ScorerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r := &Registry{
		cfg:       cfg,
		ledger:    d.Ledger,
		store:     d.Store,
		events:    d.Events,
		logger:    logger.With("component", "genesis"),
		artifacts: map[string]*Artifact{},
	}
	r.oracle = newOracle(d.Store, d.Ledger, d.Events, d.Scorer, cfg.MintRatio, timeout, r.logger)

	builders := []func() (*Artifact, error){
		func() (*Artifact, error) { return newLedgerArtifact(d.Ledger, d.Store, spawn, cfg.TransferFee) },
		func() (*Artifact, error) { return r.oracle.artifact(cfg.SubmitFee) },
		func() (*Artifact, error) { return newRightsArtifact(d.Resources, cfg.QuotaFee) },
		func() (*Artifact, error) { return newEventLogArtifact(d.Events) },
		func() (*Artifact, error) { return newDecisionArtifact(rng) },
	}
	for _, build := range builders {
		a, err := build()
		if err != nil {
			return nil, err
		}
		r.artifacts[a.ID] = a
		d.Store.Reserve(a.ID, a.Description)
	}
	return r, nil
}

func (r *Registry) Has(id string) bool {
	_, ok := r.artifacts[id]
	return ok
}

func (r *Registry) Artifact(id string) (*Artifact, bool) {
	a, ok := r.artifacts[id]
	return a, ok
}

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.artifacts))
	for id := range r.artifacts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Oracle() *Oracle { return r.oracle }

// Invoke runs method on a genesis artifact for callerID: argument mapping,
// coercion and validation, then the fee, then the handler. The fee is held
// by the system principal and returned if the handler fails.
func (r *Registry) Invoke(ctx context.Context, artifactID, method string, args []any, kwargs map[string]any, callerID string, tick uint64) protocol.Result {
	a, ok := r.artifacts[artifactID]
	if !ok {
		return protocol.Fail(protocol.ErrNotFound, "genesis artifact %s not found", artifactID)
	}
	m, ok := a.Method(method)
	if !ok {
		return protocol.Fail(protocol.ErrUnknownMethod, "Unknown method '%s' on %s. Available methods: %s",
			method, artifactID, strings.Join(a.Methods(), ", "))
	}

	callArgs := mapArgs(m, args, kwargs)
	if r.cfg.ValidationMode != ValidateNone {
		coerceArgs(m, callArgs)
		if err := validateArgs(m, callArgs); err != nil {
			if r.cfg.ValidationMode == ValidateStrict {
				res := protocol.Fail(protocol.ErrValidation, "Invalid arguments for %s.%s: %v. Schema %s",
					artifactID, method, err, m.Usage(artifactID))
				res.Data = map[string]any{"input_schema": m.SchemaDoc()}
				return res
			}
			r.logger.WarnContext(ctx, "genesis argument mismatch",
				"artifact", artifactID, "method", method, "caller", callerID, "err", err)
		}
	}

	if m.Cost > 0 {
		if have := r.ledger.Scrip(callerID); have < m.Cost {
			return protocol.Fail(protocol.ErrNoResource, "insufficient scrip for %s.%s fee (need %d, have %d)",
				artifactID, method, m.Cost, have)
		}
		if !r.ledger.TransferScrip(callerID, ledger.SystemID, m.Cost) {
			return protocol.Fail(protocol.ErrNoResource, "insufficient scrip for %s.%s fee", artifactID, method)
		}
	}

	res := m.Handler(ctx, Call{CallerID: callerID, Args: callArgs, Tick: tick})
	if !res.Success {
		if m.Cost > 0 && !r.ledger.TransferScrip(ledger.SystemID, callerID, m.Cost) {
			r.logger.ErrorContext(ctx, "genesis fee refund failed",
				"artifact", artifactID, "method", method, "caller", callerID, "fee", m.Cost)
		}
		return res
	}
	if res.Data == nil {
		res.Data = map[string]any{}
	}
	res.Data["fee_paid"] = m.Cost
	return res
}

type ArtifactInfo struct {
	ID          string       `json:"id"`
	Description string       `json:"description"`
	Methods     []MethodInfo `json:"methods"`
}

// Describe lists every genesis artifact with its method contracts.
func (r *Registry) Describe() []ArtifactInfo {
	out := make([]ArtifactInfo, 0, len(r.artifacts))
	for _, id := range r.IDs() {
		a := r.artifacts[id]
		out = append(out, ArtifactInfo{ID: a.ID, Description: a.Description, Methods: a.Describe()})
	}
	return out
}
