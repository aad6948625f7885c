package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"

	"scripworld.ai/internal/config"
	"scripworld.ai/internal/persistence/agentstate"
	persistlog "scripworld.ai/internal/persistence/log"
	"scripworld.ai/internal/sim/events"
	"scripworld.ai/internal/sim/exec"
	"scripworld.ai/internal/sim/genesis"
	"scripworld.ai/internal/sim/memory"
	"scripworld.ai/internal/sim/runner"
	"scripworld.ai/internal/sim/world"
	"scripworld.ai/internal/telemetry"
	"scripworld.ai/internal/transport/mcptools"
	"scripworld.ai/internal/transport/observer"
	"scripworld.ai/internal/transport/ws"
)

const version = "0.1.0"

func main() {
	var (
		configPath = pflag.String("config", "", "path to config yaml (optional)")
		addr       = pflag.String("addr", "", "http listen address (overrides server.addr)")
		dataDir    = pflag.String("data", "", "runtime data directory (overrides store.path and server.event_log_dir)")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dataDir != "" {
		cfg.Store.Path = filepath.Join(*dataDir, "agents.sqlite")
		cfg.Server.EventLogDir = filepath.Join(*dataDir, "events")
	}

	logger := telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signalContext()
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry.ServiceName, version, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = shutdownTelemetry(sctx)
	}()
	metrics, err := telemetry.NewKernelMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}

	store, err := openStore(cfg.Store, logger, metrics)
	if err != nil {
		return fmt.Errorf("open agent store: %w", err)
	}
	defer store.Close()

	mem, closeMem, err := openMemory(ctx, cfg.Memory)
	if err != nil {
		return fmt.Errorf("open memory backend: %w", err)
	}
	defer closeMem()

	eventLog := persistlog.NewEventLogger(cfg.Server.EventLogDir)
	defer eventLog.Close()

	deps := world.Deps{
		Sinks:   []events.Sink{eventLog},
		Logger:  logger,
		Metrics: metrics,
	}
	if cfg.Exec.Enabled {
		wasm, err := exec.NewWasmExecutor(ctx, cfg.Exec)
		if err != nil {
			return fmt.Errorf("wasm executor: %w", err)
		}
		defer wasm.Close(context.Background())
		deps.Executor = wasm
	}
	if cfg.Genesis.CatalogPath != "" {
		cat, err := genesis.LoadCatalog(cfg.Genesis.CatalogPath)
		if err != nil {
			return err
		}
		deps.Catalog = &cat
	}
	if cfg.Genesis.ScorerURL != "" {
		deps.Scorer = newHTTPScorer(cfg.Genesis.ScorerURL)
	} else {
		logger.Warn("oracle scoring disabled (genesis.scorer_url is empty)")
	}

	w, err := world.New(cfg.World, cfg.Genesis, deps)
	if err != nil {
		return err
	}
	worldDone := make(chan error, 1)
	go func() { worldDone <- w.Run(ctx) }()
	defer w.Stop()

	gateway := ws.NewGateway(w, store, logger)
	pool := runner.NewPool(cfg.Runner, store, w, gateway, runner.Options{
		Memory:      mem,
		RecallLimit: cfg.Memory.RecallLimit,
		Notifier:    gateway,
		Logger:      logger,
		Metrics:     metrics,
	})
	tools := mcptools.New(w, version, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/admin/v1/state", stateHandler(w))
	obs := observer.NewServer(w, logger)
	mux.HandleFunc("/admin/v1/observer/bootstrap", obs.BootstrapHandler())
	mux.HandleFunc("/admin/v1/observer/ws", obs.WSHandler())
	mux.HandleFunc("/v1/ws", gateway.Handler())

	servers := []*http.Server{{Addr: cfg.Server.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}
	if cfg.Server.MCPAddr != "" {
		servers = append(servers, &http.Server{Addr: cfg.Server.MCPAddr, Handler: tools.Handler(), ReadHeaderTimeout: 5 * time.Second})
	} else {
		mux.Handle("/mcp", tools.Handler())
	}

	serveErr := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			logger.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		for _, srv := range servers {
			_ = srv.Shutdown(sctx)
		}
	}()

	loopDone := make(chan error, 1)
	go func() { loopDone <- runRounds(ctx, cfg.Runner, w, store, pool, logger) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		<-loopDone
	case err := <-serveErr:
		cancel()
		<-loopDone
		return err
	case err := <-loopDone:
		if err != nil {
			return err
		}
		logger.Info("round limit reached", "rounds", cfg.Runner.MaxRounds)
	case err := <-worldDone:
		if ctx.Err() == nil {
			cancel()
			<-loopDone
			return fmt.Errorf("world stopped: %w", err)
		}
		<-loopDone
	}

	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	if err := w.Genesis().Oracle().Wait(wctx); err != nil {
		logger.Warn("pending oracle scoring abandoned", "err", err)
	}
	return nil
}

func openStore(cfg config.StoreConfig, logger *slog.Logger, metrics *telemetry.KernelMetrics) (agentstate.Store, error) {
	if cfg.Driver == "memory" {
		return agentstate.NewMemStore(), nil
	}
	retry := agentstate.DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.RetryBaseDelay > 0 {
		retry.BaseDelay = cfg.RetryBaseDelay
	}
	if cfg.RetryMaxDelay > 0 {
		retry.MaxDelay = cfg.RetryMaxDelay
	}
	return agentstate.OpenSQLite(cfg.Path, agentstate.Options{
		BusyTimeout: cfg.BusyTimeout,
		Retry:       retry,
		Logger:      logger,
		Metrics:     metrics,
	})
}

func openMemory(ctx context.Context, cfg config.MemoryConfig) (memory.Backend, func(), error) {
	switch cfg.Provider {
	case "inmemory":
		return memory.NewInMemoryBackend(0), func() {}, nil
	case "qdrant":
		b, err := memory.NewQdrantBackend(ctx, cfg.QdrantAddr, cfg.Collection, memory.HashEmbedder{Dims: cfg.Dimensions})
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

// stateHandler serves the kernel snapshot to loopback callers only.
func stateHandler(w *world.World) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		st, err := w.Snapshot(ctx)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(st)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
