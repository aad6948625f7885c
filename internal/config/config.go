// Package config loads kernel configuration from defaults, an optional YAML
// file and SCRIP_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "SCRIP_"

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	World     WorldConfig     `koanf:"world"`
	Genesis   GenesisConfig   `koanf:"genesis"`
	Runner    RunnerConfig    `koanf:"runner"`
	Store     StoreConfig     `koanf:"store"`
	Memory    MemoryConfig    `koanf:"memory"`
	Exec      ExecConfig      `koanf:"exec"`
	Server    ServerConfig    `koanf:"server"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter     string `koanf:"exporter"` // none, stdout, otlp
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
	ServiceName  string `koanf:"service_name"`
}

type WorldConfig struct {
	StartingScrip    int64            `koanf:"starting_scrip"`
	ComputeAllowance int64            `koanf:"compute_allowance"`
	DiskQuota        float64          `koanf:"disk_quota"` // bytes per principal
	ActionCosts      map[string]int64 `koanf:"action_costs"`
	RateWindowTicks  int              `koanf:"rate_window_ticks"`
	TokensPerWindow  float64          `koanf:"tokens_per_window"`
	BudgetUSD        float64          `koanf:"budget_usd"`
	EventBuffer      int              `koanf:"event_buffer"`
	SeedAgents       []string         `koanf:"seed_agents"`
}

type GenesisConfig struct {
	ValidationMode string        `koanf:"validation_mode"` // none, warn, strict
	TransferFee    int64         `koanf:"transfer_fee"`
	SubmitFee      int64         `koanf:"submit_fee"`
	QuotaFee       int64         `koanf:"quota_fee"`
	MintRatio      float64       `koanf:"mint_ratio"`
	CatalogPath    string        `koanf:"catalog_path"`
	ScorerTimeout  time.Duration `koanf:"scorer_timeout"`
	ScorerURL      string        `koanf:"scorer_url"` // empty disables oracle scoring
}

type RunnerConfig struct {
	Workers        int           `koanf:"workers"`
	TurnTimeout    time.Duration `koanf:"turn_timeout"`
	MaxMemoryMB    float64       `koanf:"max_memory_mb"`
	SampleInterval time.Duration `koanf:"sample_interval"`
	HistoryLimit   int           `koanf:"history_limit"`
	RoundInterval  time.Duration `koanf:"round_interval"`
	MaxRounds      int           `koanf:"max_rounds"` // 0 runs until shutdown
}

type StoreConfig struct {
	Driver         string        `koanf:"driver"` // sqlite, memory
	Path           string        `koanf:"path"`
	BusyTimeout    time.Duration `koanf:"busy_timeout"`
	MaxAttempts    int           `koanf:"max_attempts"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`
	RetryMaxDelay  time.Duration `koanf:"retry_max_delay"`
}

type MemoryConfig struct {
	Provider    string `koanf:"provider"` // none, inmemory, qdrant
	QdrantAddr  string `koanf:"qdrant_addr"`
	Collection  string `koanf:"collection"`
	Dimensions  int    `koanf:"dimensions"`
	RecallLimit int    `koanf:"recall_limit"`
}

type ExecConfig struct {
	Enabled          bool          `koanf:"enabled"`
	Timeout          time.Duration `koanf:"timeout"`
	MemoryLimitPages uint32        `koanf:"memory_limit_pages"`
}

type ServerConfig struct {
	Addr        string `koanf:"addr"`
	MCPAddr     string `koanf:"mcp_addr"`
	EventLogDir string `koanf:"event_log_dir"`
}

func setDefaults(k *koanf.Koanf) {
	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("telemetry.exporter", "none")
	k.Set("telemetry.otlp_endpoint", "localhost:4317")
	k.Set("telemetry.otlp_insecure", true)
	k.Set("telemetry.service_name", "scripworld")

	k.Set("world.starting_scrip", 100)
	k.Set("world.compute_allowance", 50)
	k.Set("world.disk_quota", 10000)
	k.Set("world.action_costs", map[string]any{
		"noop":            0,
		"read_artifact":   1,
		"write_artifact":  2,
		"invoke_artifact": 1,
		"transfer_scrip":  1,
	})
	k.Set("world.rate_window_ticks", 1)
	k.Set("world.tokens_per_window", 20000)
	k.Set("world.budget_usd", 1.0)
	k.Set("world.event_buffer", 1000)

	k.Set("genesis.validation_mode", "warn")
	k.Set("genesis.transfer_fee", 0)
	k.Set("genesis.submit_fee", 5)
	k.Set("genesis.quota_fee", 1)
	k.Set("genesis.mint_ratio", 1.0)
	k.Set("genesis.scorer_timeout", "30s")
	k.Set("genesis.scorer_url", "")

	k.Set("runner.workers", 4)
	k.Set("runner.turn_timeout", "30s")
	k.Set("runner.max_memory_mb", 0)
	k.Set("runner.sample_interval", "100ms")
	k.Set("runner.history_limit", 20)
	k.Set("runner.round_interval", "5s")
	k.Set("runner.max_rounds", 0)

	k.Set("store.driver", "sqlite")
	k.Set("store.path", "data/agents.sqlite")
	k.Set("store.busy_timeout", "5s")
	k.Set("store.max_attempts", 5)
	k.Set("store.retry_base_delay", "50ms")
	k.Set("store.retry_max_delay", "500ms")

	k.Set("memory.provider", "none")
	k.Set("memory.qdrant_addr", "localhost:6334")
	k.Set("memory.collection", "scripworld_memory")
	k.Set("memory.dimensions", 256)
	k.Set("memory.recall_limit", 5)

	k.Set("exec.enabled", true)
	k.Set("exec.timeout", "2s")
	k.Set("exec.memory_limit_pages", 256)

	k.Set("server.addr", ":8080")
	k.Set("server.mcp_addr", "")
	k.Set("server.event_log_dir", "data/events")
}

// Load builds a Config. Precedence: defaults < file at path (if non-empty) < environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	setDefaults(k)

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	// SCRIP_WORLD_STARTING_SCRIP -> world.starting_scrip
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", 1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration without consulting files or env.
func Default() *Config {
	k := koanf.New(".")
	setDefaults(k)
	var cfg Config
	_ = k.Unmarshal("", &cfg)
	return &cfg
}

func (c *Config) Validate() error {
	if c.Runner.Workers <= 0 {
		return fmt.Errorf("runner.workers must be > 0 (got %d)", c.Runner.Workers)
	}
	if c.Runner.HistoryLimit < 0 {
		return fmt.Errorf("runner.history_limit must be >= 0")
	}
	if c.World.StartingScrip < 0 || c.World.ComputeAllowance < 0 {
		return fmt.Errorf("world balances must be >= 0")
	}
	for action, cost := range c.World.ActionCosts {
		if cost < 0 {
			return fmt.Errorf("world.action_costs.%s must be >= 0", action)
		}
	}
	if c.World.RateWindowTicks <= 0 {
		return fmt.Errorf("world.rate_window_ticks must be > 0")
	}
	if c.Genesis.TransferFee < 0 || c.Genesis.SubmitFee < 0 || c.Genesis.QuotaFee < 0 {
		return fmt.Errorf("genesis fees must be >= 0")
	}
	if c.Genesis.MintRatio < 0 {
		return fmt.Errorf("genesis.mint_ratio must be >= 0")
	}
	switch c.Genesis.ValidationMode {
	case "none", "warn", "strict":
	default:
		return fmt.Errorf("genesis.validation_mode: unknown mode %q", c.Genesis.ValidationMode)
	}
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	if c.Store.MaxAttempts <= 0 {
		return fmt.Errorf("store.max_attempts must be > 0")
	}
	switch c.Memory.Provider {
	case "none", "inmemory", "qdrant":
	default:
		return fmt.Errorf("memory.provider: unknown provider %q", c.Memory.Provider)
	}
	switch c.Telemetry.Exporter {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("telemetry.exporter: unknown exporter %q", c.Telemetry.Exporter)
	}
	return nil
}

// ActionCost returns the compute charged for an action kind.
func (w WorldConfig) ActionCost(kind string) int64 {
	return w.ActionCosts[kind]
}
