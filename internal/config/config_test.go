package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.World.StartingScrip != 100 {
		t.Fatalf("starting_scrip=%d", cfg.World.StartingScrip)
	}
	if cfg.Runner.TurnTimeout != 30*time.Second {
		t.Fatalf("turn_timeout=%s", cfg.Runner.TurnTimeout)
	}
	if cfg.World.ActionCost("write_artifact") != 2 {
		t.Fatalf("write cost=%d", cfg.World.ActionCost("write_artifact"))
	}
	if cfg.Genesis.ValidationMode != "warn" {
		t.Fatalf("validation_mode=%q", cfg.Genesis.ValidationMode)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scrip.yaml")
	body := []byte("world:\n  starting_scrip: 250\n  compute_allowance: 9\nrunner:\n  workers: 8\n  turn_timeout: 3s\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("SCRIP_WORLD_STARTING_SCRIP", "300")
	t.Setenv("SCRIP_GENESIS_VALIDATION_MODE", "strict")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.World.StartingScrip != 300 {
		t.Fatalf("env should override file: starting_scrip=%d", cfg.World.StartingScrip)
	}
	if cfg.World.ComputeAllowance != 9 || cfg.Runner.Workers != 8 {
		t.Fatalf("file values lost: %+v %+v", cfg.World, cfg.Runner)
	}
	if cfg.Runner.TurnTimeout != 3*time.Second {
		t.Fatalf("turn_timeout=%s", cfg.Runner.TurnTimeout)
	}
	if cfg.Genesis.ValidationMode != "strict" {
		t.Fatalf("validation_mode=%q", cfg.Genesis.ValidationMode)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"workers":    func(c *Config) { c.Runner.Workers = 0 },
		"fee":        func(c *Config) { c.Genesis.TransferFee = -1 },
		"mode":       func(c *Config) { c.Genesis.ValidationMode = "lenient" },
		"driver":     func(c *Config) { c.Store.Driver = "postgres" },
		"memory":     func(c *Config) { c.Memory.Provider = "redis" },
		"actioncost": func(c *Config) { c.World.ActionCosts["noop"] = -2 },
	}
	for name, mutate := range cases {
		c := Default()
		mutate(c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoad_ShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "server.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Memory.Provider != "inmemory" || cfg.Store.Driver != "sqlite" {
		t.Fatalf("memory=%q store=%q", cfg.Memory.Provider, cfg.Store.Driver)
	}
	if cfg.Genesis.CatalogPath == "" {
		t.Fatalf("catalog_path not set")
	}
}
