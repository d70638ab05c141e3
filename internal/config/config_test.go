package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"schemahub/internal/models"
)

// Env-dependent tests use t.Setenv and therefore cannot be parallel.

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SCHEMAHUB_PRODUCTS", "BTC-USD")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Source != "coinbase" || cfg.Mode != models.ModeIncremental {
		t.Fatalf("source=%q mode=%q", cfg.Source, cfg.Mode)
	}
	if cfg.PageLimit != 1000 || cfg.ChunkWorkers != 15 || cfg.ProductWorkers != 2 {
		t.Fatalf("workers/limit: %+v", cfg)
	}
	if cfg.Rate != 10 || cfg.BurstMultiplier != 2.0 {
		t.Fatalf("limiter defaults: rate=%v mult=%v", cfg.Rate, cfg.BurstMultiplier)
	}
	if cfg.Cutoff() != 45*time.Minute {
		t.Fatalf("cutoff: %v", cfg.Cutoff())
	}
	if cfg.LockTTL != 2*time.Hour || cfg.RunDeadline != 6*time.Hour {
		t.Fatalf("ttls: %v, %v", cfg.LockTTL, cfg.RunDeadline)
	}
	if cfg.ObjectStore.Backend != "fs" || cfg.KVStore.Backend != "memory" {
		t.Fatalf("backends: %q, %q", cfg.ObjectStore.Backend, cfg.KVStore.Backend)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.Cooldown != 5*time.Minute {
		t.Fatalf("breaker: %+v", cfg.Breaker)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
source: coinbase
products: [BTC-USD, ETH-USD]
mode: full-refresh
prefix: prod
rate: 8
chunkWorkers: 20
pageLimit: 500
lockTtl: 1h
objectStore:
  backend: s3
  s3:
    bucket: trades-raw
    region: us-east-1
kvStore:
  backend: postgres
  databaseUrl: postgres://hub@localhost/hub
breaker:
  cooldown: 10m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Products) != 2 || cfg.Products[1] != "ETH-USD" {
		t.Fatalf("products: %v", cfg.Products)
	}
	if cfg.Mode != models.ModeFullRefresh || cfg.Prefix != "prod" {
		t.Fatalf("mode=%q prefix=%q", cfg.Mode, cfg.Prefix)
	}
	if cfg.Rate != 8 || cfg.ChunkWorkers != 20 || cfg.PageLimit != 500 || cfg.LockTTL != time.Hour {
		t.Fatalf("overrides: %+v", cfg)
	}
	// Values the file does not mention keep their defaults.
	if cfg.MaxAttempts != 10 || cfg.FlushTrades != 100_000 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if cfg.ObjectStore.S3.Bucket != "trades-raw" || cfg.KVStore.DatabaseURL != "postgres://hub@localhost/hub" {
		t.Fatalf("stores: %+v", cfg)
	}
	if cfg.Breaker.Cooldown != 10*time.Minute || cfg.Breaker.FailureThreshold != 5 {
		t.Fatalf("breaker: %+v", cfg.Breaker)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
products: [BTC-USD]
rate: 8
pageLimit: 500
`)
	t.Setenv("SCHEMAHUB_PRODUCTS", "ETH-USD, SOL-USD")
	t.Setenv("SCHEMAHUB_RATE", "3.5")
	t.Setenv("SCHEMAHUB_PAGE_LIMIT", "250")
	t.Setenv("SCHEMAHUB_MODE", "full-refresh")
	t.Setenv("SCHEMAHUB_LOCK_TTL", "30m")
	t.Setenv("SCHEMAHUB_DRY_RUN", "true")
	t.Setenv("DB_URL", "postgres://env@localhost/hub")
	t.Setenv("SCHEMAHUB_KV_BACKEND", "postgres")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Products) != 2 || cfg.Products[0] != "ETH-USD" || cfg.Products[1] != "SOL-USD" {
		t.Fatalf("products: %v", cfg.Products)
	}
	if cfg.Rate != 3.5 || cfg.PageLimit != 250 {
		t.Fatalf("rate=%v pageLimit=%d", cfg.Rate, cfg.PageLimit)
	}
	if cfg.Mode != models.ModeFullRefresh || cfg.LockTTL != 30*time.Minute || !cfg.DryRun {
		t.Fatalf("mode=%q ttl=%v dryRun=%v", cfg.Mode, cfg.LockTTL, cfg.DryRun)
	}
	if cfg.KVStore.Backend != "postgres" || cfg.KVStore.DatabaseURL != "postgres://env@localhost/hub" {
		t.Fatalf("kv store: %+v", cfg.KVStore)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for named missing file")
	}
}

func TestEnvBadValues(t *testing.T) {
	cases := []struct {
		env, value string
	}{
		{"SCHEMAHUB_PAGE_LIMIT", "lots"},
		{"SCHEMAHUB_RATE", "fast"},
		{"SCHEMAHUB_LOCK_TTL", "90"},
	}
	for _, tc := range cases {
		t.Run(tc.env, func(t *testing.T) {
			t.Setenv("SCHEMAHUB_PRODUCTS", "BTC-USD")
			t.Setenv(tc.env, tc.value)
			if _, err := Load(""); err == nil {
				t.Fatalf("%s=%q accepted", tc.env, tc.value)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() Config {
		cfg := Default()
		cfg.Products = []string{"BTC-USD"}
		return cfg
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no products", func(c *Config) { c.Products = nil }, "product"},
		{"bad mode", func(c *Config) { c.Mode = "backfill" }, "mode"},
		{"no base url", func(c *Config) { c.Exchange.BaseURL = "" }, "base URL"},
		{"trailing slash prefix", func(c *Config) { c.Prefix = "hub/" }, "prefix"},
		{"zero rate", func(c *Config) { c.Rate = 0 }, "rate"},
		{"sub-unity burst", func(c *Config) { c.BurstMultiplier = 0.5 }, "burst"},
		{"zero workers", func(c *Config) { c.ChunkWorkers = 0 }, "worker"},
		{"page limit too high", func(c *Config) { c.PageLimit = 1001 }, "page limit"},
		{"zero cutoff", func(c *Config) { c.CutoffMinutes = 0 }, "cutoff"},
		{"zero lock ttl", func(c *Config) { c.LockTTL = 0 }, "lock TTL"},
		{"unknown object backend", func(c *Config) { c.ObjectStore.Backend = "gcs" }, "object store"},
		{"fs without root", func(c *Config) { c.ObjectStore.Root = "" }, "root"},
		{"postgres without url", func(c *Config) {
			c.KVStore.Backend = "postgres"
			c.KVStore.DatabaseURL = ""
		}, "database URL"},
		{"unknown kv backend", func(c *Config) { c.KVStore.Backend = "redis" }, "kv store"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %v does not mention %q", err, tc.wantErr)
			}
		})
	}
}
