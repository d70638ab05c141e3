// Package config loads the ingestion core's configuration: defaults,
// overridden by an optional YAML file, overridden by environment variables.
// Env wins over file, file wins over defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"schemahub/internal/models"
	"schemahub/internal/store"
)

type Config struct {
	Source   string      `yaml:"source"`
	Products []string    `yaml:"products"`
	Mode     models.Mode `yaml:"mode"`

	Exchange ExchangeConfig `yaml:"exchange"`

	// Prefix namespaces every key this deployment writes: raw objects,
	// checkpoints, locks, health.
	Prefix string `yaml:"prefix"`

	ObjectStore ObjectStoreConfig `yaml:"objectStore"`
	KVStore     KVStoreConfig     `yaml:"kvStore"`

	Rate            float64 `yaml:"rate"`
	BurstMultiplier float64 `yaml:"burstMultiplier"`

	ProductWorkers int `yaml:"productWorkers"`
	ChunkWorkers   int `yaml:"chunkWorkers"`
	PageLimit      int `yaml:"pageLimit"`

	FlushTrades int `yaml:"flushTrades"`
	FlushBytes  int `yaml:"flushBytes"`

	CutoffMinutes int `yaml:"cutoffMinutes"`
	MaxAttempts   int `yaml:"maxAttempts"`

	Breaker BreakerConfig `yaml:"breaker"`

	LockTTL     time.Duration `yaml:"lockTtl"`
	RunDeadline time.Duration `yaml:"runDeadline"`

	// OpsListen is the status/metrics listen address; empty disables it.
	OpsListen string `yaml:"opsListen"`

	DryRun bool `yaml:"dryRun"`
}

type ExchangeConfig struct {
	BaseURL   string        `yaml:"baseUrl"`
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"userAgent"`
}

type ObjectStoreConfig struct {
	// Backend is "fs" or "s3".
	Backend string         `yaml:"backend"`
	Root    string         `yaml:"root"` // fs backend
	S3      store.S3Config `yaml:"s3"`   // s3 backend
}

type KVStoreConfig struct {
	// Backend is "postgres" or "memory". Memory is single-process only;
	// locks and circuit state are not shared across machines with it.
	Backend     string `yaml:"backend"`
	DatabaseURL string `yaml:"databaseUrl"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	SuccessThreshold int           `yaml:"successThreshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// Default returns the baseline configuration before file and env overrides.
func Default() Config {
	return Config{
		Source: "coinbase",
		Mode:   models.ModeIncremental,
		Exchange: ExchangeConfig{
			BaseURL: "https://api.exchange.coinbase.com",
			Timeout: 15 * time.Second,
		},
		Prefix:          "schemahub",
		ObjectStore:     ObjectStoreConfig{Backend: "fs", Root: "data"},
		KVStore:         KVStoreConfig{Backend: "memory"},
		Rate:            10,
		BurstMultiplier: 2.0,
		ProductWorkers:  2,
		ChunkWorkers:    15,
		PageLimit:       1000,
		FlushTrades:     100_000,
		FlushBytes:      64 << 20,
		CutoffMinutes:   45,
		MaxAttempts:     10,
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 3,
			Cooldown:         5 * time.Minute,
		},
		LockTTL:     2 * time.Hour,
		RunDeadline: 6 * time.Hour,
		OpsListen:   ":8080",
	}
}

// Load builds the effective configuration. path may be empty (defaults plus
// environment only); a named file that does not exist is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Source, "SCHEMAHUB_SOURCE")
	if v := os.Getenv("SCHEMAHUB_PRODUCTS"); v != "" {
		c.Products = splitProducts(v)
	}
	if v := os.Getenv("SCHEMAHUB_MODE"); v != "" {
		c.Mode = models.Mode(v)
	}
	setString(&c.Exchange.BaseURL, "SCHEMAHUB_EXCHANGE_URL")
	setString(&c.Exchange.UserAgent, "SCHEMAHUB_USER_AGENT")
	setString(&c.Prefix, "SCHEMAHUB_PREFIX")
	setString(&c.ObjectStore.Backend, "SCHEMAHUB_OBJECT_BACKEND")
	setString(&c.ObjectStore.Root, "SCHEMAHUB_OBJECT_ROOT")
	setString(&c.ObjectStore.S3.Bucket, "SCHEMAHUB_S3_BUCKET")
	setString(&c.ObjectStore.S3.Region, "SCHEMAHUB_S3_REGION")
	setString(&c.ObjectStore.S3.Endpoint, "SCHEMAHUB_S3_ENDPOINT")
	setString(&c.KVStore.Backend, "SCHEMAHUB_KV_BACKEND")
	setString(&c.KVStore.DatabaseURL, "DB_URL")
	setString(&c.OpsListen, "SCHEMAHUB_OPS_LISTEN")

	for _, ov := range []struct {
		env string
		dst *int
	}{
		{"SCHEMAHUB_PRODUCT_WORKERS", &c.ProductWorkers},
		{"SCHEMAHUB_CHUNK_WORKERS", &c.ChunkWorkers},
		{"SCHEMAHUB_PAGE_LIMIT", &c.PageLimit},
		{"SCHEMAHUB_FLUSH_TRADES", &c.FlushTrades},
		{"SCHEMAHUB_FLUSH_BYTES", &c.FlushBytes},
		{"SCHEMAHUB_CUTOFF_MINUTES", &c.CutoffMinutes},
		{"SCHEMAHUB_MAX_ATTEMPTS", &c.MaxAttempts},
	} {
		if v := os.Getenv(ov.env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("config: %s=%q is not an integer", ov.env, v)
			}
			*ov.dst = n
		}
	}

	for _, ov := range []struct {
		env string
		dst *float64
	}{
		{"SCHEMAHUB_RATE", &c.Rate},
		{"SCHEMAHUB_BURST_MULTIPLIER", &c.BurstMultiplier},
	} {
		if v := os.Getenv(ov.env); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("config: %s=%q is not a number", ov.env, v)
			}
			*ov.dst = f
		}
	}

	for _, ov := range []struct {
		env string
		dst *time.Duration
	}{
		{"SCHEMAHUB_EXCHANGE_TIMEOUT", &c.Exchange.Timeout},
		{"SCHEMAHUB_LOCK_TTL", &c.LockTTL},
		{"SCHEMAHUB_RUN_DEADLINE", &c.RunDeadline},
		{"SCHEMAHUB_BREAKER_COOLDOWN", &c.Breaker.Cooldown},
	} {
		if v := os.Getenv(ov.env); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("config: %s=%q is not a duration", ov.env, v)
			}
			*ov.dst = d
		}
	}

	if v := os.Getenv("SCHEMAHUB_DRY_RUN"); v != "" {
		c.DryRun = v == "true" || v == "1"
	}
	return nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func splitProducts(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("config: source required")
	}
	if len(c.Products) == 0 {
		return fmt.Errorf("config: at least one product required")
	}
	if c.Mode != models.ModeIncremental && c.Mode != models.ModeFullRefresh {
		return fmt.Errorf("config: mode %q must be %q or %q", c.Mode, models.ModeIncremental, models.ModeFullRefresh)
	}
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("config: exchange base URL required")
	}
	if c.Prefix == "" || strings.HasSuffix(c.Prefix, "/") {
		return fmt.Errorf("config: prefix must be non-empty without trailing slash")
	}
	if c.Rate <= 0 {
		return fmt.Errorf("config: rate must be positive, got %v", c.Rate)
	}
	if c.BurstMultiplier < 1.0 {
		return fmt.Errorf("config: burst multiplier must be >= 1.0, got %v", c.BurstMultiplier)
	}
	if c.ProductWorkers < 1 || c.ChunkWorkers < 1 {
		return fmt.Errorf("config: worker counts must be >= 1 (product %d, chunk %d)", c.ProductWorkers, c.ChunkWorkers)
	}
	if c.PageLimit < 1 || c.PageLimit > 1000 {
		return fmt.Errorf("config: page limit %d out of range [1,1000]", c.PageLimit)
	}
	if c.FlushTrades < 1 {
		return fmt.Errorf("config: flush trades must be >= 1")
	}
	if c.CutoffMinutes < 1 {
		return fmt.Errorf("config: cutoff minutes must be >= 1")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("config: max attempts must be >= 1")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("config: lock TTL must be positive")
	}

	switch c.ObjectStore.Backend {
	case "fs":
		if c.ObjectStore.Root == "" {
			return fmt.Errorf("config: fs object store requires a root directory")
		}
	case "s3":
		if err := c.ObjectStore.S3.Validate(); err != nil {
			return fmt.Errorf("config: s3 object store: %w", err)
		}
	default:
		return fmt.Errorf("config: object store backend %q must be fs or s3", c.ObjectStore.Backend)
	}

	switch c.KVStore.Backend {
	case "postgres":
		if c.KVStore.DatabaseURL == "" {
			return fmt.Errorf("config: postgres kv store requires a database URL")
		}
	case "memory":
	default:
		return fmt.Errorf("config: kv store backend %q must be postgres or memory", c.KVStore.Backend)
	}
	return nil
}

// Cutoff returns the cold-start lookback as a duration.
func (c Config) Cutoff() time.Duration {
	return time.Duration(c.CutoffMinutes) * time.Minute
}
