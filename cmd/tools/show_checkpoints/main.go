// show_checkpoints prints every product watermark under the configured
// prefix plus the source's health record, for run forensics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"schemahub/internal/breaker"
	"schemahub/internal/checkpoint"
	"schemahub/internal/config"
	"schemahub/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("SCHEMAHUB_CONFIG"), "path to YAML config (optional)")
	flag.Parse()

	if os.Getenv("SCHEMAHUB_PRODUCTS") == "" {
		os.Setenv("SCHEMAHUB_PRODUCTS", "ALL")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config invalid: %v", err)
	}

	objects, err := openObjects(cfg)
	if err != nil {
		log.Fatalf("Object store init failed: %v", err)
	}

	ctx := context.Background()
	mgr := checkpoint.NewManager(objects, cfg.Prefix, cfg.Source)

	prefix := fmt.Sprintf("%s/checkpoints/%s/", cfg.Prefix, cfg.Source)
	keys, err := objects.List(ctx, prefix)
	if err != nil {
		log.Fatalf("Failed to list checkpoints: %v", err)
	}
	if len(keys) == 0 {
		fmt.Printf("No checkpoints under %s\n", prefix)
	}
	for _, key := range keys {
		productID := strings.TrimSuffix(strings.TrimPrefix(key, prefix), ".json")
		cursor, found, err := mgr.Load(ctx, productID)
		switch {
		case err != nil:
			fmt.Printf("%-16s CORRUPT: %v\n", productID, err)
		case !found:
			fmt.Printf("%-16s (missing)\n", productID)
		default:
			fmt.Printf("%-16s cursor=%d\n", productID, cursor)
		}
	}

	kv, closeKV, err := openKV(cfg)
	if err != nil {
		log.Fatalf("KV store init failed: %v", err)
	}
	defer closeKV()

	health, err := breaker.New(kv, cfg.Prefix, breaker.Config{}).State(ctx, cfg.Source)
	if err != nil {
		log.Fatalf("Failed to load health record: %v", err)
	}
	fmt.Printf("\nHealth for %s:\n", cfg.Source)
	fmt.Printf("  circuit=%s failures=%d successes=%d\n", health.CircuitState, health.ConsecutiveFailures, health.ConsecutiveSuccesses)
	fmt.Printf("  avg_response_ms=%.1f error_rate=%.2f\n", health.AvgResponseTimeMs, health.ErrorRate)
	if !health.LastSuccessTS.IsZero() {
		fmt.Printf("  last_success=%s\n", health.LastSuccessTS)
	}
	if !health.LastFailureTS.IsZero() {
		fmt.Printf("  last_failure=%s last_error=%q\n", health.LastFailureTS, health.LastErrorMessage)
	}
	if !health.OpenedAt.IsZero() {
		fmt.Printf("  opened_at=%s\n", health.OpenedAt)
	}
}

func openObjects(cfg config.Config) (store.ObjectStore, error) {
	if cfg.ObjectStore.Backend == "s3" {
		return store.NewS3(cfg.ObjectStore.S3)
	}
	return store.NewFS(cfg.ObjectStore.Root)
}

func openKV(cfg config.Config) (store.KVStore, func(), error) {
	if cfg.KVStore.Backend == "postgres" {
		p, err := store.NewPostgres(cfg.KVStore.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	}
	return store.NewMemoryKV(), func() {}, nil
}
