// release_lock force-deletes a product lock after crash forensics. Normal
// crashes need no intervention (the TTL reaps the record); this exists for
// the case where the TTL is long and the operator knows the holder is dead.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"schemahub/internal/config"
	"schemahub/internal/lock"
	"schemahub/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("SCHEMAHUB_CONFIG"), "path to YAML config (optional)")
	productID := flag.String("product", "", "product whose lock to release (required)")
	yes := flag.Bool("yes", false, "confirm the release")
	flag.Parse()

	if *productID == "" {
		log.Fatal("usage: release_lock -product BTC-USD -yes")
	}

	if os.Getenv("SCHEMAHUB_PRODUCTS") == "" {
		os.Setenv("SCHEMAHUB_PRODUCTS", *productID)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config invalid: %v", err)
	}

	kv, closeKV, err := openKV(cfg)
	if err != nil {
		log.Fatalf("KV store init failed: %v", err)
	}
	defer closeKV()

	ctx := context.Background()
	locks := lock.NewManager(kv, cfg.Prefix, "release_lock-tool")
	name := lock.ProductLockName(cfg.Source, *productID)

	rec, found, err := locks.Inspect(ctx, name)
	if err != nil {
		log.Fatalf("Failed to inspect lock: %v", err)
	}
	if !found {
		fmt.Printf("No live lock for %s. Nothing to release.\n", name)
		return
	}

	fmt.Printf("Lock %s held by %s (lock_id %s) since %s, expires %s\n",
		name, rec.Holder, rec.LockID, rec.AcquiredAt, rec.ExpiresAt)
	if !*yes {
		fmt.Println("Re-run with -yes to force-release. Only do this if the holder is known dead.")
		return
	}

	released, err := locks.ForceRelease(ctx, name)
	if err != nil {
		log.Fatalf("Failed to release lock: %v", err)
	}
	if !released {
		fmt.Println("Lock changed hands during release; the new holder keeps it.")
		return
	}
	fmt.Printf("Released %s.\n", name)
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
