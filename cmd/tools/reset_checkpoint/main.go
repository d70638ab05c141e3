// reset_checkpoint deletes the watermark for one product so the next run
// re-ingests from the cold-start cutoff. This is the manual full-refresh
// gate; it never runs implicitly.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"schemahub/internal/checkpoint"
	"schemahub/internal/config"
	"schemahub/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("SCHEMAHUB_CONFIG"), "path to YAML config (optional)")
	productID := flag.String("product", "", "product whose checkpoint to reset (required)")
	yes := flag.Bool("yes", false, "confirm the reset")
	flag.Parse()

	if *productID == "" {
		log.Fatal("usage: reset_checkpoint -product BTC-USD -yes")
	}

	cfg, err := loadConfig(*configPath, *productID)
	if err != nil {
		log.Fatalf("Config invalid: %v", err)
	}

	objects, err := openObjects(cfg)
	if err != nil {
		log.Fatalf("Object store init failed: %v", err)
	}

	ctx := context.Background()
	mgr := checkpoint.NewManager(objects, cfg.Prefix, cfg.Source)

	cursor, found, err := mgr.Load(ctx, *productID)
	if err != nil {
		log.Fatalf("Failed to load checkpoint: %v", err)
	}
	if !found {
		fmt.Printf("No checkpoint found for %s/%s. Nothing to reset.\n", cfg.Source, *productID)
		return
	}

	if !*yes {
		fmt.Printf("Checkpoint for %s/%s is at cursor %d. Re-run with -yes to delete it.\n", cfg.Source, *productID, cursor)
		return
	}

	if err := mgr.Reset(ctx, *productID); err != nil {
		log.Fatalf("Failed to reset checkpoint: %v", err)
	}
	fmt.Printf("Deleted checkpoint for %s/%s (was %d). The next run starts from the cutoff window.\n", cfg.Source, *productID, cursor)
}

func loadConfig(path, productID string) (config.Config, error) {
	// The full config requires a product list; tools operate on a single
	// explicit product.
	if os.Getenv("SCHEMAHUB_PRODUCTS") == "" {
		os.Setenv("SCHEMAHUB_PRODUCTS", productID)
	}
	return config.Load(path)
}

func openObjects(cfg config.Config) (store.ObjectStore, error) {
	if cfg.ObjectStore.Backend == "s3" {
		return store.NewS3(cfg.ObjectStore.S3)
	}
	return store.NewFS(cfg.ObjectStore.Root)
}
