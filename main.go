package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"schemahub/internal/breaker"
	"schemahub/internal/checkpoint"
	"schemahub/internal/config"
	"schemahub/internal/exchange"
	"schemahub/internal/ingester"
	"schemahub/internal/lock"
	"schemahub/internal/ops"
	"schemahub/internal/ratelimit"
	"schemahub/internal/raw"
	"schemahub/internal/store"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("SCHEMAHUB_CONFIG"), "path to YAML config (optional)")
	flag.Parse()

	log.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	if os.Getenv("SCHEMAHUB_LOG_LEVEL") == "debug" {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithField("error", err.Error()).Fatal("configuration invalid")
	}

	log.WithFields(log.Fields{
		"commit":   BuildCommit,
		"source":   cfg.Source,
		"mode":     cfg.Mode,
		"products": cfg.Products,
		"objects":  cfg.ObjectStore.Backend,
		"kv":       cfg.KVStore.Backend,
	}).Info("schemahub ingester starting")

	objects, closeObjects, err := buildObjectStore(cfg)
	if err != nil {
		log.WithField("error", err.Error()).Fatal("object store init failed")
	}
	defer closeObjects()

	kv, closeKV, err := buildKVStore(cfg)
	if err != nil {
		log.WithField("error", err.Error()).Fatal("kv store init failed")
	}
	defer closeKV()

	adapter, err := exchange.NewCoinbase(exchange.CoinbaseConfig{
		BaseURL:   cfg.Exchange.BaseURL,
		Timeout:   cfg.Exchange.Timeout,
		UserAgent: cfg.Exchange.UserAgent,
	})
	if err != nil {
		log.WithField("error", err.Error()).Fatal("exchange adapter init failed")
	}

	limiter, err := ratelimit.New(cfg.Rate, cfg.BurstMultiplier)
	if err != nil {
		log.WithField("error", err.Error()).Fatal("rate limiter init failed")
	}

	hostname, _ := os.Hostname()
	holder := hostname + "/" + time.Now().UTC().Format("20060102T150405Z")

	ckpts := checkpoint.NewManager(objects, cfg.Prefix, cfg.Source)
	locks := lock.NewManager(kv, cfg.Prefix, holder)
	brk := breaker.New(kv, cfg.Prefix, breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
	})
	writer := raw.NewWriter(objects, cfg.Prefix, cfg.Source, cfg.DryRun)
	progress := ingester.NewProgress(2 * time.Minute)

	service := ingester.NewService(ingester.Config{
		Source:         cfg.Source,
		Products:       cfg.Products,
		Mode:           cfg.Mode,
		ProductWorkers: cfg.ProductWorkers,
		ChunkWorkers:   cfg.ChunkWorkers,
		PageLimit:      cfg.PageLimit,
		MaxAttempts:    cfg.MaxAttempts,
		FlushTrades:    cfg.FlushTrades,
		FlushBytes:     cfg.FlushBytes,
		Cutoff:         cfg.Cutoff(),
		LockTTL:        cfg.LockTTL,
		RunDeadline:    cfg.RunDeadline,
		DryRun:         cfg.DryRun,
	}, adapter, limiter, brk, ckpts, locks, writer, progress)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opsServer *ops.Server
	if cfg.OpsListen != "" {
		opsServer = ops.NewServer(cfg.OpsListen, cfg.Source, cfg.Products, brk, ckpts, limiter, progress)
		go func() {
			if err := opsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithField("error", err.Error()).Error("ops server failed")
			}
		}()
	}

	report, runErr := service.Run(ctx)

	if opsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		opsServer.Shutdown(shutdownCtx)
		cancel()
	}

	for _, p := range report.Products {
		log.WithFields(log.Fields{
			"product_id": p.ProductID,
			"run_id":     p.RunID,
			"status":     p.Status,
			"trades":     p.Trades,
			"objects":    p.ObjectsWritten,
			"cursor":     p.Cursor,
			"error":      p.Error,
		}).Info("product summary")
	}

	if runErr != nil {
		log.WithField("error", runErr.Error()).Error("run failed")
		os.Exit(1)
	}
}

func buildObjectStore(cfg config.Config) (store.ObjectStore, func(), error) {
	switch cfg.ObjectStore.Backend {
	case "s3":
		s, err := store.NewS3(cfg.ObjectStore.S3)
		return s, func() {}, err
	default:
		s, err := store.NewFS(cfg.ObjectStore.Root)
		return s, func() {}, err
	}
}

func buildKVStore(cfg config.Config) (store.KVStore, func(), error) {
	switch cfg.KVStore.Backend {
	case "postgres":
		p, err := store.NewPostgres(cfg.KVStore.DatabaseURL)
		if err != nil {
			return nil, func() {}, err
		}
		return p, p.Close, nil
	default:
		return store.NewMemoryKV(), func() {}, nil
	}
}
