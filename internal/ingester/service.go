// Package ingester runs the ingestion core: the orchestrator fans product
// runs over a bounded pool, each run holds a heartbeated product lock, and a
// per-product fetcher pulls the id range between watermark and head through
// the shared rate limiter and circuit breaker into raw storage.
package ingester

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"schemahub/internal/breaker"
	"schemahub/internal/checkpoint"
	"schemahub/internal/exchange"
	"schemahub/internal/lock"
	"schemahub/internal/metrics"
	"schemahub/internal/models"
	"schemahub/internal/ratelimit"
	"schemahub/internal/raw"
	"schemahub/internal/store"
)

// storeRetries bounds orchestrator-level retries of unavailable-store
// operations before the product run is declared failed.
const storeRetries = 3

// Config is the orchestrator's slice of the process configuration.
type Config struct {
	Source   string
	Products []string
	Mode     models.Mode

	ProductWorkers int
	ChunkWorkers   int
	PageLimit      int
	MaxAttempts    int
	FlushTrades    int
	FlushBytes     int
	Cutoff         time.Duration

	LockTTL     time.Duration
	RunDeadline time.Duration
	DryRun      bool
}

// Service executes one invocation across the configured products.
type Service struct {
	cfg      Config
	adapter  Adapter
	limiter  *ratelimit.Limiter
	breaker  *breaker.Breaker
	ckpts    *checkpoint.Manager
	locks    *lock.Manager
	writer   *raw.Writer
	progress *Progress
}

func NewService(cfg Config, adapter Adapter, limiter *ratelimit.Limiter, brk *breaker.Breaker, ckpts *checkpoint.Manager, locks *lock.Manager, writer *raw.Writer, progress *Progress) *Service {
	if cfg.ProductWorkers < 1 {
		cfg.ProductWorkers = 1
	}
	return &Service{
		cfg:      cfg,
		adapter:  adapter,
		limiter:  limiter,
		breaker:  brk,
		ckpts:    ckpts,
		locks:    locks,
		writer:   writer,
		progress: progress,
	}
}

// Run processes every configured product and returns the structured report.
// The error is non-nil exactly when at least one product failed; skipped and
// no-new-data products are successes.
func (s *Service) Run(ctx context.Context) (models.RunReport, error) {
	report := models.RunReport{
		Source:    s.cfg.Source,
		Mode:      s.cfg.Mode,
		StartedAt: time.Now().UTC(),
	}
	if s.cfg.RunDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RunDeadline)
		defer cancel()
	}

	log.WithFields(log.Fields{
		"source":   s.cfg.Source,
		"mode":     s.cfg.Mode,
		"products": len(s.cfg.Products),
		"workers":  s.cfg.ProductWorkers,
		"dry_run":  s.cfg.DryRun,
	}).Info("run starting")

	results := make([]models.ProductReport, len(s.cfg.Products))
	sem := make(chan struct{}, s.cfg.ProductWorkers)
	var wg sync.WaitGroup
	for i, productID := range s.cfg.Products {
		sem <- struct{}{}
		wg.Add(1)
		go func(idx int, productID string) {
			defer wg.Done()
			defer func() { <-sem }()
			began := time.Now()
			results[idx] = s.runProduct(ctx, productID)
			metrics.RunDuration.WithLabelValues(s.cfg.Source, string(results[idx].Status)).Observe(time.Since(began).Seconds())
		}(i, productID)
	}
	wg.Wait()

	report.Products = results
	report.FinishedAt = time.Now().UTC()
	log.WithFields(log.Fields{
		"source":   s.cfg.Source,
		"duration": report.FinishedAt.Sub(report.StartedAt).String(),
		"failed":   report.Failed(),
	}).Info("run finished")

	if report.Failed() {
		return report, fmt.Errorf("ingester: %d of %d products failed", countFailed(report), len(report.Products))
	}
	return report, nil
}

func countFailed(report models.RunReport) int {
	n := 0
	for _, p := range report.Products {
		if p.Status == models.StatusFailed {
			n++
		}
	}
	return n
}

func (s *Service) runProduct(ctx context.Context, productID string) models.ProductReport {
	run := models.Run{
		RunID:     uuid.NewString(),
		Source:    s.cfg.Source,
		ProductID: productID,
		Mode:      s.cfg.Mode,
		CreatedAt: time.Now().UTC(),
	}
	rep := models.ProductReport{ProductID: productID, RunID: run.RunID}
	logf := log.WithFields(log.Fields{"run_id": run.RunID, "product_id": productID})

	name := lock.ProductLockName(s.cfg.Source, productID)
	var lease *lock.Lease
	err := s.withStoreRetry(ctx, "acquire lock", func() error {
		var aerr error
		lease, aerr = s.locks.Acquire(ctx, name, s.cfg.LockTTL)
		return aerr
	})
	if errors.Is(err, lock.ErrHeld) {
		logf.Info("lock held elsewhere, skipping product")
		rep.Status = models.StatusSkipped
		return rep
	}
	if err != nil {
		return s.failed(rep, logf, err)
	}

	// The product context dies with the lease: once a renewal fails, no
	// further fetch, flush, or checkpoint write may happen under this run.
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	hb := newHeartbeat(lease, run, cancel)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		hb.loop(pctx)
	}()
	defer func() {
		cancel()
		<-hbDone
		releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer releaseCancel()
		if err := lease.Release(releaseCtx); err != nil {
			logf.WithField("error", err.Error()).Warn("lock release failed; TTL will reap it")
		}
	}()

	if s.cfg.Mode == models.ModeFullRefresh {
		if s.cfg.DryRun {
			logf.Info("dry run: checkpoint reset suppressed")
		} else {
			if err := s.withStoreRetry(pctx, "reset checkpoint", func() error {
				return s.ckpts.Reset(pctx, productID)
			}); err != nil {
				return s.failed(rep, logf, err)
			}
			logf.Warn("full refresh: checkpoint reset")
		}
	}

	fetcher := NewFetcher(s.adapter, s.limiter, s.breaker, s.ckpts, s.writer, s.progress, FetchConfig{
		ChunkWorkers: s.cfg.ChunkWorkers,
		PageLimit:    s.cfg.PageLimit,
		MaxAttempts:  s.cfg.MaxAttempts,
		FlushTrades:  s.cfg.FlushTrades,
		FlushBytes:   s.cfg.FlushBytes,
		Cutoff:       s.cfg.Cutoff,
		DryRun:       s.cfg.DryRun,
	}, hb.lost)

	res, err := fetcher.Run(pctx, &run)
	rep.Trades = int(res.Trades)
	rep.ObjectsWritten = res.Objects
	rep.Cursor = res.Cursor
	if err != nil {
		// A canceled product context may really be a lost lease; report
		// the lease loss, which is the actionable failure.
		if herr := hb.lost(); herr != nil {
			err = herr
		}
		return s.failed(rep, logf, err)
	}

	if res.NoNewData {
		rep.Status = models.StatusNoNewData
	} else {
		rep.Status = models.StatusSucceeded
	}
	logf.WithFields(log.Fields{
		"status":  rep.Status,
		"trades":  rep.Trades,
		"objects": rep.ObjectsWritten,
		"cursor":  rep.Cursor,
	}).Info("product run complete")
	return rep
}

func (s *Service) failed(rep models.ProductReport, logf *log.Entry, err error) models.ProductReport {
	rep.Status = models.StatusFailed
	rep.Error = err.Error()
	logf.WithFields(log.Fields{
		"kind":     kindLabel(err),
		"response": exchange.ResponseIDOf(err),
		"error":    err.Error(),
	}).Error("product run failed")
	return rep
}

// withStoreRetry retries an operation whose failure mode is the state store
// being unreachable. Everything else surfaces immediately.
func (s *Service) withStoreRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < storeRetries; attempt++ {
		if err = fn(); err == nil || !errors.Is(err, store.ErrUnavailable) {
			return err
		}
		wait := time.Duration(attempt+1) * 2 * time.Second
		log.WithFields(log.Fields{
			"op":      op,
			"attempt": attempt + 1,
			"wait":    wait.String(),
		}).Warn("state store unavailable, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

// heartbeat renews a product lease at TTL/4 and latches the first failure.
type heartbeat struct {
	lease  *lock.Lease
	run    models.Run
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func newHeartbeat(lease *lock.Lease, run models.Run, cancel context.CancelFunc) *heartbeat {
	return &heartbeat{lease: lease, run: run, cancel: cancel}
}

func (h *heartbeat) loop(ctx context.Context) {
	ticker := time.NewTicker(h.lease.TTL / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.lease.Renew(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				h.mu.Lock()
				h.err = fmt.Errorf("%w: heartbeat: %v", lock.ErrLost, err)
				h.mu.Unlock()
				log.WithFields(log.Fields{
					"run_id":     h.run.RunID,
					"product_id": h.run.ProductID,
					"error":      err.Error(),
				}).Error("lock lost, aborting run")
				h.cancel()
				return
			}
			metrics.LockRenewals.WithLabelValues(h.run.Source, h.run.ProductID).Inc()
		}
	}
}

// lost reports the latched heartbeat failure, if any.
func (h *heartbeat) lost() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}
