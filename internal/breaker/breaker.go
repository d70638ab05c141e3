// Package breaker is the distributed circuit breaker guarding the upstream
// API. State lives in the shared KV store, so every worker in every process
// sees the same circuit; all mutations are version-guarded read-modify-write
// loops that converge instead of racing.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"schemahub/internal/exchange"
	"schemahub/internal/metrics"
	"schemahub/internal/models"
	"schemahub/internal/store"
)

const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 3
	defaultCooldown         = 5 * time.Minute

	// emaAlpha weights the response-time moving average.
	emaAlpha = 0.2
	// windowSize bounds the rolling outcome window behind error_rate.
	windowSize = 100
	// errMsgCap truncates stored upstream error messages.
	errMsgCap = 500

	// probeRecheck is how long a caller that lost the probe race waits
	// before looking at the circuit again.
	probeRecheck = time.Second

	// maxUpdateAttempts bounds the optimistic-write loop under contention.
	maxUpdateAttempts = 16
)

// Config tunes the state machine. Zero values take the defaults above.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
}

// Breaker mediates access to one or more upstream sources.
type Breaker struct {
	kv     store.KVStore
	prefix string
	cfg    Config

	// Now is the clock for cooldown arithmetic; tests override it.
	Now func() time.Time
}

func New(kv store.KVStore, prefix string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = defaultSuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	return &Breaker{kv: kv, prefix: prefix, cfg: cfg, Now: time.Now}
}

func (b *Breaker) key(source string) string {
	return b.prefix + "/health/" + source
}

func (b *Breaker) load(ctx context.Context, source string) (models.HealthRecord, int64, error) {
	body, version, err := b.kv.Get(ctx, b.key(source))
	if errors.Is(err, store.ErrNotFound) {
		return models.HealthRecord{CircuitState: models.CircuitClosed}, 0, nil
	}
	if err != nil {
		return models.HealthRecord{}, 0, err
	}
	var rec models.HealthRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return models.HealthRecord{}, 0, fmt.Errorf("breaker: decode health record %s: %w", source, err)
	}
	return rec, version, nil
}

// State returns the current health record for observability and tooling.
func (b *Breaker) State(ctx context.Context, source string) (models.HealthRecord, error) {
	rec, _, err := b.load(ctx, source)
	return rec, err
}

// WaitTime reports how long the caller must hold off before contacting the
// source. Zero means go ahead. When an OPEN circuit's cooldown has elapsed,
// the first caller to win the conditional transition becomes the probe and
// gets zero; losers get a short recheck interval.
func (b *Breaker) WaitTime(ctx context.Context, source string) (time.Duration, error) {
	rec, version, err := b.load(ctx, source)
	if err != nil {
		return 0, err
	}

	switch rec.CircuitState {
	case models.CircuitOpen:
	default:
		// CLOSED and HALF_OPEN both admit traffic; HALF_OPEN recovery
		// counts converge through the shared record.
		return 0, nil
	}

	elapsed := b.Now().Sub(rec.OpenedAt)
	if elapsed < b.cfg.Cooldown {
		return b.cfg.Cooldown - elapsed, nil
	}

	// Cooldown elapsed: race to flip OPEN -> HALF_OPEN. The version guard
	// covers opened_at; any intervening write loses us the race.
	rec.CircuitState = models.CircuitHalfOpen
	rec.ConsecutiveFailures = 0
	rec.ConsecutiveSuccesses = 0
	if err := b.put(ctx, source, rec, version); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return probeRecheck, nil
		}
		return 0, err
	}

	metrics.SetCircuitState(source, rec.CircuitState)
	log.WithFields(log.Fields{
		"source":   source,
		"cooldown": b.cfg.Cooldown.String(),
	}).Info("circuit half-open: probe admitted")
	return 0, nil
}

// RecordSuccess feeds one successful call into the health record.
func (b *Breaker) RecordSuccess(ctx context.Context, source string, latency time.Duration) error {
	prev, next, err := b.update(ctx, source, func(rec *models.HealthRecord) {
		rec.ConsecutiveFailures = 0
		rec.ConsecutiveSuccesses++
		rec.LastSuccessTS = b.Now().UTC()
		observeLatency(rec, latency)
		pushOutcome(rec, 0)

		if rec.CircuitState == models.CircuitHalfOpen && rec.ConsecutiveSuccesses >= b.cfg.SuccessThreshold {
			rec.CircuitState = models.CircuitClosed
			rec.ConsecutiveSuccesses = 0
			rec.OpenedAt = time.Time{}
		}
		if rec.CircuitState == "" {
			rec.CircuitState = models.CircuitClosed
		}
	})
	if err != nil {
		return err
	}
	if prev.CircuitState == models.CircuitHalfOpen && next.CircuitState == models.CircuitClosed {
		metrics.SetCircuitState(source, next.CircuitState)
		log.WithFields(log.Fields{"source": source}).Info("circuit closed: upstream recovered")
	}
	return nil
}

// RecordFailure feeds one failed call into the health record. Rate-limit
// responses are load feedback and leave the circuit untouched.
func (b *Breaker) RecordFailure(ctx context.Context, source string, kind exchange.Kind, msg string) error {
	if !kind.CircuitFailure() {
		return nil
	}

	prev, next, err := b.update(ctx, source, func(rec *models.HealthRecord) {
		rec.ConsecutiveSuccesses = 0
		rec.ConsecutiveFailures++
		rec.LastFailureTS = b.Now().UTC()
		rec.LastErrorMessage = truncate(fmt.Sprintf("%s: %s", kind, msg), errMsgCap)
		pushOutcome(rec, 1)

		switch rec.CircuitState {
		case models.CircuitHalfOpen:
			// A probe failed; back to cooling off.
			rec.CircuitState = models.CircuitOpen
			rec.OpenedAt = b.Now().UTC()
		case models.CircuitOpen:
		default:
			if rec.ConsecutiveFailures >= b.cfg.FailureThreshold {
				rec.CircuitState = models.CircuitOpen
				rec.OpenedAt = b.Now().UTC()
			}
		}
	})
	if err != nil {
		return err
	}
	if prev.CircuitState != models.CircuitOpen && next.CircuitState == models.CircuitOpen {
		metrics.SetCircuitState(source, next.CircuitState)
		log.WithFields(log.Fields{
			"source":               source,
			"consecutive_failures": next.ConsecutiveFailures,
			"kind":                 kind.String(),
			"cooldown":             b.cfg.Cooldown.String(),
		}).Warn("circuit opened")
	}
	return nil
}

// update runs one optimistic read-modify-write round until the conditional
// put lands or contention exhausts the attempt budget.
func (b *Breaker) update(ctx context.Context, source string, apply func(*models.HealthRecord)) (prev, next models.HealthRecord, err error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		if ctx.Err() != nil {
			return prev, next, ctx.Err()
		}

		rec, version, err := b.load(ctx, source)
		if err != nil {
			return prev, next, err
		}
		prev = rec
		apply(&rec)

		if err := b.put(ctx, source, rec, version); err != nil {
			if errors.Is(err, store.ErrConditionFailed) {
				continue
			}
			return prev, next, err
		}
		return prev, rec, nil
	}
	return prev, next, fmt.Errorf("breaker: update contention on %s", source)
}

func (b *Breaker) put(ctx context.Context, source string, rec models.HealthRecord, version int64) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("breaker: encode health record %s: %w", source, err)
	}
	_, err = b.kv.PutIf(ctx, b.key(source), version, body, 0)
	return err
}

func observeLatency(rec *models.HealthRecord, latency time.Duration) {
	ms := float64(latency) / float64(time.Millisecond)
	if rec.AvgResponseTimeMs == 0 {
		rec.AvgResponseTimeMs = ms
		return
	}
	rec.AvgResponseTimeMs = emaAlpha*ms + (1-emaAlpha)*rec.AvgResponseTimeMs
}

func pushOutcome(rec *models.HealthRecord, outcome int) {
	rec.Recent = append(rec.Recent, outcome)
	if len(rec.Recent) > windowSize {
		rec.Recent = rec.Recent[len(rec.Recent)-windowSize:]
	}
	failures := 0
	for _, o := range rec.Recent {
		if o != 0 {
			failures++
		}
	}
	rec.ErrorRate = float64(failures) / float64(len(rec.Recent))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
