package breaker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"schemahub/internal/exchange"
	"schemahub/internal/models"
	"schemahub/internal/store"
)

const testSource = "coinbase"

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	kv := store.NewMemoryKV()
	b := New(kv, "hub", Config{})
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	b.Now = func() time.Time { return now }
	return b, &now
}

func failN(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := b.RecordFailure(context.Background(), testSource, exchange.KindServerError, fmt.Sprintf("boom %d", i)); err != nil {
			t.Fatal(err)
		}
	}
}

func TestOpensAtFailureThreshold(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newTestBreaker(t)

	failN(t, b, defaultFailureThreshold-1)
	rec, err := b.State(ctx, testSource)
	if err != nil {
		t.Fatal(err)
	}
	if rec.CircuitState != models.CircuitClosed {
		t.Fatalf("state before threshold: %s", rec.CircuitState)
	}

	failN(t, b, 1)
	rec, err = b.State(ctx, testSource)
	if err != nil {
		t.Fatal(err)
	}
	if rec.CircuitState != models.CircuitOpen {
		t.Fatalf("state at threshold: %s", rec.CircuitState)
	}
	if rec.OpenedAt.IsZero() {
		t.Fatal("opened_at not stamped")
	}

	wait, err := b.WaitTime(ctx, testSource)
	if err != nil {
		t.Fatal(err)
	}
	if wait != defaultCooldown {
		t.Fatalf("wait=%v want %v", wait, defaultCooldown)
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newTestBreaker(t)

	failN(t, b, defaultFailureThreshold-1)
	if err := b.RecordSuccess(ctx, testSource, 120*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	failN(t, b, defaultFailureThreshold-1)

	rec, err := b.State(ctx, testSource)
	if err != nil {
		t.Fatal(err)
	}
	if rec.CircuitState != models.CircuitClosed {
		t.Fatalf("interleaved successes must keep the circuit closed, got %s", rec.CircuitState)
	}
}

func TestRateLimitedDoesNotCount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newTestBreaker(t)

	for i := 0; i < defaultFailureThreshold*3; i++ {
		if err := b.RecordFailure(ctx, testSource, exchange.KindRateLimited, "429"); err != nil {
			t.Fatal(err)
		}
	}
	rec, err := b.State(ctx, testSource)
	if err != nil {
		t.Fatal(err)
	}
	if rec.CircuitState != models.CircuitClosed || rec.ConsecutiveFailures != 0 {
		t.Fatalf("rate limits moved the circuit: %+v", rec)
	}
}

func TestProbeRaceOneWinner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, now := newTestBreaker(t)
	failN(t, b, defaultFailureThreshold)

	*now = now.Add(defaultCooldown + time.Second)

	// Two callers observe the elapsed cooldown; exactly one may probe.
	wait1, err := b.WaitTime(ctx, testSource)
	if err != nil {
		t.Fatal(err)
	}
	wait2, err := b.WaitTime(ctx, testSource)
	if err != nil {
		t.Fatal(err)
	}
	if wait1 != 0 {
		t.Fatalf("first caller should win the probe, wait=%v", wait1)
	}
	if wait2 != 0 {
		// Loser waits, winner probes: HALF_OPEN admits callers, so the
		// second check returns zero too once the state has flipped.
		t.Fatalf("half-open circuit should admit the second caller, wait=%v", wait2)
	}

	rec, err := b.State(ctx, testSource)
	if err != nil {
		t.Fatal(err)
	}
	if rec.CircuitState != models.CircuitHalfOpen {
		t.Fatalf("state after probe: %s", rec.CircuitState)
	}
}

func TestProbeRaceLoserOnStaleVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := store.NewMemoryKV()
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	b1 := New(kv, "hub", Config{})
	b1.Now = func() time.Time { return now }
	b2 := New(kv, "hub", Config{})
	b2.Now = func() time.Time { return now }

	failN(t, b1, defaultFailureThreshold)
	now = now.Add(defaultCooldown + time.Second)

	// Both processes see OPEN with elapsed cooldown. The first conditional
	// transition wins; the second must observe HALF_OPEN, not double-probe.
	w1, err := b1.WaitTime(ctx, testSource)
	if err != nil {
		t.Fatal(err)
	}
	w2, err := b2.WaitTime(ctx, testSource)
	if err != nil {
		t.Fatal(err)
	}
	if w1 != 0 || w2 != 0 {
		t.Fatalf("waits: %v, %v", w1, w2)
	}
	rec, err := b1.State(ctx, testSource)
	if err != nil {
		t.Fatal(err)
	}
	if rec.CircuitState != models.CircuitHalfOpen {
		t.Fatalf("state: %s", rec.CircuitState)
	}
}

func TestHalfOpenClosesAfterSuccesses(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, now := newTestBreaker(t)
	failN(t, b, defaultFailureThreshold)
	*now = now.Add(defaultCooldown + time.Second)
	if _, err := b.WaitTime(ctx, testSource); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < defaultSuccessThreshold; i++ {
		if err := b.RecordSuccess(ctx, testSource, 100*time.Millisecond); err != nil {
			t.Fatal(err)
		}
	}
	rec, err := b.State(ctx, testSource)
	if err != nil {
		t.Fatal(err)
	}
	if rec.CircuitState != models.CircuitClosed {
		t.Fatalf("state after recovery: %s", rec.CircuitState)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, now := newTestBreaker(t)
	failN(t, b, defaultFailureThreshold)
	opened := *now
	*now = now.Add(defaultCooldown + time.Second)
	if _, err := b.WaitTime(ctx, testSource); err != nil {
		t.Fatal(err)
	}

	if err := b.RecordFailure(ctx, testSource, exchange.KindTransportError, "still down"); err != nil {
		t.Fatal(err)
	}
	rec, err := b.State(ctx, testSource)
	if err != nil {
		t.Fatal(err)
	}
	if rec.CircuitState != models.CircuitOpen {
		t.Fatalf("state after failed probe: %s", rec.CircuitState)
	}
	if !rec.OpenedAt.After(opened) {
		t.Fatal("opened_at not restamped on reopen")
	}
}

func TestHealthBookkeeping(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newTestBreaker(t)

	if err := b.RecordSuccess(ctx, testSource, 100*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := b.RecordSuccess(ctx, testSource, 200*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := b.RecordFailure(ctx, testSource, exchange.KindServerError, "boom"); err != nil {
		t.Fatal(err)
	}

	rec, err := b.State(ctx, testSource)
	if err != nil {
		t.Fatal(err)
	}
	// EMA: 100, then 0.2*200 + 0.8*100 = 120.
	if rec.AvgResponseTimeMs < 119 || rec.AvgResponseTimeMs > 121 {
		t.Fatalf("ema: %v", rec.AvgResponseTimeMs)
	}
	if want := 1.0 / 3.0; rec.ErrorRate < want-0.01 || rec.ErrorRate > want+0.01 {
		t.Fatalf("error rate: %v", rec.ErrorRate)
	}
	if rec.LastErrorMessage == "" || rec.LastSuccessTS.IsZero() || rec.LastFailureTS.IsZero() {
		t.Fatalf("bookkeeping incomplete: %+v", rec)
	}
}

func TestErrorMessageTruncation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newTestBreaker(t)

	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	if err := b.RecordFailure(ctx, testSource, exchange.KindServerError, string(long)); err != nil {
		t.Fatal(err)
	}
	rec, err := b.State(ctx, testSource)
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.LastErrorMessage) != errMsgCap {
		t.Fatalf("message length %d want %d", len(rec.LastErrorMessage), errMsgCap)
	}
}

func TestRollingWindowBound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newTestBreaker(t)

	for i := 0; i < windowSize+50; i++ {
		if err := b.RecordSuccess(ctx, testSource, time.Millisecond); err != nil {
			t.Fatal(err)
		}
	}
	rec, err := b.State(ctx, testSource)
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Recent) != windowSize {
		t.Fatalf("window size %d want %d", len(rec.Recent), windowSize)
	}
	if rec.ErrorRate != 0 {
		t.Fatalf("error rate %v", rec.ErrorRate)
	}
}
