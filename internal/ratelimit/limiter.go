// Package ratelimit wraps the process-wide token bucket that paces every
// upstream request. One Limiter is constructed at startup and shared by all
// product and chunk workers; the upstream's published request budget is the
// only thing that should ever size it.
package ratelimit

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket: tokens accrue continuously at Rate up to Burst.
// Acquire blocks until the requested tokens are granted, waking waiters in
// reservation order. Cancellation mid-wait consumes nothing.
type Limiter struct {
	limiter *rate.Limiter
	ratePS  float64
	burst   int
}

// New builds a Limiter from a token rate (tokens/second) and a burst
// multiplier; burst = ceil(rate * multiplier).
func New(ratePerSec, burstMultiplier float64) (*Limiter, error) {
	if ratePerSec <= 0 {
		return nil, fmt.Errorf("rate limiter: rate must be positive, got %v", ratePerSec)
	}
	if burstMultiplier < 1.0 {
		return nil, fmt.Errorf("rate limiter: burst multiplier must be >= 1.0, got %v", burstMultiplier)
	}
	burst := int(math.Ceil(ratePerSec * burstMultiplier))
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		ratePS:  ratePerSec,
		burst:   burst,
	}, nil
}

// Acquire removes n tokens, blocking until they are available. Requests for
// more than the burst capacity can never be satisfied and fail immediately.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("rate limiter: acquire count must be positive, got %d", n)
	}
	if n > l.burst {
		return fmt.Errorf("rate limiter: acquire %d exceeds burst capacity %d", n, l.burst)
	}
	return l.limiter.WaitN(ctx, n)
}

// Available returns the current token estimate. Observability only; by the
// time the caller looks at it, it is already stale.
func (l *Limiter) Available() float64 {
	return l.limiter.Tokens()
}

// Rate returns the configured refill rate in tokens/second.
func (l *Limiter) Rate() float64 {
	return l.ratePS
}

// Burst returns the bucket capacity.
func (l *Limiter) Burst() int {
	return l.burst
}
