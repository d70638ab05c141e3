package ingester

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// rateAlpha weights the throughput moving average.
const rateAlpha = 0.2

// ProductProgress is one product's position within its planned range.
type ProductProgress struct {
	ProductID   string    `json:"product_id"`
	StartCursor uint64    `json:"start_cursor"`
	Target      uint64    `json:"target"`
	Processed   uint64    `json:"processed"`
	Cursor      uint64    `json:"cursor"`
	RatePerSec  float64   `json:"rate_per_sec"`
	ETASeconds  float64   `json:"eta_seconds,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Percent returns completion against the planned id range.
func (p ProductProgress) Percent() float64 {
	total := p.Target - p.StartCursor
	if total == 0 {
		return 100
	}
	pct := float64(p.Processed) / float64(total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Progress tracks per-product throughput for periodic logs and the /status
// endpoint. Rates are an EMA over the intervals between updates.
type Progress struct {
	mu       sync.Mutex
	products map[string]*ProductProgress
	lastTick map[string]time.Time
	interval time.Duration
	lastLog  map[string]time.Time
}

func NewProgress(logInterval time.Duration) *Progress {
	if logInterval <= 0 {
		logInterval = 2 * time.Minute
	}
	return &Progress{
		products: make(map[string]*ProductProgress),
		lastTick: make(map[string]time.Time),
		interval: logInterval,
		lastLog:  make(map[string]time.Time),
	}
}

// Track registers a product's planned range, resetting any previous state.
func (p *Progress) Track(productID string, startCursor, target uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	p.products[productID] = &ProductProgress{
		ProductID:   productID,
		StartCursor: startCursor,
		Target:      target,
		Cursor:      startCursor,
		UpdatedAt:   now,
	}
	p.lastTick[productID] = now
	p.lastLog[productID] = now
}

// Advance records newly aggregated trades and the current contiguous cursor.
func (p *Progress) Advance(productID string, trades uint64, cursor uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prog, ok := p.products[productID]
	if !ok {
		return
	}
	now := time.Now()
	prog.Processed += trades
	if cursor > prog.Cursor {
		prog.Cursor = cursor
	}
	prog.UpdatedAt = now

	if elapsed := now.Sub(p.lastTick[productID]).Seconds(); elapsed > 0 && trades > 0 {
		instant := float64(trades) / elapsed
		if prog.RatePerSec == 0 {
			prog.RatePerSec = instant
		} else {
			prog.RatePerSec = rateAlpha*instant + (1-rateAlpha)*prog.RatePerSec
		}
		p.lastTick[productID] = now
	}
	if prog.RatePerSec > 0 && prog.Target > prog.Cursor {
		prog.ETASeconds = float64(prog.Target-prog.Cursor) / prog.RatePerSec
	} else {
		prog.ETASeconds = 0
	}

	if now.Sub(p.lastLog[productID]) >= p.interval {
		p.lastLog[productID] = now
		log.WithFields(log.Fields{
			"product_id": productID,
			"percent":    prog.Percent(),
			"cursor":     prog.Cursor,
			"target":     prog.Target,
			"rate_per_s": prog.RatePerSec,
			"eta_s":      prog.ETASeconds,
		}).Info("ingestion progress")
	}
}

// Snapshot returns a copy of every tracked product, for the ops server.
func (p *Progress) Snapshot() []ProductProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ProductProgress, 0, len(p.products))
	for _, prog := range p.products {
		out = append(out, *prog)
	}
	return out
}
