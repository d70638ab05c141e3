package ingester

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"schemahub/internal/breaker"
	"schemahub/internal/checkpoint"
	"schemahub/internal/exchange"
	"schemahub/internal/metrics"
	"schemahub/internal/models"
	"schemahub/internal/ratelimit"
	"schemahub/internal/raw"
)

// ErrCircuitOpen is returned when the circuit's remaining cooldown cannot
// finish inside the run's wall-clock deadline, so waiting it out is futile.
var ErrCircuitOpen = errors.New("ingester: circuit open")

const (
	// backoffInitial and backoffCap bound the retry backoff between
	// re-enqueues of the same cursor.
	backoffInitial = 500 * time.Millisecond
	backoffCap     = 30 * time.Second

	// maxWindowsAhead is the high-water mark on out-of-order buffering: a
	// chunk worker will not fetch a window this far past the contiguous
	// frontier, so one slow window cannot make the completed-page map
	// absorb the whole remaining plan.
	maxWindowsAhead = 128

	// pacingDelay is how long a worker parks a too-far-ahead target before
	// returning it to the queue.
	pacingDelay = 10 * time.Millisecond

	// tradeOverheadBytes approximates the serialized size of one trade on
	// top of its raw payload, for the flush-bytes trigger.
	tradeOverheadBytes = 160
)

// Adapter is the upstream surface the fetcher plans against.
type Adapter interface {
	Source() string
	Head(ctx context.Context, productID string) (uint64, error)
	FetchPage(ctx context.Context, productID string, after uint64, limit int) (exchange.Page, error)
}

// FetchConfig carries the knobs of one product fetch.
type FetchConfig struct {
	ChunkWorkers int
	PageLimit    int
	MaxAttempts  int
	FlushTrades  int
	FlushBytes   int
	Cutoff       time.Duration
	DryRun       bool
}

// Fetcher executes one product's ingestion: plan the id range, fetch it with
// a bounded worker pool, aggregate pages in id order, flush contiguous
// batches, and advance the watermark after each durable flush.
type Fetcher struct {
	adapter  Adapter
	limiter  *ratelimit.Limiter
	breaker  *breaker.Breaker
	ckpts    *checkpoint.Manager
	writer   *raw.Writer
	progress *Progress
	cfg      FetchConfig

	// guard is consulted before every checkpoint write; it reports a
	// latched lock loss so a fenced-out run can never advance a watermark.
	guard func() error
}

func NewFetcher(adapter Adapter, limiter *ratelimit.Limiter, brk *breaker.Breaker, ckpts *checkpoint.Manager, writer *raw.Writer, progress *Progress, cfg FetchConfig, guard func() error) *Fetcher {
	if guard == nil {
		guard = func() error { return nil }
	}
	return &Fetcher{
		adapter:  adapter,
		limiter:  limiter,
		breaker:  brk,
		ckpts:    ckpts,
		writer:   writer,
		progress: progress,
		cfg:      cfg,
		guard:    guard,
	}
}

// FetchResult summarizes one product fetch.
type FetchResult struct {
	Trades    uint64
	Objects   int
	Cursor    uint64
	NoNewData bool
}

// Run ingests everything between the stored watermark and the upstream head
// for one product. The run struct's cursors are filled in as planning
// resolves them.
func (f *Fetcher) Run(ctx context.Context, run *models.Run) (FetchResult, error) {
	cursor, found, err := f.ckpts.Load(ctx, run.ProductID)
	if err != nil {
		return FetchResult{}, err
	}

	head, err := f.probeHead(ctx, run.ProductID)
	if err != nil {
		return FetchResult{}, err
	}
	if head == 0 || (found && head <= cursor) {
		log.WithFields(log.Fields{
			"run_id":     run.RunID,
			"product_id": run.ProductID,
			"cursor":     cursor,
			"head":       head,
		}).Info("no new trades")
		return FetchResult{Cursor: cursor, NoNewData: true}, nil
	}

	start := cursor
	if !found {
		start, err = f.coldStartCursor(ctx, run.ProductID, head)
		if err != nil {
			return FetchResult{}, err
		}
		log.WithFields(log.Fields{
			"run_id":     run.RunID,
			"product_id": run.ProductID,
			"start":      start,
			"head":       head,
			"cutoff":     f.cfg.Cutoff.String(),
		}).Info("cold start: cutoff applied")
	}

	run.StartCursor = start
	run.TargetCursor = head
	f.progress.Track(run.ProductID, start, head)
	log.WithFields(log.Fields{
		"run_id":     run.RunID,
		"product_id": run.ProductID,
		"start":      start,
		"target":     head,
		"pages":      pageCount(start, head, f.cfg.PageLimit),
	}).Info("plan created")

	res := FetchResult{Cursor: start}
	for {
		trades, objects, newCursor, err := f.window(ctx, run, start, head)
		res.Trades += trades
		res.Objects += objects
		if newCursor > res.Cursor {
			res.Cursor = newCursor
		}
		if err != nil {
			return res, err
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		// Conservative completion check: the head may have advanced while
		// the window ran. Extend rather than trust the original plan.
		newHead, err := f.probeHead(ctx, run.ProductID)
		if err != nil {
			return res, err
		}
		if newHead <= head {
			return res, nil
		}
		start, head = head, newHead
		run.TargetCursor = newHead
		f.progress.Track(run.ProductID, run.StartCursor, newHead)
		log.WithFields(log.Fields{
			"run_id":     run.RunID,
			"product_id": run.ProductID,
			"start":      start,
			"target":     newHead,
		}).Info("head advanced, plan extended")
	}
}

func pageCount(start, end uint64, limit int) uint64 {
	if end <= start {
		return 0
	}
	span := end - start
	return (span + uint64(limit) - 1) / uint64(limit)
}

type pageResult struct {
	after  uint64
	trades []models.Trade
}

// window fetches the id range (start, end] with the chunk pool and flushes
// completed batches. Targets partition the range into fixed windows of
// PageLimit ids, so coverage is complete whether or not ids are dense.
func (f *Fetcher) window(ctx context.Context, run *models.Run, start, end uint64) (trades uint64, objects int, cursor uint64, err error) {
	limit := uint64(f.cfg.PageLimit)
	targets := make([]models.CursorTarget, 0, pageCount(start, end, f.cfg.PageLimit))
	for after := start; after < end; after += limit {
		targets = append(targets, models.CursorTarget{After: after})
	}
	if len(targets) == 0 {
		return 0, 0, start, nil
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The queue holds every possible re-enqueue, so pushes never block.
	queue := make(chan models.CursorTarget, len(targets)*f.cfg.MaxAttempts)
	for _, t := range targets {
		queue <- t
	}
	results := make(chan pageResult, f.cfg.ChunkWorkers)
	done := make(chan struct{})
	outstanding := int64(len(targets))

	// frontier tracks the aggregator's contiguous high-water mark; workers
	// consult it to pace windows that have run too far ahead.
	var frontier atomic.Uint64
	frontier.Store(start)

	var fatalOnce sync.Once
	var fatalErr error
	fail := func(err error) {
		fatalOnce.Do(func() {
			fatalErr = err
			cancel()
		})
	}
	retire := func() {
		if atomic.AddInt64(&outstanding, -1) == 0 {
			close(done)
		}
	}

	workers := f.cfg.ChunkWorkers
	if workers > len(targets) {
		workers = len(targets)
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.chunkWorker(wctx, run, queue, results, done, &frontier, fail, retire)
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	agg := newAggregator(start, limit)
	cursor = start
	for res := range results {
		agg.complete(res)
		frontier.Store(agg.next)
		for wctx.Err() == nil && (agg.readyTrades() >= f.cfg.FlushTrades || agg.readyBytes() >= f.cfg.FlushBytes) {
			batch := agg.take(f.cfg.FlushTrades)
			last, err := f.flush(ctx, run, batch)
			if err != nil {
				fail(err)
				break
			}
			trades += uint64(len(batch))
			objects++
			cursor = last
		}
	}

	if fatalErr != nil {
		// All-or-nothing: the unflushed remainder is abandoned and the
		// watermark stays where the last durable flush put it.
		log.WithFields(log.Fields{
			"run_id":     run.RunID,
			"product_id": run.ProductID,
			"kind":       kindLabel(fatalErr),
			"response":   exchange.ResponseIDOf(fatalErr),
			"abandoned":  agg.readyTrades(),
		}).Error("batch abandoned")
		return trades, objects, cursor, fatalErr
	}

	// Drain the contiguous remainder. This also runs on cancellation: a
	// fully formed buffer is flushed so the work is not lost, and the
	// checkpoint advances only if that flush succeeds.
	if batch := agg.take(0); len(batch) > 0 {
		flushCtx := ctx
		if ctx.Err() != nil {
			var cancelFlush context.CancelFunc
			flushCtx, cancelFlush = context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancelFlush()
		}
		last, err := f.flush(flushCtx, run, batch)
		if err != nil {
			return trades, objects, cursor, err
		}
		trades += uint64(len(batch))
		objects++
		cursor = last
	}
	if ctx.Err() != nil {
		return trades, objects, cursor, ctx.Err()
	}
	return trades, objects, cursor, nil
}

// chunkWorker pulls cursor targets until the queue is exhausted, the window
// is done, or a fatal error cancels the window.
func (f *Fetcher) chunkWorker(ctx context.Context, run *models.Run, queue chan models.CursorTarget, results chan<- pageResult, done <-chan struct{}, frontier *atomic.Uint64, fail func(error), retire func()) {
	product := run.ProductID
	source := run.Source
	limit := uint64(f.cfg.PageLimit)
	for {
		var target models.CursorTarget
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case target = <-queue:
		}

		if target.After >= frontier.Load()+maxWindowsAhead*limit {
			// Backpressure: this window is too far past the contiguous
			// frontier to buffer. Park briefly, then put it back so the
			// windows the aggregator is waiting on run first.
			metrics.Requeues.WithLabelValues(source, product, "backpressure").Inc()
			timer := time.NewTimer(pacingDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-done:
				timer.Stop()
				return
			case <-timer.C:
			}
			select {
			case queue <- target:
			case <-ctx.Done():
			}
			continue
		}

		if err := f.gate(ctx); err != nil {
			// ErrCircuitOpen here means the cooldown cannot finish inside
			// the run deadline; retrying cannot change that.
			if ctx.Err() == nil {
				fail(err)
			}
			return
		}

		metrics.LimiterTokens.WithLabelValues(source).Set(f.limiter.Available())
		if err := f.limiter.Acquire(ctx, 1); err != nil {
			if ctx.Err() == nil {
				fail(err)
			}
			return
		}

		began := time.Now()
		page, err := f.adapter.FetchPage(ctx, product, target.After, f.cfg.PageLimit)
		if err != nil {
			kind, ok := exchange.KindOf(err)
			if !ok {
				// Cancellation or a programming error, not an upstream outcome.
				if ctx.Err() == nil {
					fail(err)
				}
				return
			}
			metrics.FetchErrors.WithLabelValues(source, product, kind.String()).Inc()
			if rerr := f.breaker.RecordFailure(ctx, source, kind, err.Error()); rerr != nil && ctx.Err() == nil {
				fail(rerr)
				return
			}
			if !kind.Retriable() {
				fail(err)
				return
			}
			if kind != exchange.KindRateLimited {
				f.backoff(ctx, target.Attempts)
			}
			f.requeue(ctx, queue, target, kind.String(), fail, retire, run)
			continue
		}

		if rerr := f.breaker.RecordSuccess(ctx, source, time.Since(began)); rerr != nil && ctx.Err() == nil {
			fail(rerr)
			return
		}
		metrics.PagesFetched.WithLabelValues(source, product).Inc()
		log.WithFields(log.Fields{
			"run_id":     run.RunID,
			"product_id": product,
			"after":      target.After,
			"count":      len(page.Trades),
			"next":       page.Next,
			"end":        page.End,
			"response":   page.ResponseID,
		}).Debug("page fetched")

		select {
		case results <- pageResult{after: target.After, trades: page.Trades}:
			retire()
		case <-ctx.Done():
			return
		}
	}
}

// requeue returns a target to the queue with one more attempt on it, or
// retires the cursor fatally once the budget is spent.
func (f *Fetcher) requeue(ctx context.Context, queue chan models.CursorTarget, target models.CursorTarget, reason string, fail func(error), retire func(), run *models.Run) {
	target.Attempts++
	metrics.Requeues.WithLabelValues(run.Source, run.ProductID, reason).Inc()
	if target.Attempts >= f.cfg.MaxAttempts {
		err := fmt.Errorf("cursor %d: %d attempts exhausted (last: %s)", target.After, target.Attempts, reason)
		log.WithFields(log.Fields{
			"run_id":     run.RunID,
			"product_id": run.ProductID,
			"after":      target.After,
			"attempt":    target.Attempts,
			"kind":       reason,
		}).Error("cursor failed permanently")
		fail(err)
		return
	}
	select {
	case queue <- target:
	case <-ctx.Done():
	}
}

// gate blocks until the circuit admits a call. An open circuit is slept
// out; the wait is refused only when the cooldown cannot finish before the
// context deadline. Losing the probe race shows up as a short non-zero wait
// and is simply slept through.
func (f *Fetcher) gate(ctx context.Context) error {
	for {
		wait, err := f.breaker.WaitTime(ctx, f.adapter.Source())
		if err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}
		if deadline, ok := ctx.Deadline(); ok && time.Now().Add(wait).After(deadline) {
			return fmt.Errorf("%w: %s cooldown remaining exceeds the run deadline", ErrCircuitOpen, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (f *Fetcher) backoff(ctx context.Context, attempts int) {
	d := backoffInitial << uint(attempts)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	d += time.Duration(rand.Int63n(int64(d) / 4))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// flush writes one batch and advances the watermark. Both steps are fenced
// by the lock guard; a run that lost its lease must not touch either.
func (f *Fetcher) flush(ctx context.Context, run *models.Run, batch []models.Trade) (uint64, error) {
	if err := f.guard(); err != nil {
		return 0, err
	}
	if _, err := f.writer.Write(ctx, *run, batch); err != nil {
		return 0, err
	}

	last := batch[len(batch)-1].TradeID
	if f.cfg.DryRun {
		log.WithFields(log.Fields{
			"run_id":     run.RunID,
			"product_id": run.ProductID,
			"cursor":     last,
		}).Info("dry run: checkpoint not advanced")
	} else {
		if err := f.guard(); err != nil {
			return 0, err
		}
		if err := f.ckpts.Save(ctx, run.ProductID, last); err != nil {
			return 0, err
		}
		metrics.CheckpointCursor.WithLabelValues(run.Source, run.ProductID).Set(float64(last))
		log.WithFields(log.Fields{
			"run_id":     run.RunID,
			"product_id": run.ProductID,
			"cursor":     last,
			"trades":     len(batch),
		}).Info("checkpoint advanced")
	}

	metrics.TradesIngested.WithLabelValues(run.Source, run.ProductID).Add(float64(len(batch)))
	f.progress.Advance(run.ProductID, uint64(len(batch)), last)
	return last, nil
}

// probeHead asks the upstream for its newest trade id, with the same circuit
// and rate gating as a page fetch and a bounded sequential retry.
func (f *Fetcher) probeHead(ctx context.Context, productID string) (uint64, error) {
	var lastErr error
	for attempt := 0; attempt < f.cfg.MaxAttempts; attempt++ {
		if err := f.gate(ctx); err != nil {
			return 0, err
		}
		if err := f.limiter.Acquire(ctx, 1); err != nil {
			return 0, err
		}

		began := time.Now()
		head, err := f.adapter.Head(ctx, productID)
		if err == nil {
			if rerr := f.breaker.RecordSuccess(ctx, f.adapter.Source(), time.Since(began)); rerr != nil {
				return 0, rerr
			}
			return head, nil
		}

		kind, ok := exchange.KindOf(err)
		if !ok {
			return 0, err
		}
		metrics.FetchErrors.WithLabelValues(f.adapter.Source(), productID, kind.String()).Inc()
		if rerr := f.breaker.RecordFailure(ctx, f.adapter.Source(), kind, err.Error()); rerr != nil && ctx.Err() == nil {
			return 0, rerr
		}
		if !kind.Retriable() {
			return 0, err
		}
		lastErr = err
		if kind != exchange.KindRateLimited {
			f.backoff(ctx, attempt)
		}
	}
	return 0, fmt.Errorf("head probe for %s: attempts exhausted: %w", productID, lastErr)
}

// coldStartCursor walks windows back from the head until it crosses trades
// older than the cutoff, and returns the newest trade id outside the window
// of interest. First contact must not turn into a full-history download.
func (f *Fetcher) coldStartCursor(ctx context.Context, productID string, head uint64) (uint64, error) {
	cutoff := time.Now().UTC().Add(-f.cfg.Cutoff)
	limit := uint64(f.cfg.PageLimit)

	lo := uint64(0)
	if head > limit {
		lo = head - limit
	}
	for {
		page, err := f.fetchOne(ctx, productID, lo)
		if err != nil {
			return 0, err
		}
		if page.End {
			// The walk crossed the upstream's retention horizon: nothing
			// older is visible, so there is no trade outside the cutoff to
			// anchor on. Start from the bottom of what remains.
			return 0, nil
		}
		for i := len(page.Trades) - 1; i >= 0; i-- {
			if page.Trades[i].Time.Before(cutoff) {
				return page.Trades[i].TradeID, nil
			}
		}
		if lo == 0 {
			return 0, nil
		}
		if lo > limit {
			lo -= limit
		} else {
			lo = 0
		}
	}
}

// fetchOne is a gated, sequentially retried single-page fetch, used only by
// planning (cold-start walk-back). The parallel path has its own retry loop.
func (f *Fetcher) fetchOne(ctx context.Context, productID string, after uint64) (exchange.Page, error) {
	var lastErr error
	for attempt := 0; attempt < f.cfg.MaxAttempts; attempt++ {
		if err := f.gate(ctx); err != nil {
			return exchange.Page{}, err
		}
		if err := f.limiter.Acquire(ctx, 1); err != nil {
			return exchange.Page{}, err
		}

		began := time.Now()
		page, err := f.adapter.FetchPage(ctx, productID, after, f.cfg.PageLimit)
		if err == nil {
			if rerr := f.breaker.RecordSuccess(ctx, f.adapter.Source(), time.Since(began)); rerr != nil {
				return exchange.Page{}, rerr
			}
			return page, nil
		}

		kind, ok := exchange.KindOf(err)
		if !ok {
			return exchange.Page{}, err
		}
		metrics.FetchErrors.WithLabelValues(f.adapter.Source(), productID, kind.String()).Inc()
		if rerr := f.breaker.RecordFailure(ctx, f.adapter.Source(), kind, err.Error()); rerr != nil && ctx.Err() == nil {
			return exchange.Page{}, rerr
		}
		if !kind.Retriable() {
			return exchange.Page{}, err
		}
		lastErr = err
		if kind != exchange.KindRateLimited {
			f.backoff(ctx, attempt)
		}
	}
	return exchange.Page{}, fmt.Errorf("fetch after %d for %s: attempts exhausted: %w", after, productID, lastErr)
}

func kindLabel(err error) string {
	if kind, ok := exchange.KindOf(err); ok {
		return kind.String()
	}
	return "internal"
}

// aggregator assembles out-of-order page results into the in-id-order
// contiguous prefix the flusher consumes. It is touched only by the window
// loop, which is the sole reader of the results channel.
type aggregator struct {
	limit     uint64
	next      uint64
	completed map[uint64][]models.Trade
	buffer    []models.Trade
	bytes     int
}

func newAggregator(start uint64, limit uint64) *aggregator {
	return &aggregator{
		limit:     limit,
		next:      start,
		completed: make(map[uint64][]models.Trade),
	}
}

// complete records one finished window and folds any newly contiguous
// windows into the buffer.
func (a *aggregator) complete(res pageResult) {
	a.completed[res.after] = res.trades
	for {
		trades, ok := a.completed[a.next]
		if !ok {
			return
		}
		delete(a.completed, a.next)
		a.buffer = append(a.buffer, trades...)
		for _, t := range trades {
			a.bytes += len(t.RawPayload) + tradeOverheadBytes
		}
		a.next += a.limit
	}
}

func (a *aggregator) readyTrades() int { return len(a.buffer) }
func (a *aggregator) readyBytes() int  { return a.bytes }

// take removes up to n leading trades from the buffer (all of them when
// n <= 0), leaving byte accounting consistent for the remainder.
func (a *aggregator) take(n int) []models.Trade {
	if n <= 0 || n > len(a.buffer) {
		n = len(a.buffer)
	}
	if n == 0 {
		return nil
	}
	batch := make([]models.Trade, n)
	copy(batch, a.buffer[:n])
	a.buffer = append(a.buffer[:0], a.buffer[n:]...)
	for _, t := range batch {
		a.bytes -= len(t.RawPayload) + tradeOverheadBytes
	}
	if a.bytes < 0 {
		a.bytes = 0
	}
	return batch
}
