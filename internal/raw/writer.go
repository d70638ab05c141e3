// Package raw writes trade batches to the object store as line-delimited
// JSON. Keys are fully determined by their inputs, so retrying a flush
// rewrites the same object instead of multiplying it.
package raw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"schemahub/internal/metrics"
	"schemahub/internal/models"
	"schemahub/internal/store"
)

// ErrUnordered means the caller handed over a batch that is not strictly
// ascending by trade id. That is an aggregator bug, not an upstream problem,
// and the run must abort.
var ErrUnordered = errors.New("raw: unordered batch")

// Writer flushes batches for one source under one key prefix. DryRun logs
// the key and body size instead of performing the PUT.
type Writer struct {
	objects store.ObjectStore
	prefix  string
	source  string
	dryRun  bool
}

func NewWriter(objects store.ObjectStore, prefix, source string, dryRun bool) *Writer {
	return &Writer{objects: objects, prefix: prefix, source: source, dryRun: dryRun}
}

// Key builds the deterministic object key for a batch. createdAt is the
// run's birth instant, floored to the second, always UTC.
func (w *Writer) Key(productID, runID string, createdAt time.Time, firstID, lastID uint64, count int) string {
	stamp := createdAt.UTC().Truncate(time.Second).Format("20060102T150405Z")
	return fmt.Sprintf("%s/raw_%s_trades_%s_%s_%s_%d_%d_%d.jsonl",
		w.prefix, w.source, productID, stamp, runID, firstID, lastID, count)
}

// Write serializes the batch and performs a single PUT. The batch must be
// non-empty and strictly ascending by trade id; the same call with the same
// inputs always lands on the same key.
func (w *Writer) Write(ctx context.Context, run models.Run, trades []models.Trade) (string, error) {
	if len(trades) == 0 {
		return "", fmt.Errorf("raw: empty batch for %s", run.ProductID)
	}
	for i := 1; i < len(trades); i++ {
		if trades[i].TradeID <= trades[i-1].TradeID {
			return "", fmt.Errorf("%w: %s trade %d follows %d at index %d",
				ErrUnordered, run.ProductID, trades[i].TradeID, trades[i-1].TradeID, i)
		}
	}

	firstID := trades[0].TradeID
	lastID := trades[len(trades)-1].TradeID
	key := w.Key(run.ProductID, run.RunID, run.CreatedAt, firstID, lastID, len(trades))

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, t := range trades {
		if err := enc.Encode(t); err != nil {
			return "", fmt.Errorf("raw: encode trade %d: %w", t.TradeID, err)
		}
	}

	if w.dryRun {
		log.WithFields(log.Fields{
			"run_id":     run.RunID,
			"product_id": run.ProductID,
			"key":        key,
			"bytes":      buf.Len(),
			"count":      len(trades),
		}).Info("dry run: raw object not written")
		return key, nil
	}

	if err := w.objects.Put(ctx, key, buf.Bytes()); err != nil {
		return "", fmt.Errorf("raw: put %s: %w", key, err)
	}

	metrics.RawObjectsWritten.WithLabelValues(w.source, run.ProductID).Inc()
	metrics.FlushBytes.WithLabelValues(w.source, run.ProductID).Add(float64(buf.Len()))
	log.WithFields(log.Fields{
		"run_id":     run.RunID,
		"product_id": run.ProductID,
		"key":        key,
		"first_id":   firstID,
		"last_id":    lastID,
		"count":      len(trades),
		"bytes":      buf.Len(),
	}).Info("raw object written")
	return key, nil
}
