// Package metrics registers the prometheus collectors for the ingestion
// core. Collectors live in the default registry and are served by the ops
// server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"schemahub/internal/models"
)

var (
	TradesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schemahub_trades_ingested_total",
		Help: "Trades written to raw objects.",
	}, []string{"source", "product"})

	PagesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schemahub_pages_fetched_total",
		Help: "Successful upstream page fetches.",
	}, []string{"source", "product"})

	FetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schemahub_fetch_errors_total",
		Help: "Failed upstream fetch attempts by error kind.",
	}, []string{"source", "product", "kind"})

	Requeues = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schemahub_cursor_requeues_total",
		Help: "Cursor targets returned to the work queue, by reason.",
	}, []string{"source", "product", "reason"})

	RawObjectsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schemahub_raw_objects_written_total",
		Help: "Raw objects durably written.",
	}, []string{"source", "product"})

	FlushBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schemahub_flush_bytes_total",
		Help: "Serialized bytes flushed to raw storage.",
	}, []string{"source", "product"})

	CheckpointCursor = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "schemahub_checkpoint_cursor",
		Help: "Last durably checkpointed trade id.",
	}, []string{"source", "product"})

	circuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "schemahub_circuit_state",
		Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
	}, []string{"source"})

	LimiterTokens = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "schemahub_rate_limiter_tokens",
		Help: "Rate limiter token estimate, sampled at each acquire.",
	}, []string{"source"})

	LockRenewals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schemahub_lock_renewals_total",
		Help: "Successful lock heartbeat renewals.",
	}, []string{"source", "product"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "schemahub_run_duration_seconds",
		Help:    "Wall time of one product run, by terminal status.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"source", "status"})
)

// SetCircuitState publishes a circuit transition as a gauge level.
func SetCircuitState(source string, state models.CircuitState) {
	var v float64
	switch state {
	case models.CircuitHalfOpen:
		v = 1
	case models.CircuitOpen:
		v = 2
	}
	circuitState.WithLabelValues(source).Set(v)
}
