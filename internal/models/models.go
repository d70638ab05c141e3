package models

import (
	"encoding/json"
	"time"
)

// Trade is one executed trade as returned by an exchange adapter.
// Price and Size are kept as the exchange's decimal strings; parsing them
// into numerics is the curated layer's job and would only lose precision here.
type Trade struct {
	TradeID   uint64    `json:"trade_id"`
	ProductID string    `json:"product_id"`
	Price     string    `json:"price"`
	Size      string    `json:"size"`
	Time      time.Time `json:"time"`
	Side      string    `json:"side"` // BUY or SELL

	// Optional book context, present on some feeds.
	Bid string `json:"bid,omitempty"`
	Ask string `json:"ask,omitempty"`

	// Ingestion metadata stamped by the adapter.
	Source         string          `json:"_source"`
	SourceIngestTS time.Time       `json:"_source_ingest_ts"`
	RawPayload     json.RawMessage `json:"_raw_payload,omitempty"`
}

// Checkpoint is the persisted watermark for one (source, product).
// The JSON body is the on-store format: {"cursor": N, "last_updated": "..."}.
type Checkpoint struct {
	Cursor      uint64    `json:"cursor"`
	LastUpdated time.Time `json:"last_updated"`
}

// Mode selects how a run treats the existing watermark.
type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeFullRefresh Mode = "full-refresh"
)

// Run is the ephemeral per-invocation state for one product.
type Run struct {
	RunID     string    `json:"run_id"`
	Source    string    `json:"source"`
	ProductID string    `json:"product_id"`
	Mode      Mode      `json:"mode"`
	CreatedAt time.Time `json:"created_at"`

	StartCursor  uint64 `json:"start_cursor"`
	TargetCursor uint64 `json:"target_cursor"`
}

// CursorTarget is one unit of fetch work: all trades with ids in
// (After, After+limit] for the run's page limit.
type CursorTarget struct {
	After    uint64
	Attempts int
}

// LockRecord is the stored body of a distributed lock entry. Expiry is
// enforced by the KV store; the record repeats it for operator visibility.
type LockRecord struct {
	LockID     string    `json:"lock_id"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// CircuitState is the circuit breaker position for a source.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// HealthRecord is the shared per-source health document backing the
// distributed circuit breaker. Recent holds the outcome window used for
// ErrorRate (1 = failure), newest last, capped at the breaker's window size.
type HealthRecord struct {
	CircuitState         CircuitState `json:"circuit_state"`
	ConsecutiveFailures  int          `json:"consecutive_failures"`
	ConsecutiveSuccesses int          `json:"consecutive_successes"`
	AvgResponseTimeMs    float64      `json:"avg_response_time_ms"`
	ErrorRate            float64      `json:"error_rate"`
	Recent               []int        `json:"recent,omitempty"`
	LastSuccessTS        time.Time    `json:"last_success_ts,omitzero"`
	LastFailureTS        time.Time    `json:"last_failure_ts,omitzero"`
	LastErrorMessage     string       `json:"last_error_message,omitempty"`
	OpenedAt             time.Time    `json:"opened_at,omitzero"`
}

// ProductStatus is the terminal status of one product's run.
type ProductStatus string

const (
	StatusSucceeded ProductStatus = "succeeded"
	StatusNoNewData ProductStatus = "no_new_data"
	StatusSkipped   ProductStatus = "skipped"
	StatusFailed    ProductStatus = "failed"
)

// ProductReport summarizes one product's outcome within a run.
type ProductReport struct {
	ProductID      string        `json:"product_id"`
	RunID          string        `json:"run_id"`
	Status         ProductStatus `json:"status"`
	Trades         int           `json:"trades"`
	ObjectsWritten int           `json:"objects_written"`
	Cursor         uint64        `json:"cursor"`
	Error          string        `json:"error,omitempty"`
}

// RunReport is the structured result of a whole invocation.
type RunReport struct {
	Source     string          `json:"source"`
	Mode       Mode            `json:"mode"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Products   []ProductReport `json:"products"`
}

// Failed reports whether any product ended in a failed state.
func (r RunReport) Failed() bool {
	for _, p := range r.Products {
		if p.Status == StatusFailed {
			return true
		}
	}
	return false
}
