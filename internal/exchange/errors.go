package exchange

import (
	"errors"
	"fmt"
)

// Kind is the closed classification of upstream fetch outcomes. Every error
// surfaced by an adapter carries exactly one Kind; the fetcher and circuit
// breaker branch on it rather than on status codes or error strings.
type Kind int

const (
	// KindRateLimited is HTTP 429. Retriable, handled by requeue plus the
	// token bucket; deliberately invisible to the circuit breaker.
	KindRateLimited Kind = iota + 1
	// KindServerError is HTTP 5xx.
	KindServerError
	// KindTransportError is a network failure or request timeout.
	KindTransportError
	// KindProtocolError is a response the adapter cannot interpret.
	KindProtocolError
	// KindClientError is HTTP 4xx other than 429. Fatal: the request is
	// wrong and will stay wrong on retry.
	KindClientError
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindServerError:
		return "server_error"
	case KindTransportError:
		return "transport_error"
	case KindProtocolError:
		return "protocol_error"
	case KindClientError:
		return "client_error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Retriable reports whether a fresh attempt can possibly succeed.
func (k Kind) Retriable() bool {
	return k != KindClientError
}

// CircuitFailure reports whether the outcome counts against the upstream's
// health. Rate limiting is load feedback, not ill health.
func (k Kind) CircuitFailure() bool {
	return k != KindRateLimited
}

// FetchError is the typed outcome of a failed upstream call.
type FetchError struct {
	Kind       Kind
	StatusCode int    // 0 when no HTTP response was received
	ResponseID string // upstream request id header, when present
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("exchange %s", e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.ResponseID != "" {
		msg = fmt.Sprintf("%s (response %s)", msg, e.ResponseID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// KindOf extracts the classification from an error chain. ok is false for
// errors that did not originate in an adapter (cancellation, logic bugs).
func KindOf(err error) (Kind, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}

// ResponseIDOf extracts the upstream response id from an error chain, if any.
func ResponseIDOf(err error) string {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.ResponseID
	}
	return ""
}
