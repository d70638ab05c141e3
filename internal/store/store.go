// Package store provides the two storage primitives the ingestion core is
// built on: a namespaced blob store for raw objects and checkpoints, and a
// conditional key-value store for locks and health records. Backends are
// interchangeable; semantics (atomic PUT, version-guarded writes, TTL expiry)
// are part of the interface contract.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent (or, for the
	// KV store, when the record has expired).
	ErrNotFound = errors.New("store: not found")

	// ErrConditionFailed is returned by PutIf/DeleteIf when the expected
	// version does not match the stored record.
	ErrConditionFailed = errors.New("store: condition failed")

	// ErrUnavailable wraps transport-level failures (connection refused,
	// request timeouts, backend 5xx). Callers retry these with bounded
	// backoff and then give up.
	ErrUnavailable = errors.New("store: unavailable")
)

// Unavailable tags err as a store-availability failure. A nil err stays nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// ObjectStore is a namespaced blob store. PUT replaces the whole object
// atomically; readers observe either the old or the new body, never a mix.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte) error
	// Get returns the object body, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns all keys with the given prefix, in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes the object. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// KVStore is a conditional key-value store with per-record versions and
// store-side expiry. Expired records behave exactly like absent ones.
type KVStore interface {
	// Get returns the record body and its current version, or ErrNotFound.
	Get(ctx context.Context, key string) (value []byte, version int64, err error)
	// PutIf writes value when the guard holds and returns the new version.
	// expectedVersion == 0 requires the key to be absent or expired;
	// expectedVersion > 0 requires the live record to carry that version.
	// ttl == 0 means the record never expires. Guard miss: ErrConditionFailed.
	PutIf(ctx context.Context, key string, expectedVersion int64, value []byte, ttl time.Duration) (int64, error)
	// DeleteIf removes the record when its version matches, returning
	// ErrConditionFailed otherwise.
	DeleteIf(ctx context.Context, key string, expectedVersion int64) error
}
