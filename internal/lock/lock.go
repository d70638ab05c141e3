// Package lock provides the at-most-one-writer guarantee for product runs.
// Locks are rows in the conditional KV store with a TTL, so a crashed holder
// is reaped automatically and a healthy one renews from a heartbeat.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"schemahub/internal/models"
	"schemahub/internal/store"
)

var (
	// ErrHeld means another live holder owns the lock. Callers treat this
	// as "skip the product", not as a failure.
	ErrHeld = errors.New("lock: held")

	// ErrLost means the holder's record disappeared or changed hands,
	// typically after a missed heartbeat. The run must stop before any
	// further checkpoint write.
	ErrLost = errors.New("lock: lost")
)

// ProductLockName names the per-product lock.
func ProductLockName(source, productID string) string {
	return fmt.Sprintf("product:%s:%s", source, productID)
}

// JobLockName names the optional whole-run lock for a mode.
func JobLockName(mode models.Mode) string {
	return fmt.Sprintf("job:%s", mode)
}

// Manager acquires and releases named locks for one holder identity.
type Manager struct {
	kv     store.KVStore
	prefix string
	holder string
}

func NewManager(kv store.KVStore, prefix, holder string) *Manager {
	return &Manager{kv: kv, prefix: prefix, holder: holder}
}

func (m *Manager) key(name string) string {
	return m.prefix + "/locks/" + name
}

// Lease is an owned lock. Not safe for concurrent Renew/Release from
// multiple goroutines; the orchestrator serializes heartbeat and shutdown.
type Lease struct {
	Name    string
	LockID  string
	TTL     time.Duration
	mgr     *Manager
	version int64
	took    time.Time
	lost    bool
}

// Acquire takes the named lock for ttl, stealing it if the previous record
// has expired. A live foreign record returns ErrHeld.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock %s: ttl must be positive", name)
	}

	rec := models.LockRecord{
		LockID:     uuid.NewString(),
		Holder:     m.holder,
		AcquiredAt: time.Now().UTC(),
		ExpiresAt:  time.Now().UTC().Add(ttl),
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("lock %s: encode record: %w", name, err)
	}

	version, err := m.kv.PutIf(ctx, m.key(name), 0, body, ttl)
	if errors.Is(err, store.ErrConditionFailed) {
		return nil, ErrHeld
	}
	if err != nil {
		return nil, err
	}
	return &Lease{Name: name, LockID: rec.LockID, TTL: ttl, mgr: m, version: version, took: rec.AcquiredAt}, nil
}

// Inspect returns the live record for a lock name, for operator tooling.
func (m *Manager) Inspect(ctx context.Context, name string) (models.LockRecord, bool, error) {
	body, _, err := m.kv.Get(ctx, m.key(name))
	if errors.Is(err, store.ErrNotFound) {
		return models.LockRecord{}, false, nil
	}
	if err != nil {
		return models.LockRecord{}, false, err
	}
	var rec models.LockRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return models.LockRecord{}, false, fmt.Errorf("lock %s: decode record: %w", name, err)
	}
	return rec, true, nil
}

// ForceRelease deletes a lock regardless of owner. Operator tooling only.
func (m *Manager) ForceRelease(ctx context.Context, name string) (bool, error) {
	_, version, err := m.kv.Get(ctx, m.key(name))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := m.kv.DeleteIf(ctx, m.key(name), version); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			// Changed hands between read and delete; the new holder wins.
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Renew extends the lease by its TTL. Any mismatch means the lock changed
// hands (or expired and was reaped); that is ErrLost and the lease is dead.
func (l *Lease) Renew(ctx context.Context) error {
	if l.lost {
		return ErrLost
	}

	rec := models.LockRecord{
		LockID:     l.LockID,
		Holder:     l.mgr.holder,
		AcquiredAt: l.took,
		ExpiresAt:  time.Now().UTC().Add(l.TTL),
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("lock %s: encode record: %w", l.Name, err)
	}

	version, err := l.mgr.kv.PutIf(ctx, l.mgr.key(l.Name), l.version, body, l.TTL)
	if errors.Is(err, store.ErrConditionFailed) || errors.Is(err, store.ErrNotFound) {
		l.lost = true
		return fmt.Errorf("%w: %s (holder %s)", ErrLost, l.Name, l.mgr.holder)
	}
	if err != nil {
		return err
	}
	l.version = version
	return nil
}

// Release deletes the lock record. Releasing a lease that was already lost
// or stolen is a no-op: the current holder's record must survive.
func (l *Lease) Release(ctx context.Context) error {
	if l.lost {
		return nil
	}
	err := l.mgr.kv.DeleteIf(ctx, l.mgr.key(l.Name), l.version)
	if errors.Is(err, store.ErrConditionFailed) {
		l.lost = true
		return nil
	}
	return err
}
