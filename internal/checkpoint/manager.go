// Package checkpoint persists per-product watermarks: the largest trade id
// whose ingestion is durably complete. Watermarks only ever move forward;
// the single sanctioned exception is an explicit full-refresh reset.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"schemahub/internal/store"
)

var (
	// ErrCorrupt means the stored checkpoint cannot be parsed. It is never
	// auto-reset: a corrupt watermark with raw data behind it needs an
	// operator to decide where to resume.
	ErrCorrupt = errors.New("checkpoint: corrupt")

	// ErrNonMonotonic means a save would move the watermark backwards,
	// which indicates a planner or writer bug.
	ErrNonMonotonic = errors.New("checkpoint: non-monotonic save")
)

// document is the bit-exact on-store format.
type document struct {
	Cursor      uint64 `json:"cursor"`
	LastUpdated string `json:"last_updated"`
}

// Manager loads and saves watermarks for one source. Saves are guarded
// against regression twice: against the in-memory high-water mark for this
// process, and against the stored value on first touch.
type Manager struct {
	objects store.ObjectStore
	prefix  string
	source  string

	mu   sync.Mutex
	high map[string]uint64

	// Now is the clock stamped into last_updated; tests override it.
	Now func() time.Time
}

func NewManager(objects store.ObjectStore, prefix, source string) *Manager {
	return &Manager{
		objects: objects,
		prefix:  prefix,
		source:  source,
		high:    make(map[string]uint64),
		Now:     time.Now,
	}
}

// Key returns the object key holding the product's watermark.
func (m *Manager) Key(productID string) string {
	return fmt.Sprintf("%s/checkpoints/%s/%s.json", m.prefix, m.source, productID)
}

// Load returns the product's watermark. found is false on first contact;
// unparseable content is ErrCorrupt, never treated as absent.
func (m *Manager) Load(ctx context.Context, productID string) (cursor uint64, found bool, err error) {
	body, err := m.objects.Get(ctx, m.Key(productID))
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	cursor, err = parse(body)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s: %v", ErrCorrupt, m.Key(productID), err)
	}

	m.mu.Lock()
	if cursor > m.high[productID] {
		m.high[productID] = cursor
	}
	m.mu.Unlock()
	return cursor, true, nil
}

func parse(body []byte) (uint64, error) {
	var doc struct {
		Cursor      json.Number `json:"cursor"`
		LastUpdated string      `json:"last_updated"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return 0, err
	}
	if doc.Cursor == "" {
		return 0, fmt.Errorf("missing cursor")
	}
	cursor, err := strconv.ParseUint(doc.Cursor.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cursor %q is not a non-negative integer", doc.Cursor)
	}
	if doc.LastUpdated != "" {
		if _, err := time.Parse(time.RFC3339, doc.LastUpdated); err != nil {
			return 0, fmt.Errorf("bad last_updated %q", doc.LastUpdated)
		}
	}
	return cursor, nil
}

// Save advances the watermark. Saving a value below any previously loaded or
// saved cursor fails with ErrNonMonotonic and writes nothing. Saving the
// same value again is a no-op rewrite, which keeps retries idempotent.
func (m *Manager) Save(ctx context.Context, productID string, cursor uint64) error {
	// First touch in this process: consult the store so a restart cannot
	// silently regress a watermark another run advanced.
	m.mu.Lock()
	_, seen := m.high[productID]
	m.mu.Unlock()
	if !seen {
		if _, _, err := m.Load(ctx, productID); err != nil {
			return err
		}
	}

	m.mu.Lock()
	if cursor < m.high[productID] {
		prev := m.high[productID]
		m.mu.Unlock()
		return fmt.Errorf("%w: %s cursor %d < %d", ErrNonMonotonic, productID, cursor, prev)
	}
	m.mu.Unlock()

	body, err := json.Marshal(document{
		Cursor:      cursor,
		LastUpdated: m.Now().UTC().Truncate(time.Second).Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("checkpoint: encode %s: %w", productID, err)
	}
	if err := m.objects.Put(ctx, m.Key(productID), body); err != nil {
		return err
	}

	m.mu.Lock()
	if cursor > m.high[productID] {
		m.high[productID] = cursor
	}
	m.mu.Unlock()
	return nil
}

// Reset deletes the watermark. This is the full-refresh gate: the only
// legal non-monotonic transition, and callers must pass it explicitly.
func (m *Manager) Reset(ctx context.Context, productID string) error {
	if err := m.objects.Delete(ctx, m.Key(productID)); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.high, productID)
	m.mu.Unlock()
	return nil
}
