package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryObjects is an in-process ObjectStore for tests and dry runs.
type MemoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryObjects() *MemoryObjects {
	return &MemoryObjects{objects: make(map[string][]byte)}
}

func (m *MemoryObjects) Put(ctx context.Context, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(body))
	copy(cp, body)
	m.objects[key] = cp
	return nil
}

func (m *MemoryObjects) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(body))
	copy(cp, body)
	return cp, nil
}

func (m *MemoryObjects) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryObjects) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// MemoryKV is an in-process KVStore with the same conditional-write and
// expiry semantics as the Postgres backend, so the lock and breaker suites
// run against it unchanged.
type MemoryKV struct {
	mu      sync.Mutex
	records map[string]*memRecord

	// Now is the clock used for TTL checks; tests override it.
	Now func() time.Time
}

type memRecord struct {
	value   []byte
	version int64
	expires time.Time // zero = never
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		records: make(map[string]*memRecord),
		Now:     time.Now,
	}
}

func (m *MemoryKV) expired(rec *memRecord) bool {
	return !rec.expires.IsZero() && m.Now().After(rec.expires)
}

func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok || m.expired(rec) {
		return nil, 0, ErrNotFound
	}
	cp := make([]byte, len(rec.value))
	copy(cp, rec.value)
	return cp, rec.version, nil
}

func (m *MemoryKV) PutIf(ctx context.Context, key string, expectedVersion int64, value []byte, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	live := ok && !m.expired(rec)

	switch {
	case expectedVersion == 0 && live:
		return 0, ErrConditionFailed
	case expectedVersion > 0 && (!live || rec.version != expectedVersion):
		return 0, ErrConditionFailed
	}

	// Versions keep counting across expiry so a stale holder can never
	// renew into a reused version number.
	next := int64(1)
	if ok {
		next = rec.version + 1
	}
	var expires time.Time
	if ttl > 0 {
		expires = m.Now().Add(ttl)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	m.records[key] = &memRecord{value: cp, version: next, expires: expires}
	return next, nil
}

func (m *MemoryKV) DeleteIf(ctx context.Context, key string, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok || m.expired(rec) || rec.version != expectedVersion {
		return ErrConditionFailed
	}
	delete(m.records, key)
	return nil
}
