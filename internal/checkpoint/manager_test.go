package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"schemahub/internal/store"
)

func newTestManager() (*Manager, *store.MemoryObjects) {
	objects := store.NewMemoryObjects()
	m := NewManager(objects, "hub", "coinbase")
	m.Now = func() time.Time { return time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC) }
	return m, objects
}

func TestLoadAbsent(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager()
	cursor, found, err := m.Load(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatal(err)
	}
	if found || cursor != 0 {
		t.Fatalf("absent checkpoint: cursor=%d found=%v", cursor, found)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, objects := newTestManager()

	if err := m.Save(ctx, "BTC-USD", 1500); err != nil {
		t.Fatal(err)
	}

	cursor, found, err := m.Load(ctx, "BTC-USD")
	if err != nil || !found || cursor != 1500 {
		t.Fatalf("load: cursor=%d found=%v err=%v", cursor, found, err)
	}

	// The on-store format is part of the contract.
	body, err := objects.Get(ctx, "hub/checkpoints/coinbase/BTC-USD.json")
	if err != nil {
		t.Fatal(err)
	}
	want := `{"cursor":1500,"last_updated":"2026-08-26T12:00:00Z"}`
	if string(body) != want {
		t.Fatalf("stored body %s want %s", body, want)
	}
}

func TestSaveMonotonicGuard(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _ := newTestManager()

	if err := m.Save(ctx, "BTC-USD", 1000); err != nil {
		t.Fatal(err)
	}
	// Equal resave is an idempotent rewrite.
	if err := m.Save(ctx, "BTC-USD", 1000); err != nil {
		t.Fatalf("equal resave: %v", err)
	}
	if err := m.Save(ctx, "BTC-USD", 999); !errors.Is(err, ErrNonMonotonic) {
		t.Fatalf("regression save: %v, want ErrNonMonotonic", err)
	}
	cursor, _, err := m.Load(ctx, "BTC-USD")
	if err != nil || cursor != 1000 {
		t.Fatalf("cursor after rejected save: %d, %v", cursor, err)
	}
}

func TestSaveConsultsStoreOnFirstTouch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	objects := store.NewMemoryObjects()

	// Another process advanced the watermark to 2000.
	first := NewManager(objects, "hub", "coinbase")
	if err := first.Save(ctx, "BTC-USD", 2000); err != nil {
		t.Fatal(err)
	}

	// A fresh process may not regress it, even without loading first.
	second := NewManager(objects, "hub", "coinbase")
	if err := second.Save(ctx, "BTC-USD", 1500); !errors.Is(err, ErrNonMonotonic) {
		t.Fatalf("fresh process regression: %v", err)
	}
	if err := second.Save(ctx, "BTC-USD", 2500); err != nil {
		t.Fatal(err)
	}
}

func TestLoadCorrupt(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{name: "not json", body: "not json at all"},
		{name: "negative cursor", body: `{"cursor": -5, "last_updated": "2026-08-26T12:00:00Z"}`},
		{name: "fractional cursor", body: `{"cursor": 12.5, "last_updated": "2026-08-26T12:00:00Z"}`},
		{name: "string cursor", body: `{"cursor": "abc"}`},
		{name: "missing cursor", body: `{"last_updated": "2026-08-26T12:00:00Z"}`},
		{name: "bad timestamp", body: `{"cursor": 5, "last_updated": "yesterday"}`},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			m, objects := newTestManager()
			if err := objects.Put(ctx, m.Key("BTC-USD"), []byte(tc.body)); err != nil {
				t.Fatal(err)
			}
			if _, _, err := m.Load(ctx, "BTC-USD"); !errors.Is(err, ErrCorrupt) {
				t.Fatalf("load %q: %v, want ErrCorrupt", tc.body, err)
			}
		})
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _ := newTestManager()

	if err := m.Save(ctx, "BTC-USD", 1000); err != nil {
		t.Fatal(err)
	}
	if err := m.Reset(ctx, "BTC-USD"); err != nil {
		t.Fatal(err)
	}

	_, found, err := m.Load(ctx, "BTC-USD")
	if err != nil || found {
		t.Fatalf("load after reset: found=%v err=%v", found, err)
	}
	// After the explicit reset, lower saves are legal again.
	if err := m.Save(ctx, "BTC-USD", 10); err != nil {
		t.Fatalf("save after reset: %v", err)
	}
}
