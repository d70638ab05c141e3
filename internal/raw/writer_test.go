package raw

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"schemahub/internal/models"
	"schemahub/internal/store"
)

func testRun() models.Run {
	return models.Run{
		RunID:     "0d9c2f5e-1111-2222-3333-444455556666",
		Source:    "coinbase",
		ProductID: "BTC-USD",
		Mode:      models.ModeIncremental,
		CreatedAt: time.Date(2026, 8, 26, 14, 30, 15, 987654321, time.UTC),
	}
}

func testTrades(ids ...uint64) []models.Trade {
	out := make([]models.Trade, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Trade{
			TradeID:        id,
			ProductID:      "BTC-USD",
			Price:          fmt.Sprintf("%d.25", id),
			Size:           "0.5",
			Time:           time.Date(2026, 8, 26, 14, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Second),
			Side:           "BUY",
			Source:         "coinbase",
			SourceIngestTS: time.Date(2026, 8, 26, 14, 30, 0, 0, time.UTC),
			RawPayload:     json.RawMessage(fmt.Sprintf(`{"trade_id":%d}`, id)),
		})
	}
	return out
}

func TestKeyLayout(t *testing.T) {
	t.Parallel()

	w := NewWriter(store.NewMemoryObjects(), "hub", "coinbase", false)
	run := testRun()
	got := w.Key(run.ProductID, run.RunID, run.CreatedAt, 1001, 1500, 500)
	want := "hub/raw_coinbase_trades_BTC-USD_20260826T143015Z_0d9c2f5e-1111-2222-3333-444455556666_1001_1500_500.jsonl"
	if got != want {
		t.Fatalf("key\n got %s\nwant %s", got, want)
	}
}

func TestKeyFloorsToSecondInUTC(t *testing.T) {
	t.Parallel()

	w := NewWriter(store.NewMemoryObjects(), "hub", "coinbase", false)
	est := time.FixedZone("EST", -5*3600)
	createdAt := time.Date(2026, 8, 26, 9, 30, 15, 999999999, est)
	got := w.Key("BTC-USD", "run", createdAt, 1, 2, 2)
	want := "hub/raw_coinbase_trades_BTC-USD_20260826T143015Z_run_1_2_2.jsonl"
	if got != want {
		t.Fatalf("key %s want %s", got, want)
	}
}

func TestWriteBodyAndRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	objects := store.NewMemoryObjects()
	w := NewWriter(objects, "hub", "coinbase", false)
	run := testRun()
	trades := testTrades(1001, 1002, 1003)

	key, err := w.Write(ctx, run, trades)
	if err != nil {
		t.Fatal(err)
	}

	body, err := objects.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(body))
	var got []models.Trade
	for scanner.Scan() {
		var tr models.Trade
		if err := json.Unmarshal(scanner.Bytes(), &tr); err != nil {
			t.Fatalf("line %d: %v", len(got), err)
		}
		got = append(got, tr)
	}
	if err := scanner.Err(); err != nil {
		t.Fatal(err)
	}

	if len(got) != len(trades) {
		t.Fatalf("got %d lines want %d", len(got), len(trades))
	}
	for i := range got {
		if !got[i].Time.Equal(trades[i].Time) || !got[i].SourceIngestTS.Equal(trades[i].SourceIngestTS) {
			t.Fatalf("trade %d times differ: %+v vs %+v", i, got[i], trades[i])
		}
		got[i].Time = trades[i].Time
		got[i].SourceIngestTS = trades[i].SourceIngestTS
		if !reflect.DeepEqual(got[i], trades[i]) {
			t.Fatalf("trade %d round trip:\n got %+v\nwant %+v", i, got[i], trades[i])
		}
	}
}

func TestWriteIdempotentKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	objects := store.NewMemoryObjects()
	w := NewWriter(objects, "hub", "coinbase", false)
	run := testRun()
	trades := testTrades(1, 2, 3)

	key1, err := w.Write(ctx, run, trades)
	if err != nil {
		t.Fatal(err)
	}
	key2, err := w.Write(ctx, run, trades)
	if err != nil {
		t.Fatal(err)
	}
	if key1 != key2 {
		t.Fatalf("retry produced different keys: %s vs %s", key1, key2)
	}

	keys, err := objects.List(ctx, "hub/")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 {
		t.Fatalf("retry multiplied objects: %v", keys)
	}
}

func TestWriteDistinctRunsDistinctKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := NewWriter(store.NewMemoryObjects(), "hub", "coinbase", false)
	trades := testTrades(1, 2, 3)

	runA := testRun()
	runB := testRun()
	runB.RunID = "ffffffff-0000-1111-2222-333344445555"

	keyA, err := w.Write(ctx, runA, trades)
	if err != nil {
		t.Fatal(err)
	}
	keyB, err := w.Write(ctx, runB, trades)
	if err != nil {
		t.Fatal(err)
	}
	if keyA == keyB {
		t.Fatalf("different runs share a key: %s", keyA)
	}
}

func TestWriteRejectsDisorder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	objects := store.NewMemoryObjects()
	w := NewWriter(objects, "hub", "coinbase", false)
	run := testRun()

	cases := []struct {
		name string
		ids  []uint64
	}{
		{name: "descending", ids: []uint64{3, 2, 1}},
		{name: "swap", ids: []uint64{1, 3, 2}},
		{name: "duplicate", ids: []uint64{1, 2, 2}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := w.Write(ctx, run, testTrades(tc.ids...)); !errors.Is(err, ErrUnordered) {
				t.Fatalf("write %v: %v, want ErrUnordered", tc.ids, err)
			}
		})
	}

	keys, err := objects.List(ctx, "hub/")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Fatalf("rejected batches were written: %v", keys)
	}
}

func TestWriteEmptyBatch(t *testing.T) {
	t.Parallel()

	w := NewWriter(store.NewMemoryObjects(), "hub", "coinbase", false)
	if _, err := w.Write(context.Background(), testRun(), nil); err == nil {
		t.Fatal("empty batch accepted")
	}
}

func TestDryRunSkipsPut(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	objects := store.NewMemoryObjects()
	w := NewWriter(objects, "hub", "coinbase", true)

	key, err := w.Write(ctx, testRun(), testTrades(1, 2))
	if err != nil {
		t.Fatal(err)
	}
	if key == "" {
		t.Fatal("dry run must still report the key")
	}
	keys, err := objects.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Fatalf("dry run wrote objects: %v", keys)
	}
}
