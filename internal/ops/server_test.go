package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"schemahub/internal/breaker"
	"schemahub/internal/checkpoint"
	"schemahub/internal/ingester"
	"schemahub/internal/models"
	"schemahub/internal/ratelimit"
	"schemahub/internal/store"
)

func newTestServer(t *testing.T) (*Server, *checkpoint.Manager) {
	t.Helper()
	objects := store.NewMemoryObjects()
	kv := store.NewMemoryKV()
	ckpts := checkpoint.NewManager(objects, "hub", "coinbase")
	limiter, err := ratelimit.New(10, 2.0)
	if err != nil {
		t.Fatal(err)
	}
	progress := ingester.NewProgress(time.Hour)
	progress.Track("BTC-USD", 100, 500)
	srv := NewServer(":0", "coinbase", []string{"BTC-USD", "ETH-USD"}, breaker.New(kv, "hub", breaker.Config{}), ckpts, limiter, progress)
	return srv, ckpts
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.http.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body: %v", body)
	}
}

func TestStatusSnapshot(t *testing.T) {
	t.Parallel()

	srv, ckpts := newTestServer(t)
	if err := ckpts.Save(context.Background(), "BTC-USD", 1500); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.http.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	var payload statusPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Source != "coinbase" {
		t.Fatalf("source %q", payload.Source)
	}
	if payload.Circuit.CircuitState != models.CircuitClosed {
		t.Fatalf("circuit %q", payload.Circuit.CircuitState)
	}
	if payload.Checkpoints["BTC-USD"] != 1500 {
		t.Fatalf("checkpoints: %v", payload.Checkpoints)
	}
	// ETH-USD has no checkpoint yet and must be absent, not zero.
	if _, ok := payload.Checkpoints["ETH-USD"]; ok {
		t.Fatalf("phantom checkpoint: %v", payload.Checkpoints)
	}
	if payload.LimiterRate != 10 {
		t.Fatalf("limiter rate %v", payload.LimiterRate)
	}
	if len(payload.Progress) != 1 || payload.Progress[0].ProductID != "BTC-USD" {
		t.Fatalf("progress: %+v", payload.Progress)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.http.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}
