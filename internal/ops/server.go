// Package ops serves the operational surface of a running ingester: health
// probe, a JSON status snapshot, and the prometheus metrics endpoint.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"schemahub/internal/breaker"
	"schemahub/internal/checkpoint"
	"schemahub/internal/ingester"
	"schemahub/internal/models"
	"schemahub/internal/ratelimit"
)

type Server struct {
	source   string
	products []string
	breaker  *breaker.Breaker
	ckpts    *checkpoint.Manager
	limiter  *ratelimit.Limiter
	progress *ingester.Progress

	http *http.Server
}

func NewServer(addr, source string, products []string, brk *breaker.Breaker, ckpts *checkpoint.Manager, limiter *ratelimit.Limiter, progress *ingester.Progress) *Server {
	s := &Server{
		source:   source,
		products: products,
		breaker:  brk,
		ckpts:    ckpts,
		limiter:  limiter,
		progress: progress,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves until Shutdown. It returns http.ErrServerClosed on a clean
// shutdown; the caller decides whether that is noteworthy.
func (s *Server) Start() error {
	log.WithField("addr", s.http.Addr).Info("ops server listening")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type statusPayload struct {
	Source        string                     `json:"source"`
	Circuit       models.HealthRecord        `json:"circuit"`
	LimiterTokens float64                    `json:"limiter_tokens"`
	LimiterRate   float64                    `json:"limiter_rate"`
	Checkpoints   map[string]uint64          `json:"checkpoints"`
	Progress      []ingester.ProductProgress `json:"progress"`
	GeneratedAt   time.Time                  `json:"generated_at"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	health, err := s.breaker.State(ctx, s.source)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	cursors := make(map[string]uint64, len(s.products))
	for _, productID := range s.products {
		cursor, found, err := s.ckpts.Load(ctx, productID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if found {
			cursors[productID] = cursor
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statusPayload{
		Source:        s.source,
		Circuit:       health,
		LimiterTokens: s.limiter.Available(),
		LimiterRate:   s.limiter.Rate(),
		Checkpoints:   cursors,
		Progress:      s.progress.Snapshot(),
		GeneratedAt:   time.Now().UTC(),
	})
}
