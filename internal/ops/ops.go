// Package ops serves the optional localhost HTTP listener with health,
// status and prometheus metrics endpoints.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/asyncmcp/mcpqueue/internal/domain"
	"github.com/asyncmcp/mcpqueue/internal/metrics"
)

// StatusSource provides the queue snapshot; satisfied by the dispatcher.
type StatusSource interface {
	Status() domain.QueueStatus
}

// Server is the ops HTTP listener.
type Server struct {
	addr string
	log  *slog.Logger
	http *http.Server
}

// New builds the ops server for addr.
func New(addr string, src StatusSource, mx *metrics.Metrics, logger *slog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, src.Status())
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(mx.Registry, promhttp.HandlerOpts{}))

	return &Server{
		addr: addr,
		log:  logger,
		http: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.log.Info("ops: listening", "addr", s.addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ops: listener failed", "error", err)
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if err := s.http.Shutdown(ctx); err != nil {
		s.log.Warn("ops: shutdown", "error", err)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
