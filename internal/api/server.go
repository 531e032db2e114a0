// Package api serves the read-only operator API: active calls, the MNCC
// connection, call history and prometheus metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/flowpbx/sipconnector/internal/api/middleware"
	"github.com/flowpbx/sipconnector/internal/app"
	"github.com/flowpbx/sipconnector/internal/database"
)

// CallInspector returns snapshots of gateway state.
type CallInspector interface {
	Calls(ctx context.Context) ([]app.CallInfo, error)
	MNCC(ctx context.Context) (app.MNCCInfo, error)
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	inspector CallInspector
	history   database.CallHistoryRepository
	metrics   http.Handler
	limiter   *middleware.IPRateLimiter
	logger    *slog.Logger
	version   string
}

// Options carries the optional parts of the server. A nil History disables
// the history endpoints and a nil Metrics leaves /metrics unmounted.
type Options struct {
	History database.CallHistoryRepository
	Metrics http.Handler
	Limiter *middleware.IPRateLimiter
	Version string
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(inspector CallInspector, opts Options, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		inspector: inspector,
		history:   opts.History,
		metrics:   opts.Metrics,
		limiter:   opts.Limiter,
		logger:    logger.With("component", "api"),
		version:   opts.Version,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.SecurityHeaders)
		if s.limiter != nil {
			r.Use(middleware.RateLimit(s.limiter))
		}

		r.Get("/health", s.handleHealth)
		r.Get("/mncc", s.handleMNCC)

		r.Route("/calls", func(r chi.Router) {
			r.Get("/", s.handleListCalls)
			r.Get("/{id}", s.handleGetCall)
		})

		r.Route("/history", func(r chi.Router) {
			r.Get("/", s.handleListHistory)
			r.Get("/{id}", s.handleGetHistory)
		})
	})
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	MNCC    string `json:"mncc"`
	Calls   int    `json:"calls"`
}

// handleHealth reports "ok" while the MNCC side is up and "degraded"
// otherwise. It answers 503 only when the event loop does not respond.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	m, err := s.inspector.MNCC(r.Context())
	if err != nil {
		s.logger.Error("health: mncc snapshot failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "event loop unavailable")
		return
	}
	calls, err := s.inspector.Calls(r.Context())
	if err != nil {
		s.logger.Error("health: call snapshot failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "event loop unavailable")
		return
	}

	status := "ok"
	if !m.Connected {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  status,
		Version: s.version,
		MNCC:    m.State,
		Calls:   len(calls),
	})
}

func (s *Server) handleMNCC(w http.ResponseWriter, r *http.Request) {
	m, err := s.inspector.MNCC(r.Context())
	if err != nil {
		s.logger.Error("mncc: snapshot failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "event loop unavailable")
		return
	}
	writeJSON(w, http.StatusOK, m)
}
