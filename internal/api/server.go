// Package api implements the HTTP API for insight jobs and battery
// systems.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/bmsinsight/internal/agent"
	"github.com/nugget/bmsinsight/internal/buildinfo"
	"github.com/nugget/bmsinsight/internal/history"
	"github.com/nugget/bmsinsight/internal/insights"
	"github.com/nugget/bmsinsight/internal/jobs"
	"github.com/nugget/bmsinsight/internal/progress"
)

// maxBodyBytes limits request bodies. Reading uploads can be large.
const maxBodyBytes = 8 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// InsightService runs and reports on insight jobs.
type InsightService interface {
	Generate(ctx context.Context, req agent.Request) (*agent.Outcome, error)
	Start(ctx context.Context, req agent.Request) (*jobs.Job, error)
	Status(ctx context.Context, id string) (*insights.StatusView, error)
	Progress(ctx context.Context, id string, after int) ([]jobs.ProgressEvent, error)
	Job(ctx context.Context, id string) (*jobs.Job, error)
}

// SystemStore holds battery system profiles and their readings.
type SystemStore interface {
	SaveSystem(ctx context.Context, sys *history.System) error
	System(ctx context.Context, id string) (*history.System, error)
	AddReadings(ctx context.Context, systemID string, readings []history.Reading) (int, error)
	Span(ctx context.Context, systemID string) (history.Span, error)
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	insights InsightService
	systems  SystemStore
	bus      *progress.Bus
	metrics  http.Handler
	timeout  time.Duration
	logger   *slog.Logger
	server   *http.Server

	// pollInterval is how often streams re-read the progress log when
	// no live event arrives.
	pollInterval time.Duration
}

// NewServer creates a new API server.
func NewServer(address string, port int, svc InsightService, systems SystemStore, logger *slog.Logger) *Server {
	return &Server{
		address:      address,
		port:         port,
		insights:     svc,
		systems:      systems,
		logger:       logger,
		pollInterval: time.Second,
	}
}

// SetBus configures the live progress bus used to wake job streams.
func (s *Server) SetBus(b *progress.Bus) {
	s.bus = b
}

// SetMetrics exposes h at /metrics.
func (s *Server) SetMetrics(h http.Handler) {
	s.metrics = h
}

// SetTimeout records the per-invocation timeout reported to clients
// whose request yielded.
func (s *Server) SetTimeout(d time.Duration) {
	s.timeout = d
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Insight jobs
	mux.HandleFunc("POST /api/insights", s.handleInsights)
	mux.HandleFunc("GET /api/insights/jobs/{id}", s.handleJobStatus)
	mux.HandleFunc("GET /api/insights/jobs/{id}/stream", s.handleJobStream)

	// Systems and telemetry
	mux.HandleFunc("POST /api/systems", s.handleSystemSave)
	mux.HandleFunc("GET /api/systems/{id}", s.handleSystemGet)
	mux.HandleFunc("POST /api/systems/{id}/readings", s.handleReadings)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns when the server is
// shut down.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "bmsinsight",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"success": false,
		"error":   kind,
		"message": message,
	}, s.logger)
}

func (s *Server) respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, v, s.logger)
}

// decodeBody reads a size-limited JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}
