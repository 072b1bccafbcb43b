// Package api exposes the REST surface over the engine: component CRUD and
// lifecycle, query results, health and metrics. All responses use the
// {success, data, error} envelope.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ruokun-niu/drasi-server/engine"
	"github.com/ruokun-niu/drasi-server/errors"
	"github.com/ruokun-niu/drasi-server/health"
	"github.com/ruokun-niu/drasi-server/metric"
)

// Options configures the API server.
type Options struct {
	Host    string
	Port    int
	Engine  *engine.Engine
	Logger  *slog.Logger
	Metrics *metric.MetricsRegistry
	// RateLimit caps requests per second; zero disables limiting.
	RateLimit float64
}

// Server is the HTTP front end.
type Server struct {
	opts    Options
	logger  *slog.Logger
	monitor *health.Monitor
	limiter *rate.Limiter
	server  *http.Server

	requestsTotal  atomic.Uint64
	requestsFailed atomic.Uint64
}

// NewServer builds the API server and its routes.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		opts:    opts,
		logger:  logger.With("component", "api"),
		monitor: health.NewMonitor(opts.Engine),
	}
	if opts.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), int(opts.RateLimit)*2)
	}
	return s
}

// Handler builds the route table. Exposed for tests via httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics.Handler())
	}

	mux.HandleFunc("GET /sources", s.handleListSources)
	mux.HandleFunc("POST /sources", s.handleCreateSource)
	mux.HandleFunc("GET /sources/{id}", s.handleGetSource)
	mux.HandleFunc("DELETE /sources/{id}", s.handleDeleteSource)
	mux.HandleFunc("POST /sources/{id}/start", s.handleStartSource)
	mux.HandleFunc("POST /sources/{id}/stop", s.handleStopSource)

	mux.HandleFunc("GET /queries", s.handleListQueries)
	mux.HandleFunc("POST /queries", s.handleCreateQuery)
	mux.HandleFunc("GET /queries/{id}", s.handleGetQuery)
	mux.HandleFunc("DELETE /queries/{id}", s.handleDeleteQuery)
	mux.HandleFunc("POST /queries/{id}/start", s.handleStartQuery)
	mux.HandleFunc("POST /queries/{id}/stop", s.handleStopQuery)
	mux.HandleFunc("GET /queries/{id}/results", s.handleQueryResults)

	mux.HandleFunc("GET /reactions", s.handleListReactions)
	mux.HandleFunc("POST /reactions", s.handleCreateReaction)
	mux.HandleFunc("GET /reactions/{id}", s.handleGetReaction)
	mux.HandleFunc("DELETE /reactions/{id}", s.handleDeleteReaction)
	mux.HandleFunc("POST /reactions/{id}/start", s.handleStartReaction)
	mux.HandleFunc("POST /reactions/{id}/stop", s.handleStopReaction)

	return s.wrap(mux)
}

// wrap applies rate limiting and request accounting.
func (s *Server) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestsTotal.Add(1)
		if s.limiter != nil && !s.limiter.Allow() {
			s.requestsFailed.Add(1)
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start opens the listener and serves until the context ends.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.opts.Host, fmt.Sprintf("%d", s.opts.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapFatal(err, "api", "Start", addr)
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API listening", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return errors.WrapFatal(err, "api", "Start", "serve")
	}
}

// Shutdown drains in-flight requests up to the deadline.
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// envelope is the uniform response wrapper.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: message})
}

// writeErr maps a registry error to its HTTP status.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	s.requestsFailed.Add(1)
	status := http.StatusInternalServerError
	switch {
	case errors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.IsAlreadyExists(err), errors.IsHasDependents(err):
		status = http.StatusConflict
	case errors.IsReadOnly(err):
		status = http.StatusForbidden
	case errors.IsConfig(err),
		errors.Is(err, errors.ErrQueryParse),
		errors.Is(err, errors.ErrUnsupportedClause),
		errors.Classify(err) == errors.ErrorInvalid:
		status = http.StatusBadRequest
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	report := s.monitor.Report()
	s.writeData(w, http.StatusOK, report)
}
