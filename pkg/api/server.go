// Package api serves the waterplan HTTP interface: run submission and
// polling, health and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dd0wney/cluso-waterplan/pkg/api/middleware"
	"github.com/dd0wney/cluso-waterplan/pkg/config"
	"github.com/dd0wney/cluso-waterplan/pkg/health"
	"github.com/dd0wney/cluso-waterplan/pkg/logging"
	"github.com/dd0wney/cluso-waterplan/pkg/metrics"
	"github.com/dd0wney/cluso-waterplan/pkg/supervisor"
)

// maxRequestBody bounds a submission body
const maxRequestBody = 64 << 10

// Runs is the run lifecycle the server exposes. *supervisor.Supervisor
// implements it.
type Runs interface {
	Submit(ctx context.Context, req supervisor.RunRequest) (string, error)
	Poll(ctx context.Context, runID string) (supervisor.Status, error)
	Active() (*supervisor.LockRecord, error)
}

// Server represents the HTTP API server
type Server struct {
	runs            Runs
	healthChecker   *health.HealthChecker
	metricsRegistry *metrics.Registry
	logger          logging.Logger
	cfg             config.ServerConfig
	startTime       time.Time
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithHealthChecker(hc *health.HealthChecker) Option {
	return func(s *Server) { s.healthChecker = hc }
}

// NewServer creates a server over runs. Metrics are recorded into reg.
func NewServer(runs Runs, reg *metrics.Registry, cfg config.ServerConfig, opts ...Option) *Server {
	s := &Server{
		runs:            runs,
		metricsRegistry: reg,
		logger:          logging.NewNopLogger(),
		cfg:             cfg,
		startTime:       time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.healthChecker == nil {
		s.healthChecker = health.NewHealthChecker()
	}
	s.logger = s.logger.With(logging.Component("api"))
	return s
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/v1/runs", middleware.BodySizeLimit(maxRequestBody)(http.HandlerFunc(s.handleSubmitRun)))
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleGetRun)

	mux.HandleFunc("GET /health", s.healthChecker.HTTPHandler())
	mux.HandleFunc("GET /health/ready", s.healthChecker.ReadinessHandler())
	mux.HandleFunc("GET /health/live", s.healthChecker.LivenessHandler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metricsRegistry.GetPrometheusRegistry(), promhttp.HandlerOpts{}))

	var handler http.Handler = mux
	handler = middleware.PanicRecovery(s.logger)(handler)
	handler = middleware.Metrics(s.metricsRegistry)(handler)
	handler = middleware.Logging(s.logger, middleware.GetRequestID)(handler)
	handler = middleware.RequestID()(handler)
	return handler
}

// Start serves on the configured port until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go s.watch(watchCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", logging.String("addr", ln.Addr().String()))
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// watch refreshes the run lock gauges and polls the active run so a
// finished run releases its lock even when no client asks for it.
func (s *Server) watch(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rec, err := s.runs.Active()
		if err != nil || rec == nil {
			s.metricsRegistry.ObserveRunLock(s.startTime, time.Time{}, time.Now())
			continue
		}
		s.metricsRegistry.ObserveRunLock(s.startTime, rec.StartedAt, time.Now())
		if _, err := s.runs.Poll(ctx, rec.RunID); err != nil && !errors.Is(err, supervisor.ErrUnknownRun) {
			s.logger.Warn("background poll failed", logging.RunID(rec.RunID), logging.Error(err))
		}
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    status,
	})
}
