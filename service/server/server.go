package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/vaultwatch/service/metrics"
	"github.com/brojonat/vaultwatch/service/monitor"
	"github.com/brojonat/vaultwatch/service/temporal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusProvider exposes the state of an in-process poll driver.
type StatusProvider interface {
	Status() monitor.Status
}

// WorkflowQuerier queries the monitor workflow when running under Temporal.
type WorkflowQuerier interface {
	QueryStatus(ctx context.Context, address string) (*temporal.WorkflowStatus, error)
}

// Server represents the status HTTP server of the monitor.
type Server struct {
	addr     string
	address  string
	status   StatusProvider
	workflow WorkflowQuerier
	streamer *EventStreamer
	gatherer prometheus.Gatherer
	metrics  *metrics.Metrics
	logger   *slog.Logger
	server   *http.Server
}

// Options holds the optional collaborators of the server. Every nil field
// disables the routes that need it.
type Options struct {
	// Address is the monitored account, used for workflow queries.
	Address  string
	Status   StatusProvider
	Workflow WorkflowQuerier
	Streamer *EventStreamer
	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
}

// New creates a new HTTP server.
func New(addr string, opts Options, m *metrics.Metrics, logger *slog.Logger) *Server {
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		addr:     addr,
		address:  opts.Address,
		status:   opts.Status,
		workflow: opts.Workflow,
		streamer: opts.Streamer,
		gatherer: gatherer,
		metrics:  m,
		logger:   logger,
	}
}

// Handler builds the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	instrument := func(name string, h http.Handler) http.Handler {
		return metrics.HTTPMetricsMiddleware(s.metrics, name)(h)
	}

	mux.Handle("GET /health", instrument("/health", handleHealth(s.status)))

	if s.status != nil {
		mux.Handle("GET /api/v1/status", instrument("/api/v1/status", handleStatus(s.status, s.logger)))
	}
	if s.workflow != nil {
		mux.Handle("GET /api/v1/workflow-status", instrument("/api/v1/workflow-status", handleWorkflowStatus(s.workflow, s.address, s.logger)))
	}

	if s.streamer != nil {
		mux.Handle("GET /api/v1/stream/events", handleStreamEvents(s.streamer, s.logger))
		mux.Handle("GET /api/v1/stream/events/{action}", handleStreamEvents(s.streamer, s.logger))
		mux.Handle("GET /api/v1/stream/alerts", handleStreamAlerts(s.streamer, s.logger))
		s.logger.Info("SSE streaming endpoints enabled")
	}

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// Streams stay open; the write deadline only bounds plain responses.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if s.streamer != nil {
		s.streamer.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
