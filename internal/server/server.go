// Package server is the ops HTTP surface: health, status, Prometheus metrics
// and read-only aggregate views.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/polydearboard/internal/domain"
	"github.com/alanyoungcy/polydearboard/internal/metrics"
	"github.com/alanyoungcy/polydearboard/internal/server/handler"
	"github.com/alanyoungcy/polydearboard/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port int
	// APIKeys guards the data routes; any listed key is accepted. Empty
	// disables auth.
	APIKeys     []string
	MetricsPath string // if empty, /metrics
	// RateLimit is requests per minute per API key (per client IP without
	// auth) on data routes. Zero or a nil limiter disables it.
	RateLimit int
	// Metrics records request latency per route. May be nil.
	Metrics *metrics.Metrics
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Nil members are skipped.
type Handlers struct {
	Health   *handler.HealthHandler
	Status   *handler.StatusHandler
	Stats    *handler.StatsHandler
	Pipeline *handler.PipelineHandler
	Archive  *handler.ArchiveHandler
	Metrics  http.Handler
}

const (
	routeHealth = "GET /api/health"
	routeReady  = "GET /api/ready"
)

// Server is the ops HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route on one ServeMux so the access log sees the
// matched pattern. Health checks and metrics are open; data routes pass auth and
// then the per-key rate limit.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	auth := middleware.Auth(cfg.APIKeys)
	limit := func(h http.Handler) http.Handler { return h }
	if limiter != nil && cfg.RateLimit > 0 {
		limit = middleware.RateLimit(limiter, cfg.RateLimit, time.Minute, logger)
	}
	protect := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, auth(limit(h)))
	}

	var quiet []string
	if handlers.Health != nil {
		mux.HandleFunc(routeHealth, handlers.Health.HealthCheck)
		mux.HandleFunc(routeReady, handlers.Health.Ready)
		quiet = append(quiet, routeHealth, routeReady)
	}
	if handlers.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, handlers.Metrics)
		quiet = append(quiet, "GET "+path)
	}

	if handlers.Status != nil {
		protect("GET /api/status", handlers.Status.GetStatus)
	}
	if handlers.Stats != nil {
		protect("GET /api/stats/global", handlers.Stats.Global)
		protect("GET /api/traders/{address}/positions", handlers.Stats.TraderPositions)
		protect("GET /api/traders/{address}/trades", handlers.Stats.TraderTrades)
		protect("GET /api/traders/{address}/daily", handlers.Stats.TraderDaily)
		protect("GET /api/assets/{id}/price", handlers.Stats.AssetPrice)
		protect("GET /api/assets/{id}/daily", handlers.Stats.AssetDaily)
	}
	if handlers.Archive != nil {
		protect("GET /api/archives/{day}", handlers.Archive.ListDay)
	}
	if handlers.Pipeline != nil {
		protect("POST /api/catalog/refresh", handlers.Pipeline.TriggerCatalogRefresh)
	}

	h := middleware.Logging(logger, cfg.Metrics.ObserveHTTP, quiet...)(mux)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Handler exposes the routed handler chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Run serves until ctx is cancelled, then shuts down with a 10s grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return ctx.Err()
	}
}
