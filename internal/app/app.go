// Package app provides the top-level application lifecycle management for the
// dearboard pipeline. It wires together all dependencies (stores, caches, blob
// storage, trigger transports, the chain source and the metadata catalog) and
// starts the appropriate loops based on the configured operating mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/polydearboard/internal/config"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, selects the
// operating mode, starts the corresponding loops, and blocks until the mode
// finishes or the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("storage_backend", a.cfg.StorageBackend),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	c, err := a.build(ctx, deps)
	if err != nil {
		return fmt.Errorf("app: build pipeline: %w", err)
	}
	a.closers = append(a.closers, c.close)

	switch strings.ToLower(a.cfg.Mode) {
	case config.ModeIngest:
		return a.IngestMode(ctx, deps, c)
	case config.ModeBackfill:
		return a.BackfillMode(ctx, deps, c)
	case config.ModeSweep:
		return a.SweepMode(ctx, deps, c)
	case config.ModeCatalog:
		return a.CatalogMode(ctx, deps, c)
	case config.ModeFull:
		return a.FullMode(ctx, deps, c)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
