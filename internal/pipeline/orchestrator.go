package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Runner is a long-lived loop that returns when ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// RunFunc adapts a function to Runner.
type RunFunc func(ctx context.Context) error

func (f RunFunc) Run(ctx context.Context) error { return f(ctx) }

// Orchestrator runs the configured pipeline loops (tail, sweep cron, catalog
// refresh, trigger dispatch, ops server) together. The first loop to fail
// cancels the rest.
type Orchestrator struct {
	names   []string
	runners []Runner
	logger  *slog.Logger
}

// NewOrchestrator creates an empty Orchestrator.
func NewOrchestrator(logger *slog.Logger) *Orchestrator {
	return &Orchestrator{logger: logger.With(slog.String("component", "orchestrator"))}
}

// Add registers a named loop. A nil runner is ignored.
func (o *Orchestrator) Add(name string, r Runner) *Orchestrator {
	if r != nil {
		o.names = append(o.names, name)
		o.runners = append(o.runners, r)
	}
	return o
}

// Run starts every loop and waits. Loops ending because ctx was cancelled
// count as a clean shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting", slog.Any("loops", o.names))

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range o.runners {
		name := o.names[i]
		g.Go(func() error {
			o.logger.Info("loop starting", slog.String("loop", name))
			err := r.Run(gctx)
			if gctx.Err() != nil {
				return nil
			}
			if err == nil {
				o.logger.Info("loop finished", slog.String("loop", name))
				return nil
			}
			return fmt.Errorf("%s: %w", name, err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}
