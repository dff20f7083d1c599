package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polydearboard/internal/chain"
	"github.com/alanyoungcy/polydearboard/internal/domain"
	"github.com/alanyoungcy/polydearboard/internal/metrics"
)

// SourceChain is the cursor name of the JSON-RPC log source.
const SourceChain = "chain"

// EventSource reads decoded fills and resolutions for a block range.
type EventSource interface {
	Network() string
	SafeHead(ctx context.Context) (uint64, error)
	Fetch(ctx context.Context, from, to uint64) (chain.Batch, error)
}

var _ EventSource = (*chain.Source)(nil)

// TailConfig tunes the live tail.
type TailConfig struct {
	PollInterval time.Duration
	// StartBlock is used when no cursor exists yet.
	StartBlock uint64
	// BatchBlocks caps the range processed per step.
	BatchBlocks uint64
}

func (c TailConfig) withDefaults() TailConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 4 * time.Second
	}
	if c.BatchBlocks == 0 {
		c.BatchBlocks = 500
	}
	return c
}

// Tailer follows the chain head, feeding new blocks to the Ingestor and
// persisting a cursor after every fully processed range. A restart re-reads
// at most one range, which the idempotent pipeline absorbs.
type Tailer struct {
	source   EventSource
	ingestor *Ingestor
	cursors  domain.CursorStore
	cfg      TailConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewTailer creates a Tailer.
func NewTailer(source EventSource, ingestor *Ingestor, cursors domain.CursorStore, cfg TailConfig, m *metrics.Metrics, logger *slog.Logger) *Tailer {
	return &Tailer{
		source:   source,
		ingestor: ingestor,
		cursors:  cursors,
		cfg:      cfg.withDefaults(),
		metrics:  m,
		logger:   logger.With(slog.String("component", "tailer"), slog.String("network", source.Network())),
	}
}

// Step processes the next range up to the safe head. It reports whether the
// cursor moved.
func (t *Tailer) Step(ctx context.Context) (bool, error) {
	network := t.source.Network()
	cursor, err := t.cursors.GetCursor(ctx, network, SourceChain)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return false, fmt.Errorf("pipeline: read cursor: %w", err)
	}
	from := cursor + 1
	if cursor == 0 {
		from = t.cfg.StartBlock
	}

	head, err := t.source.SafeHead(ctx)
	if err != nil {
		return false, fmt.Errorf("pipeline: safe head: %w", err)
	}
	if head < from {
		return false, nil
	}
	to := head
	if to-from+1 > t.cfg.BatchBlocks {
		to = from + t.cfg.BatchBlocks - 1
	}

	if err := t.processRange(ctx, from, to); err != nil {
		return false, err
	}
	if err := t.cursors.SetCursor(ctx, network, SourceChain, to); err != nil {
		return false, fmt.Errorf("pipeline: write cursor %d: %w", to, err)
	}
	t.metrics.SetCursor(network, SourceChain, to)
	return true, nil
}

func (t *Tailer) processRange(ctx context.Context, from, to uint64) error {
	batch, err := t.source.Fetch(ctx, from, to)
	if err != nil {
		return fmt.Errorf("pipeline: fetch %d-%d: %w", from, to, err)
	}
	for n := 0; n < batch.Malformed; n++ {
		t.metrics.IncMalformed(t.source.Network())
	}

	fills := make([]domain.RawFillEvent, 0, len(batch.Fills))
	for _, f := range batch.Fills {
		fills = append(fills, f.Event)
	}
	fs, err := t.ingestor.IngestFills(ctx, fills)
	if err != nil {
		return fmt.Errorf("pipeline: ingest fills %d-%d: %w", from, to, err)
	}
	rs, err := t.ingestor.IngestResolutions(ctx, batch.Resolutions)
	if err != nil {
		return fmt.Errorf("pipeline: ingest resolutions %d-%d: %w", from, to, err)
	}

	t.logger.DebugContext(ctx, "range processed",
		slog.Uint64("from", from),
		slog.Uint64("to", to),
		slog.Int64("trades_inserted", fs.Inserted),
		slog.Int64("resolved_inserted", rs.ResolvedInserted),
	)
	return nil
}

// Run steps until ctx is cancelled. It keeps stepping without waiting while
// it is behind the head, then polls.
func (t *Tailer) Run(ctx context.Context) error {
	t.logger.Info("tail started", slog.Duration("poll_interval", t.cfg.PollInterval))
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for {
			advanced, err := t.Step(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				t.logger.Error("tail step failed", slog.String("error", err.Error()))
				break
			}
			if !advanced {
				break
			}
		}

		select {
		case <-ctx.Done():
			t.logger.Info("tail stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
