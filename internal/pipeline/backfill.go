package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

// BackfillConfig tunes a historical backfill.
type BackfillConfig struct {
	// ChunkBlocks is the range fetched per source call.
	ChunkBlocks uint64
	// ReplayBatch is the number of stored fills handed to the ingestor at once.
	ReplayBatch int
	// LockTTL bounds how long the promote lock may be held.
	LockTTL time.Duration
	// Retention is the hot-ledger window. Fills older than it were already
	// swept from the ledger, so replaying them adds them to the aggregates a
	// second time. Zero disables the check.
	Retention time.Duration
	// AllowExpired promotes such a range anyway and only warns.
	AllowExpired bool
}

// ErrExpiredRange is returned when a backfill would redeliver fills that
// the retention sweep already evicted.
var ErrExpiredRange = errors.New("pipeline: backfill range is older than the retention window")

func (c BackfillConfig) withDefaults() BackfillConfig {
	if c.ChunkBlocks == 0 {
		c.ChunkBlocks = 2000
	}
	if c.ReplayBatch <= 0 {
		c.ReplayBatch = 1000
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 10 * time.Minute
	}
	return c
}

// BackfillResult summarises one backfill run.
type BackfillResult struct {
	Namespace   domain.Namespace
	StagedFills int
	StagedRes   int
	Promoted    int64
	// Expired counts staged fills older than the retention cutoff.
	Expired int
	Replay  IngestStats
}

// Backfiller loads a historical block range into an isolated staging
// namespace, promotes it into the canonical raw store in one step and then
// replays the range through the ingestor. Readers of the canonical store
// never see a partially loaded range.
type Backfiller struct {
	source   EventSource
	raw      domain.RawEventStore
	ingestor *Ingestor
	locks    domain.LockManager
	cfg      BackfillConfig
	now      func() time.Time
	logger   *slog.Logger
}

// NewBackfiller creates a Backfiller. locks may be nil when only one process
// can promote.
func NewBackfiller(source EventSource, raw domain.RawEventStore, ingestor *Ingestor, locks domain.LockManager, cfg BackfillConfig, logger *slog.Logger) *Backfiller {
	return &Backfiller{
		source:   source,
		raw:      raw,
		ingestor: ingestor,
		locks:    locks,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		logger:   logger.With(slog.String("component", "backfill"), slog.String("network", source.Network())),
	}
}

func (b *Backfiller) lockKey() string {
	return "lock:promote:" + b.source.Network()
}

// Run backfills the inclusive range [from, to].
func (b *Backfiller) Run(ctx context.Context, from, to uint64) (BackfillResult, error) {
	if to < from {
		return BackfillResult{}, fmt.Errorf("pipeline: backfill range %d-%d is empty", from, to)
	}
	start := time.Now()

	ns, err := b.raw.OpenNamespace(ctx, uuid.NewString())
	if err != nil {
		return BackfillResult{}, fmt.Errorf("pipeline: open namespace: %w", err)
	}
	res := BackfillResult{Namespace: ns}
	b.logger.InfoContext(ctx, "backfill started",
		slog.String("namespace", string(ns)),
		slog.Uint64("from", from),
		slog.Uint64("to", to),
	)

	promoted := false
	defer func() {
		if promoted {
			return
		}
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := b.raw.DropNamespace(cleanupCtx, ns); err != nil {
			b.logger.Warn("drop staging namespace failed",
				slog.String("namespace", string(ns)),
				slog.String("error", err.Error()),
			)
		}
	}()

	if err := b.stage(ctx, ns, from, to, &res); err != nil {
		return res, err
	}
	if res.Expired > 0 {
		if !b.cfg.AllowExpired {
			return res, fmt.Errorf("%w: %d fills in %d-%d predate %s", ErrExpiredRange,
				res.Expired, from, to, b.cutoff().Format(time.RFC3339))
		}
		b.logger.WarnContext(ctx, "backfill redelivers evicted fills; their aggregates are counted again",
			slog.Int("expired_fills", res.Expired),
			slog.Time("cutoff", b.cutoff()),
		)
	}

	res.Promoted, err = b.promote(ctx, ns)
	if err != nil {
		return res, err
	}
	promoted = true

	r := domain.BlockRange{Network: b.source.Network(), From: from, To: to}
	if err := b.replay(ctx, r, &res); err != nil {
		return res, err
	}

	b.logger.InfoContext(ctx, "backfill complete",
		slog.String("namespace", string(ns)),
		slog.Int("staged_fills", res.StagedFills),
		slog.Int64("promoted", res.Promoted),
		slog.Int64("trades_inserted", res.Replay.Inserted),
		slog.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

// cutoff is the oldest block time the ledger still holds. Zero when no
// retention is configured.
func (b *Backfiller) cutoff() time.Time {
	if b.cfg.Retention <= 0 {
		return time.Time{}
	}
	return b.now().UTC().Add(-b.cfg.Retention)
}

func (b *Backfiller) stage(ctx context.Context, ns domain.Namespace, from, to uint64, res *BackfillResult) error {
	for lo := from; lo <= to; {
		hi := to
		if hi-lo+1 > b.cfg.ChunkBlocks {
			hi = lo + b.cfg.ChunkBlocks - 1
		}
		batch, err := b.source.Fetch(ctx, lo, hi)
		if err != nil {
			return fmt.Errorf("pipeline: backfill fetch %d-%d: %w", lo, hi, err)
		}

		cutoff := b.cutoff()
		byExchange := make(map[domain.Exchange][]domain.RawFillEvent, 2)
		for _, f := range batch.Fills {
			byExchange[f.Exchange] = append(byExchange[f.Exchange], f.Event)
			// Untimestamped fills cannot be placed against the window.
			if ts := f.Event.Timestamp(); !cutoff.IsZero() && !domain.IsEpoch(ts) && ts.Before(cutoff) {
				res.Expired++
			}
		}
		for ex, fills := range byExchange {
			if err := b.raw.UpsertFills(ctx, ns, ex, fills); err != nil {
				return fmt.Errorf("pipeline: stage %s fills %d-%d: %w", ex, lo, hi, err)
			}
		}
		if err := b.raw.UpsertResolutions(ctx, ns, batch.Resolutions); err != nil {
			return fmt.Errorf("pipeline: stage resolutions %d-%d: %w", lo, hi, err)
		}
		res.StagedFills += len(batch.Fills)
		res.StagedRes += len(batch.Resolutions)

		if hi == to {
			break
		}
		lo = hi + 1
	}
	return nil
}

func (b *Backfiller) promote(ctx context.Context, ns domain.Namespace) (int64, error) {
	if b.locks != nil {
		unlock, err := b.locks.Acquire(ctx, b.lockKey(), b.cfg.LockTTL)
		if err != nil {
			return 0, fmt.Errorf("pipeline: promote lock: %w", err)
		}
		defer unlock()
	}
	n, err := b.raw.Promote(ctx, ns)
	if err != nil {
		return 0, fmt.Errorf("pipeline: promote %s: %w", ns, err)
	}
	if err := b.raw.DropNamespace(ctx, ns); err != nil {
		b.logger.WarnContext(ctx, "drop promoted namespace failed",
			slog.String("namespace", string(ns)),
			slog.String("error", err.Error()),
		)
	}
	return n, nil
}

func (b *Backfiller) replay(ctx context.Context, r domain.BlockRange, res *BackfillResult) error {
	var (
		exchanges []domain.Exchange
		fills     []domain.RawFillEvent
		errs      []error
	)
	flush := func() {
		if len(fills) == 0 {
			return
		}
		stats, err := b.ingestor.ReplayFills(ctx, exchanges, fills)
		res.Replay.Add(stats)
		if err != nil {
			errs = append(errs, err)
		}
		exchanges, fills = exchanges[:0], fills[:0]
	}

	err := b.raw.ScanFills(ctx, domain.CanonicalNamespace, r, func(ex domain.Exchange, f domain.RawFillEvent) error {
		exchanges = append(exchanges, ex)
		fills = append(fills, f)
		if len(fills) >= b.cfg.ReplayBatch {
			flush()
		}
		return ctx.Err()
	})
	flush()
	if err != nil {
		return fmt.Errorf("pipeline: replay scan fills: %w", err)
	}

	var events []domain.ResolutionEvent
	if err := b.raw.ScanResolutions(ctx, domain.CanonicalNamespace, r, func(ev domain.ResolutionEvent) error {
		events = append(events, ev)
		return nil
	}); err != nil {
		return fmt.Errorf("pipeline: replay scan resolutions: %w", err)
	}
	stats, err := b.ingestor.ReplayResolutions(ctx, events)
	res.Replay.Add(stats)
	if err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
