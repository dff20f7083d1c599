package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/alitto/pond/v2"

	"github.com/alanyoungcy/polydearboard/internal/aggregate"
	"github.com/alanyoungcy/polydearboard/internal/domain"
	"github.com/alanyoungcy/polydearboard/internal/metrics"
	"github.com/alanyoungcy/polydearboard/internal/normalize"
	"github.com/alanyoungcy/polydearboard/internal/resolve"
)

// TriggerSink receives the post-write trigger points. Implementations must
// not block.
type TriggerSink interface {
	TradeInserted(ctx context.Context, entry domain.LedgerEntry)
	ResolvedInserted(ctx context.Context, rp domain.ResolvedPrice)
}

// IngestStats counts what happened to one batch.
type IngestStats struct {
	Received         int64
	Malformed        int64
	Filtered         int64
	Inserted         int64
	Duplicate        int64
	Merged           int64
	Incomplete       int64
	Resolutions      int64
	ResolvedInserted int64
	// Unresolved counts resolutions whose outcome tokens are not known yet.
	// They stay in the raw store and resolve on a later replay.
	Unresolved int64
}

// Add accumulates o into s.
func (s *IngestStats) Add(o IngestStats) {
	s.Received += o.Received
	s.Malformed += o.Malformed
	s.Filtered += o.Filtered
	s.Inserted += o.Inserted
	s.Duplicate += o.Duplicate
	s.Merged += o.Merged
	s.Incomplete += o.Incomplete
	s.Resolutions += o.Resolutions
	s.ResolvedInserted += o.ResolvedInserted
	s.Unresolved += o.Unresolved
}

type statCounters struct {
	received, malformed, filtered, inserted, duplicate, merged, incomplete atomic.Int64
}

func (c *statCounters) snapshot() IngestStats {
	return IngestStats{
		Received:   c.received.Load(),
		Malformed:  c.malformed.Load(),
		Filtered:   c.filtered.Load(),
		Inserted:   c.inserted.Load(),
		Duplicate:  c.duplicate.Load(),
		Merged:     c.merged.Load(),
		Incomplete: c.incomplete.Load(),
	}
}

// IngestorDeps are the collaborators of an Ingestor. Raw, Resolver, Triggers
// and Metrics are optional.
type IngestorDeps struct {
	Raw      domain.RawEventStore
	Registry *normalize.Registry
	Ledger   domain.TradeLedger
	FanOut   *aggregate.FanOut
	Resolver *resolve.Resolver
	Triggers TriggerSink
	Metrics  *metrics.Metrics
}

// Ingestor drives raw events through received → normalized → aggregated.
// Fills in a batch are processed concurrently on a bounded worker pool;
// every step is idempotent so redelivering a batch is always safe.
type Ingestor struct {
	deps   IngestorDeps
	pool   pond.Pool
	logger *slog.Logger
}

// NewIngestor creates an Ingestor with the given number of workers.
func NewIngestor(deps IngestorDeps, workers int, logger *slog.Logger) *Ingestor {
	if workers <= 0 {
		workers = 8
	}
	if deps.Registry == nil {
		deps.Registry = normalize.DefaultRegistry()
	}
	return &Ingestor{
		deps:   deps,
		pool:   pond.NewPool(workers, pond.WithQueueSize(workers*64)),
		logger: logger.With(slog.String("component", "ingestor")),
	}
}

// Close stops the worker pool after queued work finishes.
func (i *Ingestor) Close() {
	i.pool.StopAndWait()
}

// IngestFills stores fills in the canonical raw store and processes them.
// The returned error joins every ledger or aggregate failure; the batch
// should be redelivered when it is non-nil.
func (i *Ingestor) IngestFills(ctx context.Context, fills []domain.RawFillEvent) (IngestStats, error) {
	if len(fills) == 0 {
		return IngestStats{}, nil
	}
	if i.deps.Raw != nil {
		for ex, group := range i.groupByExchange(fills) {
			if err := i.deps.Raw.UpsertFills(ctx, domain.CanonicalNamespace, ex, group); err != nil {
				return IngestStats{}, fmt.Errorf("pipeline: store raw %s fills: %w", ex, err)
			}
		}
	}
	stats, err := i.process(ctx, fills, nil)
	i.logBatch(ctx, "fills ingested", stats)
	return stats, err
}

// ReplayFills processes fills that are already in the raw store, each with
// the exchange it was stored under.
func (i *Ingestor) ReplayFills(ctx context.Context, exchanges []domain.Exchange, fills []domain.RawFillEvent) (IngestStats, error) {
	if len(exchanges) != len(fills) {
		return IngestStats{}, fmt.Errorf("pipeline: replay: %d exchanges for %d fills", len(exchanges), len(fills))
	}
	return i.process(ctx, fills, exchanges)
}

func (i *Ingestor) groupByExchange(fills []domain.RawFillEvent) map[domain.Exchange][]domain.RawFillEvent {
	out := make(map[domain.Exchange][]domain.RawFillEvent, 2)
	for _, f := range fills {
		ex, _ := i.deps.Registry.ExchangeFor(f.Network, f.ContractAddress)
		out[ex] = append(out[ex], f)
	}
	return out
}

func (i *Ingestor) process(ctx context.Context, fills []domain.RawFillEvent, exchanges []domain.Exchange) (IngestStats, error) {
	done := i.deps.Metrics.Time("ingest_fills")
	defer done()
	i.deps.Metrics.ObserveBatch("fills", len(fills))

	var (
		counters statCounters
		mu       sync.Mutex
		errs     []error
	)
	group := i.pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for idx, fill := range fills {
		ex := domain.Exchange("")
		if exchanges != nil {
			ex = exchanges[idx]
		}
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			if err := i.processFill(groupCtx, ex, fill, &counters); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		errs = append(errs, err)
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return counters.snapshot(), errors.Join(errs...)
}

func (i *Ingestor) processFill(ctx context.Context, ex domain.Exchange, fill domain.RawFillEvent, c *statCounters) error {
	c.received.Add(1)
	if ex == "" {
		var known bool
		ex, known = i.deps.Registry.ExchangeFor(fill.Network, fill.ContractAddress)
		if !known {
			i.logger.DebugContext(ctx, "unknown exchange contract, using fallback",
				slog.String("contract", fill.ContractAddress),
				slog.String("exchange", string(ex)),
			)
		}
	}
	i.deps.Metrics.AddReceived(fill.Network, string(ex), 1)

	trade, res, err := normalize.Normalize(ex, fill)
	if err != nil {
		c.malformed.Add(1)
		i.deps.Metrics.IncMalformed(fill.Network)
		i.logger.WarnContext(ctx, "malformed fill dropped",
			slog.String("tx_hash", fill.TxHash),
			slog.Uint64("log_index", uint64(fill.LogIndex)),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if res == normalize.Filtered {
		c.filtered.Add(1)
		i.deps.Metrics.IncFiltered(fill.Network)
		i.logger.DebugContext(ctx, "fill filtered",
			slog.String("tx_hash", fill.TxHash),
			slog.Uint64("log_index", uint64(fill.LogIndex)),
		)
		return nil
	}

	entry, err := i.deps.Ledger.Upsert(ctx, trade)
	if err != nil {
		return fmt.Errorf("pipeline: ledger upsert tx %s log %d: %w", trade.TxHash, trade.LogIndex, err)
	}
	i.deps.Metrics.ObserveLedger(trade.Network, entry.Fresh)
	if entry.Fresh {
		c.inserted.Add(1)
	} else {
		c.duplicate.Add(1)
	}

	rep, applyErr := i.deps.FanOut.Apply(ctx, entry)
	for _, o := range rep.Outcomes {
		switch {
		case o.Err != nil:
			i.deps.Metrics.ObserveMerge(o.Handler.String(), "error")
		case o.Applied:
			i.deps.Metrics.ObserveMerge(o.Handler.String(), "merged")
		default:
			i.deps.Metrics.ObserveMerge(o.Handler.String(), "skipped")
		}
	}
	c.merged.Add(int64(rep.Merged()))
	if !rep.Complete() {
		c.incomplete.Add(1)
	}
	if entry.Fresh && i.deps.Triggers != nil {
		i.deps.Triggers.TradeInserted(ctx, entry)
	}
	if applyErr != nil {
		return fmt.Errorf("pipeline: aggregate tx %s log %d: %w", trade.TxHash, trade.LogIndex, applyErr)
	}
	return nil
}

// IngestResolutions stores resolution events and resolves their prices.
func (i *Ingestor) IngestResolutions(ctx context.Context, events []domain.ResolutionEvent) (IngestStats, error) {
	if len(events) == 0 {
		return IngestStats{}, nil
	}
	if i.deps.Raw != nil {
		if err := i.deps.Raw.UpsertResolutions(ctx, domain.CanonicalNamespace, events); err != nil {
			return IngestStats{}, fmt.Errorf("pipeline: store raw resolutions: %w", err)
		}
	}
	return i.ReplayResolutions(ctx, events)
}

// ReplayResolutions resolves events that are already in the raw store.
func (i *Ingestor) ReplayResolutions(ctx context.Context, events []domain.ResolutionEvent) (IngestStats, error) {
	var stats IngestStats
	if i.deps.Resolver == nil {
		return stats, nil
	}
	var errs []error
	for _, ev := range events {
		stats.Resolutions++
		inserted, err := i.deps.Resolver.Resolve(ctx, ev)
		if errors.Is(err, domain.ErrMalformedEvent) {
			stats.Malformed++
			i.logger.WarnContext(ctx, "malformed resolution dropped",
				slog.String("tx_hash", ev.TxHash),
				slog.Uint64("log_index", uint64(ev.LogIndex)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if errors.Is(err, domain.ErrNotFound) {
			stats.Unresolved++
			i.logger.WarnContext(ctx, "resolution outcome tokens unknown",
				slog.String("condition_id", ev.ConditionID),
				slog.String("tx_hash", ev.TxHash),
			)
			continue
		}
		for _, rp := range inserted {
			stats.ResolvedInserted++
			if i.deps.Triggers != nil {
				i.deps.Triggers.ResolvedInserted(ctx, rp)
			}
		}
		if err != nil {
			errs = append(errs, err)
		}
		i.deps.Metrics.AddResolutions(ev.Network, 1, len(inserted))
	}
	return stats, errors.Join(errs...)
}

// RetryUnresolved replays the stored resolutions of network that carry no
// asset ids, once per condition. Conditions whose outcome tokens have since
// reached the catalog resolve now; the rest stay pending. Resolving an
// already priced condition is a no-op.
func (i *Ingestor) RetryUnresolved(ctx context.Context, network string) (IngestStats, error) {
	if i.deps.Raw == nil || i.deps.Resolver == nil {
		return IngestStats{}, nil
	}
	seen := make(map[string]struct{})
	var pending []domain.ResolutionEvent
	r := domain.BlockRange{Network: network, From: 0, To: math.MaxUint64}
	err := i.deps.Raw.ScanResolutions(ctx, domain.CanonicalNamespace, r, func(ev domain.ResolutionEvent) error {
		if len(ev.AssetIDs) > 0 {
			return nil
		}
		key := strings.ToLower(ev.ConditionID)
		if _, ok := seen[key]; ok {
			return nil
		}
		seen[key] = struct{}{}
		pending = append(pending, ev)
		return ctx.Err()
	})
	if err != nil {
		return IngestStats{}, fmt.Errorf("pipeline: scan pending resolutions: %w", err)
	}
	stats, err := i.ReplayResolutions(ctx, pending)
	if stats.ResolvedInserted > 0 || stats.Unresolved > 0 {
		i.logger.InfoContext(ctx, "pending resolutions retried",
			slog.Int64("conditions", stats.Resolutions),
			slog.Int64("resolved_inserted", stats.ResolvedInserted),
			slog.Int64("unresolved", stats.Unresolved),
		)
	}
	return stats, err
}

func (i *Ingestor) logBatch(ctx context.Context, msg string, s IngestStats) {
	i.logger.InfoContext(ctx, msg,
		slog.Int64("received", s.Received),
		slog.Int64("inserted", s.Inserted),
		slog.Int64("duplicate", s.Duplicate),
		slog.Int64("filtered", s.Filtered),
		slog.Int64("malformed", s.Malformed),
		slog.Int64("merged", s.Merged),
		slog.Int64("incomplete", s.Incomplete),
	)
}
