package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/polydearboard/internal/domain"
	"github.com/alanyoungcy/polydearboard/internal/metrics"
)

const sweepLockKey = "lock:retention_sweep"

// SweepConfig tunes the retention sweep.
type SweepConfig struct {
	Retention time.Duration
	// Cron is a standard five field schedule.
	Cron string
	// PageSize is the number of ledger rows archived and evicted per page.
	PageSize int
	// MaxPages bounds one sweep; the rest waits for the next run.
	MaxPages int
	LockTTL  time.Duration
	// RunTimeout bounds a scheduled sweep.
	RunTimeout time.Duration
}

func (c SweepConfig) withDefaults() SweepConfig {
	if c.Retention <= 0 {
		c.Retention = 3 * 24 * time.Hour
	}
	if c.Cron == "" {
		c.Cron = "0 * * * *"
	}
	if c.PageSize <= 0 {
		c.PageSize = 10_000
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 100
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Minute
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 25 * time.Minute
	}
	return c
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Cutoff         time.Time
	Archived       int
	Archives       []string
	LedgerEvicted  int64
	RawEvicted     int64
	ExpiredWindows int
}

// IdleSweeper is anything else holding time-bounded state that should be
// expired on the same schedule.
type IdleSweeper interface {
	Sweep(now time.Time) int
}

// Sweeper evicts ledger and raw rows older than the retention window.
// Aggregates are never touched, and only fully aggregated ledger rows are
// eligible, so a delayed or repeated sweep changes nothing but disk usage.
type Sweeper struct {
	ledger   domain.TradeLedger
	raw      domain.RawEventStore
	archiver domain.TradeArchiver
	locks    domain.LockManager
	idle     []IdleSweeper
	cfg      SweepConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger

	onFailure func(ctx context.Context, err error)
}

// NewSweeper creates a Sweeper. raw, archiver and locks may be nil.
func NewSweeper(ledger domain.TradeLedger, raw domain.RawEventStore, archiver domain.TradeArchiver, locks domain.LockManager, cfg SweepConfig, m *metrics.Metrics, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		ledger:   ledger,
		raw:      raw,
		archiver: archiver,
		locks:    locks,
		cfg:      cfg.withDefaults(),
		metrics:  m,
		logger:   logger.With(slog.String("component", "sweeper")),
	}
}

// AddIdle registers extra state to expire on each sweep.
func (s *Sweeper) AddIdle(i IdleSweeper) { s.idle = append(s.idle, i) }

// OnFailure registers fn to be called when a scheduled sweep fails. A sweep
// skipped because another instance holds the lock is not a failure.
func (s *Sweeper) OnFailure(fn func(ctx context.Context, err error)) { s.onFailure = fn }

// Cutoff returns the eviction boundary for a sweep at now.
func (s *Sweeper) Cutoff(now time.Time) time.Time {
	return now.UTC().Add(-s.cfg.Retention)
}

// Sweep runs one retention pass. When locks is set, a pass already running
// elsewhere makes this one a no-op that returns domain.ErrLockHeld.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	done := s.metrics.Time("sweep")
	defer done()

	res := SweepResult{Cutoff: s.Cutoff(now)}
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, sweepLockKey, s.cfg.LockTTL)
		if err != nil {
			return res, fmt.Errorf("pipeline: sweep lock: %w", err)
		}
		defer unlock()
	}

	for page := 0; page < s.cfg.MaxPages; page++ {
		trades, err := s.ledger.ListBefore(ctx, res.Cutoff, s.cfg.PageSize)
		if err != nil {
			return res, fmt.Errorf("pipeline: list expired trades: %w", err)
		}
		if len(trades) == 0 {
			break
		}
		if s.archiver != nil {
			path, err := s.archiver.ArchiveTrades(ctx, res.Cutoff, page, trades)
			if err != nil {
				return res, fmt.Errorf("pipeline: archive page %d: %w", page, err)
			}
			res.Archives = append(res.Archives, path)
			res.Archived += len(trades)
			s.metrics.AddArchived(len(trades))
		}

		keys := make([]domain.TradeKey, len(trades))
		for i, t := range trades {
			keys[i] = t.Key()
		}
		n, err := s.ledger.Evict(ctx, keys)
		if err != nil {
			return res, fmt.Errorf("pipeline: evict page %d: %w", page, err)
		}
		res.LedgerEvicted += n
		s.metrics.AddEvicted("ledger", n)
		if len(trades) < s.cfg.PageSize {
			break
		}
	}

	if s.raw != nil {
		n, err := s.raw.EvictBefore(ctx, res.Cutoff)
		if err != nil {
			return res, fmt.Errorf("pipeline: evict raw events: %w", err)
		}
		res.RawEvicted = n
		s.metrics.AddEvicted("raw", n)
	}

	for _, i := range s.idle {
		res.ExpiredWindows += i.Sweep(now)
	}

	s.logger.InfoContext(ctx, "retention sweep complete",
		slog.Time("cutoff", res.Cutoff),
		slog.Int("archived", res.Archived),
		slog.Int64("ledger_evicted", res.LedgerEvicted),
		slog.Int64("raw_evicted", res.RawEvicted),
	)
	return res, nil
}

// RunCron sweeps on the configured schedule until ctx is cancelled.
func (s *Sweeper) RunCron(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(s.cfg.Cron, func() {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
		if _, err := s.Sweep(rctx, time.Now()); err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				s.logger.Info("sweep skipped, another instance holds the lock")
				return
			}
			s.logger.Error("retention sweep failed", slog.String("error", err.Error()))
			if s.onFailure != nil {
				s.onFailure(ctx, err)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("pipeline: sweep schedule %q: %w", s.cfg.Cron, err)
	}

	s.logger.Info("sweep cron started",
		slog.String("cron", s.cfg.Cron),
		slog.Duration("retention", s.cfg.Retention),
	)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("sweep cron stopped")
	return ctx.Err()
}

// ValidateCron reports whether expr is a valid five field schedule.
func ValidateCron(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}
