// Package memory provides in-process implementations of the ledger,
// aggregate, raw event, resolved price, market and cursor stores.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polydearboard/internal/aggregate"
	"github.com/alanyoungcy/polydearboard/internal/domain"
)

var (
	_ domain.TradeLedger     = (*Store)(nil)
	_ domain.AggregateReader = (*Store)(nil)
	_ domain.TraderRanker    = (*Store)(nil)
	_ aggregate.Store        = (*Store)(nil)
)

type ledgerRow struct {
	trade   domain.CanonicalTrade
	applied domain.HandlerSet
}

// Store is the in-memory trade ledger together with the aggregate tables it
// feeds. A handler's claim bit lives on the ledger row, as it does in
// Postgres.
type Store struct {
	trades    *xsync.Map[domain.TradeKey, ledgerRow]
	latest    *xsync.Map[string, aggregate.Versioned[decimal.Decimal]]
	positions *xsync.Map[domain.PositionKey, aggregate.PositionState]
	daily     *xsync.Map[domain.PnlDailyKey, aggregate.DailyState]
	assetDay  *xsync.Map[domain.AssetDayKey, aggregate.AssetDayState]

	globalMu sync.Mutex
	global   aggregate.GlobalState

	resolved *ResolvedPriceStore
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		trades:    xsync.NewMap[domain.TradeKey, ledgerRow](),
		latest:    xsync.NewMap[string, aggregate.Versioned[decimal.Decimal]](),
		positions: xsync.NewMap[domain.PositionKey, aggregate.PositionState](),
		daily:     xsync.NewMap[domain.PnlDailyKey, aggregate.DailyState](),
		assetDay:  xsync.NewMap[domain.AssetDayKey, aggregate.AssetDayState](),
	}
}

// ── Ledger ──

func (s *Store) Upsert(_ context.Context, t domain.CanonicalTrade) (domain.LedgerEntry, error) {
	fresh := false
	row, _ := s.trades.Compute(t.Key(), func(old ledgerRow, loaded bool) (ledgerRow, xsync.ComputeOp) {
		fresh = !loaded
		return ledgerRow{trade: t, applied: old.applied}, xsync.UpdateOp
	})
	return domain.LedgerEntry{Trade: row.trade, Applied: row.applied, Fresh: fresh}, nil
}

func (s *Store) Get(_ context.Context, key domain.TradeKey) (domain.LedgerEntry, error) {
	row, ok := s.trades.Load(key)
	if !ok {
		return domain.LedgerEntry{}, domain.ErrNotFound
	}
	return domain.LedgerEntry{Trade: row.trade, Applied: row.applied}, nil
}

func (s *Store) ListByTrader(_ context.Context, trader string, opts domain.ListOpts) ([]domain.CanonicalTrade, error) {
	var out []domain.CanonicalTrade
	s.trades.Range(func(k domain.TradeKey, row ledgerRow) bool {
		if k.Trader != trader {
			return true
		}
		ts := row.trade.BlockTimestamp
		if opts.Since != nil && ts.Before(*opts.Since) {
			return true
		}
		if opts.Until != nil && ts.After(*opts.Until) {
			return true
		}
		out = append(out, row.trade)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].Version() > out[j].Version()
	})
	return page(out, opts), nil
}

func (s *Store) ListBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.CanonicalTrade, error) {
	var out []domain.CanonicalTrade
	s.trades.Range(func(_ domain.TradeKey, row ledgerRow) bool {
		if row.applied.Complete() && row.trade.BlockTimestamp.Before(cutoff) {
			out = append(out, row.trade)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].BlockTimestamp.Before(out[j].BlockTimestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Evict(_ context.Context, keys []domain.TradeKey) (int64, error) {
	var n int64
	for _, k := range keys {
		s.trades.Compute(k, func(old ledgerRow, loaded bool) (ledgerRow, xsync.ComputeOp) {
			if !loaded || !old.applied.Complete() {
				return old, xsync.CancelOp
			}
			n++
			return old, xsync.DeleteOp
		})
	}
	return n, nil
}

func (s *Store) EvictBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var keys []domain.TradeKey
	s.trades.Range(func(k domain.TradeKey, row ledgerRow) bool {
		if row.trade.BlockTimestamp.Before(cutoff) {
			keys = append(keys, k)
		}
		return true
	})
	return s.Evict(ctx, keys)
}

// Len returns the number of ledger rows.
func (s *Store) Len() int { return s.trades.Size() }

// claim sets the handler bit on the ledger row. It fails when the bit is
// already set or the row is gone.
func (s *Store) claim(c domain.Claim) bool {
	won := false
	s.trades.Compute(c.Key, func(old ledgerRow, loaded bool) (ledgerRow, xsync.ComputeOp) {
		if !loaded || old.applied.Has(c.Handler) {
			return old, xsync.CancelOp
		}
		won = true
		old.applied = old.applied.With(c.Handler)
		return old, xsync.UpdateOp
	})
	return won
}

// ── Aggregate merges ──

func (s *Store) MergeLatestPrice(_ context.Context, c domain.Claim, assetID string, d aggregate.Versioned[decimal.Decimal]) (bool, error) {
	if !s.claim(c) {
		return false, nil
	}
	s.latest.Compute(assetID, func(old aggregate.Versioned[decimal.Decimal], _ bool) (aggregate.Versioned[decimal.Decimal], xsync.ComputeOp) {
		return old.Merge(d), xsync.UpdateOp
	})
	return true, nil
}

func (s *Store) MergePosition(_ context.Context, c domain.Claim, key domain.PositionKey, d aggregate.PositionState) (bool, error) {
	if !s.claim(c) {
		return false, nil
	}
	s.positions.Compute(key, func(old aggregate.PositionState, _ bool) (aggregate.PositionState, xsync.ComputeOp) {
		return old.Merge(d), xsync.UpdateOp
	})
	return true, nil
}

func (s *Store) MergeGlobal(_ context.Context, c domain.Claim, d aggregate.GlobalState) (bool, error) {
	if !s.claim(c) {
		return false, nil
	}
	s.globalMu.Lock()
	s.global = s.global.Merge(d)
	s.globalMu.Unlock()
	return true, nil
}

func (s *Store) MergePnlDaily(_ context.Context, c domain.Claim, key domain.PnlDailyKey, d aggregate.DailyState) (bool, error) {
	if !s.claim(c) {
		return false, nil
	}
	s.daily.Compute(key, func(old aggregate.DailyState, _ bool) (aggregate.DailyState, xsync.ComputeOp) {
		return old.Merge(d), xsync.UpdateOp
	})
	return true, nil
}

func (s *Store) MergeAssetStatsDaily(_ context.Context, c domain.Claim, key domain.AssetDayKey, d aggregate.AssetDayState) (bool, error) {
	if !s.claim(c) {
		return false, nil
	}
	s.assetDay.Compute(key, func(old aggregate.AssetDayState, _ bool) (aggregate.AssetDayState, xsync.ComputeOp) {
		return old.Merge(d), xsync.UpdateOp
	})
	return true, nil
}

// ── Aggregate reads ──

func (s *Store) LatestPrice(_ context.Context, assetID string) (domain.AssetLatestPrice, error) {
	v, ok := s.latest.Load(assetID)
	if !ok || !v.Set {
		return domain.AssetLatestPrice{}, domain.ErrNotFound
	}
	return domain.AssetLatestPrice{AssetID: assetID, LatestPrice: v.Value, Version: v.Version}, nil
}

func (s *Store) Position(_ context.Context, key domain.PositionKey) (domain.TraderPosition, error) {
	p, ok := s.positions.Load(key)
	if !ok {
		return domain.TraderPosition{}, domain.ErrNotFound
	}
	return p.Row(key), nil
}

func (s *Store) PositionsByTrader(_ context.Context, trader string) ([]domain.TraderPosition, error) {
	var out []domain.TraderPosition
	s.positions.Range(func(k domain.PositionKey, p aggregate.PositionState) bool {
		if k.Trader == trader {
			out = append(out, p.Row(k))
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out, nil
}

func (s *Store) Global(_ context.Context) (domain.GlobalStats, error) {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	return s.global.Row(), nil
}

func (s *Store) PnlDaily(_ context.Context, key domain.PnlDailyKey) (domain.PnlDaily, error) {
	d, ok := s.daily.Load(key)
	if !ok {
		return domain.PnlDaily{}, domain.ErrNotFound
	}
	return d.Row(key), nil
}

func (s *Store) AssetStatsDaily(_ context.Context, key domain.AssetDayKey) (domain.AssetStatsDaily, error) {
	a, ok := s.assetDay.Load(key)
	if !ok {
		return domain.AssetStatsDaily{}, domain.ErrNotFound
	}
	return a.Row(key), nil
}

// WithResolved lets the PnL ranking mark settled assets at their resolved
// price.
func (s *Store) WithResolved(r *ResolvedPriceStore) *Store {
	s.resolved = r
	return s
}

func (s *Store) TopTradersByPnL(_ context.Context, limit int, exclude []string) ([]string, error) {
	var positions []domain.TraderPosition
	s.positions.Range(func(k domain.PositionKey, p aggregate.PositionState) bool {
		positions = append(positions, p.Row(k))
		return true
	})
	latest := make(map[string]decimal.Decimal)
	s.latest.Range(func(asset string, v aggregate.Versioned[decimal.Decimal]) bool {
		if v.Set {
			latest[asset] = v.Value
		}
		return true
	})
	var resolved map[string]decimal.Decimal
	if s.resolved != nil {
		resolved = s.resolved.prices()
	}
	return aggregate.RankByPnL(positions, latest, resolved, limit, exclude), nil
}

func page(trades []domain.CanonicalTrade, opts domain.ListOpts) []domain.CanonicalTrade {
	if opts.Offset > 0 {
		if opts.Offset >= len(trades) {
			return nil
		}
		trades = trades[opts.Offset:]
	}
	if opts.Limit > 0 && len(trades) > opts.Limit {
		trades = trades[:opts.Limit]
	}
	return trades
}
