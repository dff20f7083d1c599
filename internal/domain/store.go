package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// BlockRange is an inclusive block interval on one network.
type BlockRange struct {
	Network string
	From    uint64
	To      uint64
}

// Contains reports whether block falls inside r.
func (r BlockRange) Contains(block uint64) bool {
	return block >= r.From && block <= r.To
}

// RawEventStore persists raw fill and resolution events, one table set per
// source contract. Upserts are idempotent on the event key.
type RawEventStore interface {
	UpsertFills(ctx context.Context, ns Namespace, exchange Exchange, fills []RawFillEvent) error
	UpsertResolutions(ctx context.Context, ns Namespace, events []ResolutionEvent) error
	// OpenNamespace creates an isolated staging namespace for a backfill.
	OpenNamespace(ctx context.Context, id string) (Namespace, error)
	// Promote merges a staging namespace into the canonical store in one step
	// and returns the number of rows moved.
	Promote(ctx context.Context, ns Namespace) (int64, error)
	DropNamespace(ctx context.Context, ns Namespace) error
	ScanFills(ctx context.Context, ns Namespace, r BlockRange, fn func(Exchange, RawFillEvent) error) error
	ScanResolutions(ctx context.Context, ns Namespace, r BlockRange, fn func(ResolutionEvent) error) error
	// EvictBefore deletes canonical raw rows whose block timestamp (epoch when
	// missing) is before cutoff.
	EvictBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// TradeLedger is the deduplicated canonical trade table.
type TradeLedger interface {
	// Upsert writes t with last-write-wins semantics and returns the stored
	// entry, including which aggregate handlers have already consumed it.
	Upsert(ctx context.Context, t CanonicalTrade) (LedgerEntry, error)
	Get(ctx context.Context, key TradeKey) (LedgerEntry, error)
	ListByTrader(ctx context.Context, trader string, opts ListOpts) ([]CanonicalTrade, error)
	// ListBefore returns up to limit fully aggregated trades older than cutoff.
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]CanonicalTrade, error)
	// Evict deletes the given keys if they are fully aggregated.
	Evict(ctx context.Context, keys []TradeKey) (int64, error)
	// EvictBefore deletes every fully aggregated trade older than cutoff.
	EvictBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AggregateReader reads the permanent aggregate tables.
type AggregateReader interface {
	LatestPrice(ctx context.Context, assetID string) (AssetLatestPrice, error)
	Position(ctx context.Context, key PositionKey) (TraderPosition, error)
	PositionsByTrader(ctx context.Context, trader string) ([]TraderPosition, error)
	Global(ctx context.Context) (GlobalStats, error)
	PnlDaily(ctx context.Context, key PnlDailyKey) (PnlDaily, error)
	AssetStatsDaily(ctx context.Context, key AssetDayKey) (AssetStatsDaily, error)
}

// TraderRanker orders traders by total mark-to-market PnL, marking each open
// amount at the resolved price when there is one and the latest traded price
// otherwise.
type TraderRanker interface {
	// TopTradersByPnL returns at most limit traders, most profitable first,
	// skipping every address in exclude.
	TopTradersByPnL(ctx context.Context, limit int, exclude []string) ([]string, error)
}

// ResolvedPriceStore persists settlement prices.
type ResolvedPriceStore interface {
	// Upsert stores rp and reports whether the row was newly created.
	Upsert(ctx context.Context, rp ResolvedPrice) (bool, error)
	Get(ctx context.Context, assetID string) (ResolvedPrice, error)
}

// MarketStore persists market metadata keyed by token prefix.
type MarketStore interface {
	// UpsertBatch keeps the row with the newest UpdatedAt and returns how many
	// rows changed.
	UpsertBatch(ctx context.Context, markets []MarketInfo) (int64, error)
	GetByPrefix(ctx context.Context, prefix string) (MarketInfo, error)
	// ListByCondition returns the condition's tokens ordered by outcome index.
	ListByCondition(ctx context.Context, conditionID string) ([]MarketInfo, error)
	Count(ctx context.Context) (int64, error)
}

// CursorStore remembers the last fully processed block per network and
// source.
type CursorStore interface {
	GetCursor(ctx context.Context, network, source string) (uint64, error)
	// SetCursor only ever moves a cursor forward.
	SetCursor(ctx context.Context, network, source string, block uint64) error
}
