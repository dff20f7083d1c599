package aggregate

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

// GlobalTradersKey is the distinct-estimator key for exchange-wide traders.
const GlobalTradersKey = "hll:traders:global"

// CacheObserver mirrors applied merges into the hot caches. Cache errors are
// logged and otherwise ignored; the store remains the source of truth.
type CacheObserver struct {
	prices   domain.PriceCache
	distinct domain.DistinctEstimator
	logger   *slog.Logger
}

// NewCacheObserver returns an observer; either cache may be nil.
func NewCacheObserver(prices domain.PriceCache, distinct domain.DistinctEstimator, logger *slog.Logger) *CacheObserver {
	return &CacheObserver{
		prices:   prices,
		distinct: distinct,
		logger:   logger.With(slog.String("component", "cache_observer")),
	}
}

func (c *CacheObserver) LatestPriceMerged(ctx context.Context, t domain.CanonicalTrade) {
	if c.prices == nil {
		return
	}
	if _, err := c.prices.SetPrice(ctx, t.AssetID, t.Price, t.Version()); err != nil {
		c.logger.DebugContext(ctx, "price cache update failed",
			slog.String("asset_id", t.AssetID), slog.String("error", err.Error()))
	}
}

func (c *CacheObserver) GlobalMerged(ctx context.Context, t domain.CanonicalTrade, denied bool) {
	if c.distinct == nil || denied {
		return
	}
	if _, err := c.distinct.Add(ctx, GlobalTradersKey, t.Trader); err != nil {
		c.logger.DebugContext(ctx, "distinct estimator update failed",
			slog.String("trader", t.Trader), slog.String("error", err.Error()))
	}
}
