package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

const defaultMarketTTL = 24 * time.Hour

// MarketCache implements domain.MarketCache. Entries are JSON strings keyed
// by the token prefix, so a float-truncated id finds the same entry.
//
// Key schema:
//
//	mkt:{prefix} - JSON-encoded MarketInfo
type MarketCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewMarketCache creates a MarketCache. A non-positive ttl uses 24h.
func NewMarketCache(c *Client, ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = defaultMarketTTL
	}
	return &MarketCache{rdb: c.Underlying(), ttl: ttl}
}

func marketKey(prefix string) string { return "mkt:" + prefix }

// SetBatch writes every market in one pipeline.
func (mc *MarketCache) SetBatch(ctx context.Context, markets []domain.MarketInfo) error {
	if len(markets) == 0 {
		return nil
	}
	pipe := mc.rdb.Pipeline()
	for _, m := range markets {
		prefix := m.Prefix()
		if prefix == "" {
			continue
		}
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("redis: marshal market %s: %w", m.AssetID, err)
		}
		pipe.Set(ctx, marketKey(prefix), data, mc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set %d markets: %w", len(markets), err)
	}
	return nil
}

// Get returns domain.ErrNotFound on a cache miss.
func (mc *MarketCache) Get(ctx context.Context, assetID string) (domain.MarketInfo, error) {
	data, err := mc.rdb.Get(ctx, marketKey(domain.TokenPrefix(assetID))).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.MarketInfo{}, domain.ErrNotFound
		}
		return domain.MarketInfo{}, fmt.Errorf("redis: get market %s: %w", assetID, err)
	}
	var m domain.MarketInfo
	if err := json.Unmarshal(data, &m); err != nil {
		return domain.MarketInfo{}, fmt.Errorf("redis: unmarshal market %s: %w", assetID, err)
	}
	return m, nil
}

var _ domain.MarketCache = (*MarketCache)(nil)
