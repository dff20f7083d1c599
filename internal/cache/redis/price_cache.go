package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

// setPriceLua writes price and version only when ARGV[2] is a strictly
// higher version than the stored one. Versions are compared as decimal
// strings so values above 2^53 stay exact.
const setPriceLua = `
local cur = redis.call('HGET', KEYS[1], 'version')
if cur then
    if #cur > #ARGV[2] or (#cur == #ARGV[2] and cur >= ARGV[2]) then
        return 0
    end
end
redis.call('HSET', KEYS[1], 'price', ARGV[1], 'version', ARGV[2])
return 1
`

// PriceCache implements domain.PriceCache using one hash per asset at
// "price:{assetID}" with fields "price" and "version".
type PriceCache struct {
	rdb      *redis.Client
	setPrice *redis.Script
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{
		rdb:      c.Underlying(),
		setPrice: redis.NewScript(setPriceLua),
	}
}

func priceKey(assetID string) string {
	return "price:" + assetID
}

// SetPrice stores price if version beats the cached version. It reports
// whether the cache changed.
func (pc *PriceCache) SetPrice(ctx context.Context, assetID string, price decimal.Decimal, version uint64) (bool, error) {
	n, err := pc.setPrice.Run(ctx, pc.rdb, []string{priceKey(assetID)},
		price.String(), strconv.FormatUint(version, 10)).Int64()
	if err != nil {
		return false, fmt.Errorf("redis: set price %s: %w", assetID, err)
	}
	return n == 1, nil
}

// GetPrice returns domain.ErrNotFound when the asset has no cached price.
func (pc *PriceCache) GetPrice(ctx context.Context, assetID string) (domain.AssetLatestPrice, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(assetID)).Result()
	if err != nil {
		return domain.AssetLatestPrice{}, fmt.Errorf("redis: get price %s: %w", assetID, err)
	}
	if len(vals) == 0 {
		return domain.AssetLatestPrice{}, domain.ErrNotFound
	}
	p, err := parsePrice(assetID, vals)
	if err != nil {
		return domain.AssetLatestPrice{}, fmt.Errorf("redis: get price %s: %w", assetID, err)
	}
	return p, nil
}

// GetPrices fetches several assets in one pipeline. Missing or unparsable
// entries are omitted.
func (pc *PriceCache) GetPrices(ctx context.Context, assetIDs []string) (map[string]domain.AssetLatestPrice, error) {
	if len(assetIDs) == 0 {
		return map[string]domain.AssetLatestPrice{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(assetIDs))
	for _, id := range assetIDs {
		cmds[id] = pipe.HGetAll(ctx, priceKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	result := make(map[string]domain.AssetLatestPrice, len(assetIDs))
	for id, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		p, err := parsePrice(id, vals)
		if err != nil {
			continue
		}
		result[id] = p
	}
	return result, nil
}

func parsePrice(assetID string, vals map[string]string) (domain.AssetLatestPrice, error) {
	price, err := decimal.NewFromString(vals["price"])
	if err != nil {
		return domain.AssetLatestPrice{}, fmt.Errorf("parse price: %w", err)
	}
	version, err := strconv.ParseUint(vals["version"], 10, 64)
	if err != nil {
		return domain.AssetLatestPrice{}, fmt.Errorf("parse version: %w", err)
	}
	return domain.AssetLatestPrice{AssetID: assetID, LatestPrice: price, Version: version}, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
