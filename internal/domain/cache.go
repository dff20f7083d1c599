package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceCache holds the hot copy of AssetLatestPrice.
type PriceCache interface {
	// SetPrice stores the price only if version beats the cached one.
	SetPrice(ctx context.Context, assetID string, price decimal.Decimal, version uint64) (bool, error)
	GetPrice(ctx context.Context, assetID string) (AssetLatestPrice, error)
	GetPrices(ctx context.Context, assetIDs []string) (map[string]AssetLatestPrice, error)
}

// MarketCache provides fast metadata lookups by token id.
type MarketCache interface {
	SetBatch(ctx context.Context, markets []MarketInfo) error
	Get(ctx context.Context, assetID string) (MarketInfo, error)
}

// DistinctEstimator approximates a distinct count per key.
type DistinctEstimator interface {
	Add(ctx context.Context, key, member string) (bool, error)
	Count(ctx context.Context, key string) (int64, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// Publisher sends a trigger payload on a topic. Delivery to end clients is
// someone else's job.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publisher
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// RateLimiter throttles calls to an external API.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}
