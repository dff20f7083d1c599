package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

// HyperLogLog implements domain.DistinctEstimator with PFADD/PFCOUNT.
type HyperLogLog struct {
	rdb *redis.Client
}

// NewHyperLogLog creates a HyperLogLog backed by the given Client.
func NewHyperLogLog(c *Client) *HyperLogLog {
	return &HyperLogLog{rdb: c.Underlying()}
}

// Add reports whether the estimate changed.
func (h *HyperLogLog) Add(ctx context.Context, key, member string) (bool, error) {
	n, err := h.rdb.PFAdd(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("redis: pfadd %s: %w", key, err)
	}
	return n == 1, nil
}

func (h *HyperLogLog) Count(ctx context.Context, key string) (int64, error) {
	n, err := h.rdb.PFCount(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: pfcount %s: %w", key, err)
	}
	return n, nil
}

var _ domain.DistinctEstimator = (*HyperLogLog)(nil)
