package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := &Client{rdb: goredis.NewClient(&goredis.Options{Addr: mr.Addr()})}
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func TestPriceCache_VersionGated(t *testing.T) {
	_, c := setupTestRedis(t)
	ctx := context.Background()
	pc := NewPriceCache(c)

	ok, err := pc.SetPrice(ctx, "42", decimal.RequireFromString("0.55"), domain.Version(100, 3))
	require.NoError(t, err)
	assert.True(t, ok)

	// Older and equal versions lose.
	ok, err = pc.SetPrice(ctx, "42", decimal.RequireFromString("0.10"), domain.Version(99, 900))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = pc.SetPrice(ctx, "42", decimal.RequireFromString("0.10"), domain.Version(100, 3))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := pc.GetPrice(ctx, "42")
	require.NoError(t, err)
	assert.True(t, got.LatestPrice.Equal(decimal.RequireFromString("0.55")))
	assert.Equal(t, domain.Version(100, 3), got.Version)

	// A longer version string is newer even when it sorts lower.
	ok, err = pc.SetPrice(ctx, "42", decimal.RequireFromString("0.6"), domain.Version(1000, 0))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = pc.GetPrice(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	prices, err := pc.GetPrices(ctx, []string{"42", "missing"})
	require.NoError(t, err)
	require.Len(t, prices, 1)
	assert.True(t, prices["42"].LatestPrice.Equal(decimal.RequireFromString("0.6")))
}

func TestMarketCache_PrefixLookup(t *testing.T) {
	mr, c := setupTestRedis(t)
	ctx := context.Background()
	mc := NewMarketCache(c, time.Hour)

	const asset = "71321045679252212594626385532706912750332728571942532289631379312455583992563"
	require.NoError(t, mc.SetBatch(ctx, []domain.MarketInfo{
		{AssetID: asset, Question: "Will it rain?", Outcome: "Yes"},
	}))

	got, err := mc.Get(ctx, asset)
	require.NoError(t, err)
	assert.Equal(t, "Will it rain?", got.Question)

	// Float-rounded id shares the prefix.
	got, err = mc.Get(ctx, "7.132104567925221e+76")
	require.NoError(t, err)
	assert.Equal(t, "Yes", got.Outcome)

	mr.FastForward(2 * time.Hour)
	_, err = mc.Get(ctx, asset)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHyperLogLog(t *testing.T) {
	_, c := setupTestRedis(t)
	ctx := context.Background()
	h := NewHyperLogLog(c)

	changed, err := h.Add(ctx, "hll:test", "0xaaa")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = h.Add(ctx, "hll:test", "0xaaa")
	require.NoError(t, err)
	assert.False(t, changed)
	_, err = h.Add(ctx, "hll:test", "0xbbb")
	require.NoError(t, err)

	n, err := h.Count(ctx, "hll:test")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestLockManager(t *testing.T) {
	_, c := setupTestRedis(t)
	ctx := context.Background()
	lm := NewLockManager(c)

	unlock, err := lm.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "sweep", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()

	unlock2, err := lm.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	unlock2()
}

func TestSignalBus_DurablePublish(t *testing.T) {
	_, c := setupTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewSignalBus(c, true)

	sub, err := bus.Subscribe(ctx, "trades.*")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, domain.TopicTradeInserted, []byte(`{"n":1}`)))

	select {
	case msg := <-sub:
		assert.Equal(t, `{"n":1}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	msgs, err := bus.StreamRead(ctx, StreamKey(domain.TopicTradeInserted), "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"n":1}`, string(msgs[0].Payload))

	empty, err := bus.StreamRead(ctx, "stream:none", "0", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRateLimiter(t *testing.T) {
	_, c := setupTestRedis(t)
	ctx := context.Background()
	rl := NewRateLimiter(c)

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "gamma", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "gamma", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	waitCtx, cancel := context.WithTimeout(ctx, 120*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Wait(waitCtx, "gamma", 3, time.Minute))
}
