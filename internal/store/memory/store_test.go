package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polydearboard/internal/aggregate"
	"github.com/alanyoungcy/polydearboard/internal/domain"
	"github.com/alanyoungcy/polydearboard/internal/normalize"
)

const (
	trader = "0x1111111111111111111111111111111111111111"
	asset  = "987654321987654321"
)

func fill(block uint64, logIdx uint32, ts *time.Time) domain.RawFillEvent {
	return domain.RawFillEvent{
		ContractAddress:   domain.CTFExchangeAddress,
		Maker:             trader,
		Taker:             "0x2222222222222222222222222222222222222222",
		MakerAssetID:      "0",
		TakerAssetID:      asset,
		MakerAmountFilled: "50000000",
		TakerAmountFilled: "100000000",
		TxHash:            "0xfeed",
		BlockNumber:       block,
		BlockTimestamp:    ts,
		Network:           domain.NetworkPolygon,
		LogIndex:          logIdx,
	}
}

func ingest(t *testing.T, s *Store, f *aggregate.FanOut, ev domain.RawFillEvent) domain.LedgerEntry {
	t.Helper()
	ctx := context.Background()
	tr, res, err := normalize.Normalize(domain.ExchangeCTF, ev)
	require.NoError(t, err)
	require.Equal(t, normalize.Emitted, res)
	entry, err := s.Upsert(ctx, tr)
	require.NoError(t, err)
	_, err = f.Apply(ctx, entry)
	require.NoError(t, err)
	return entry
}

func TestDuplicateDeliveryCountsOnce(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	f := aggregate.NewFanOut(s, nil)
	ts := time.Now().UTC().Add(-time.Hour)

	first := ingest(t, s, f, fill(100, 3, &ts))
	second := ingest(t, s, f, fill(100, 3, &ts))
	assert.True(t, first.Fresh)
	assert.False(t, second.Fresh)
	assert.True(t, second.Applied.Complete())

	assert.Equal(t, 1, s.Len())
	pos, err := s.Position(ctx, domain.PositionKey{Trader: trader, AssetID: asset})
	require.NoError(t, err)
	assert.Equal(t, int64(1), pos.TradeCount)
	assert.Equal(t, "100", pos.BuyAmount.String())
	assert.Equal(t, "50", pos.BuyUSDC.String())

	g, err := s.Global(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), g.TradeCount)
	assert.Equal(t, int64(1), g.UniqueTraders)
	assert.Equal(t, uint64(100), g.LatestBlock)
}

func TestEvictionKeepsAggregates(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	f := aggregate.NewFanOut(s, nil)
	old := time.Now().UTC().Add(-5 * 24 * time.Hour)
	recent := time.Now().UTC().Add(-time.Hour)

	ingest(t, s, f, fill(100, 1, &old))
	ingest(t, s, f, fill(200, 1, &recent))
	ingest(t, s, f, fill(300, 1, nil))

	cutoff := time.Now().UTC().Add(-3 * 24 * time.Hour)
	n, err := s.EvictBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "old and missing-timestamp rows expire")

	trades, err := s.ListByTrader(ctx, trader, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, uint64(200), trades[0].BlockNumber)

	pos, err := s.Position(ctx, domain.PositionKey{Trader: trader, AssetID: asset})
	require.NoError(t, err)
	assert.Equal(t, int64(3), pos.TradeCount)
	assert.True(t, pos.FirstTS.Equal(old.Truncate(0)), "epoch row ignored for first_ts")

	day, err := s.PnlDaily(ctx, domain.PnlDailyKey{Trader: trader, Day: domain.TruncateDay(old), AssetID: asset})
	require.NoError(t, err)
	assert.Equal(t, int64(1), day.TradeCount)
}

func TestEvictionSkipsIncompleteRows(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	old := time.Now().UTC().Add(-10 * 24 * time.Hour)
	tr, _, err := normalize.Normalize(domain.ExchangeCTF, fill(10, 0, &old))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, tr)
	require.NoError(t, err)

	n, err := s.EvictBefore(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	listed, err := s.ListBefore(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestClaimRequiresLedgerRow(t *testing.T) {
	s := NewStore()
	c := domain.Claim{Key: domain.TradeKey{Trader: trader}, Handler: domain.HandlerPosition}
	ok, err := s.MergePosition(context.Background(), c, domain.PositionKey{Trader: trader}, aggregate.PositionState{Trades: 1})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLatestPriceByVersion(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	f := aggregate.NewFanOut(s, nil)
	ts := time.Now().UTC()

	later := fill(500, 9, &ts)
	later.MakerAmountFilled = "70000000"
	earlier := fill(500, 2, &ts)

	ingest(t, s, f, later)
	ingest(t, s, f, earlier)

	lp, err := s.LatestPrice(ctx, asset)
	require.NoError(t, err)
	assert.Equal(t, domain.Version(500, 9), lp.Version)
	assert.Equal(t, "0.7", lp.LatestPrice.String())

	stats, err := s.AssetStatsDaily(ctx, domain.AssetDayKey{Day: domain.TruncateDay(ts), AssetID: asset})
	require.NoError(t, err)
	assert.Equal(t, "0.7", stats.LastPrice.String())
	assert.Equal(t, int64(2), stats.TradeCount)
	assert.Equal(t, int64(1), stats.UniqueTraders)
}

func TestTopTradersByPnL(t *testing.T) {
	ctx := context.Background()
	resolved := NewResolvedPriceStore()
	s := NewStore().WithResolved(resolved)
	f := aggregate.NewFanOut(s, nil)
	ts := time.Now().UTC()
	const other = "0x3333333333333333333333333333333333333333"

	cheap := fill(100, 1, &ts)
	cheap.MakerAmountFilled = "20000000"
	ingest(t, s, f, cheap)
	late := fill(101, 1, &ts)
	late.Maker, late.TxHash = other, "0xbeef"
	ingest(t, s, f, late)

	// latest price 0.5: trader -20 + 50 = 30, other -50 + 50 = 0
	top, err := s.TopTradersByPnL(ctx, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{trader, other}, top)

	// settled at 0: trader -20, other -50
	_, err = resolved.Upsert(ctx, domain.ResolvedPrice{AssetID: asset, BlockNumber: 200})
	require.NoError(t, err)
	top, err = s.TopTradersByPnL(ctx, 1, []string{trader})
	require.NoError(t, err)
	assert.Equal(t, []string{other}, top)
}
