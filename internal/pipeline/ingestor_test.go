package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

func TestIngestFills(t *testing.T) {
	ctx := context.Background()

	t.Run("counts every outcome", func(t *testing.T) {
		h := newHarness(t)
		good := buyFill(traderA, 100, 1, "50000000", day0)
		swap := buyFill(traderA, 101, 1, "50000000", day0)
		swap.MakerAssetID = "123"
		bad := buyFill("not-an-address", 102, 1, "50000000", day0)

		stats, err := h.ingestor.IngestFills(ctx, []domain.RawFillEvent{good, swap, bad})
		require.NoError(t, err)
		assert.EqualValues(t, 3, stats.Received)
		assert.EqualValues(t, 1, stats.Inserted)
		assert.EqualValues(t, 1, stats.Filtered)
		assert.EqualValues(t, 1, stats.Malformed)
		assert.EqualValues(t, 5, stats.Merged)
		assert.Zero(t, stats.Incomplete)

		pos := h.position(t, traderA)
		assert.EqualValues(t, 1, pos.TradeCount)
		assert.True(t, pos.BuyUSDC.Equal(decimal.NewFromInt(50)))
	})

	t.Run("redelivery is a no-op", func(t *testing.T) {
		h := newHarness(t)
		batch := []domain.RawFillEvent{buyFill(traderA, 100, 1, "50000000", day0)}

		_, err := h.ingestor.IngestFills(ctx, batch)
		require.NoError(t, err)
		stats, err := h.ingestor.IngestFills(ctx, batch)
		require.NoError(t, err)

		assert.EqualValues(t, 0, stats.Inserted)
		assert.EqualValues(t, 1, stats.Duplicate)
		assert.EqualValues(t, 0, stats.Merged)
		assert.EqualValues(t, 1, h.position(t, traderA).TradeCount)
		assert.Len(t, h.triggers.trades, 1)

		g, err := h.store.Global(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, g.TradeCount)
	})

	t.Run("trader is never the exchange contract", func(t *testing.T) {
		h := newHarness(t)
		// Taker-summary row: maker is the real taker, taker is the exchange.
		summary := buyFill(traderB, 200, 3, "40000000", day0)
		_, err := h.ingestor.IngestFills(ctx, []domain.RawFillEvent{summary})
		require.NoError(t, err)

		trades, err := h.store.ListByTrader(ctx, traderB, domain.ListOpts{})
		require.NoError(t, err)
		require.Len(t, trades, 1)
		assert.NotEqual(t, strings.ToLower(domain.CTFExchangeAddress), trades[0].Trader)

		none, err := h.store.ListByTrader(ctx, strings.ToLower(domain.CTFExchangeAddress), domain.ListOpts{})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("raw events land in the canonical store", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.ingestor.IngestFills(ctx, []domain.RawFillEvent{buyFill(traderA, 100, 1, "50000000", day0)})
		require.NoError(t, err)

		var seen int
		err = h.raw.ScanFills(ctx, domain.CanonicalNamespace,
			domain.BlockRange{Network: domain.NetworkPolygon, From: 0, To: 1000},
			func(ex domain.Exchange, _ domain.RawFillEvent) error {
				assert.Equal(t, domain.ExchangeCTF, ex)
				seen++
				return nil
			})
		require.NoError(t, err)
		assert.Equal(t, 1, seen)
	})
}

func TestIngestResolutions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	ev := domain.ResolutionEvent{
		ConditionID:      "0xcond",
		OutcomeSlotCount: 2,
		PayoutNumerators: []string{"1", "0"},
		AssetIDs:         []string{"yes", "no"},
		TxHash:           "0xres",
		BlockNumber:      500,
		Network:          domain.NetworkPolygon,
	}
	stats, err := h.ingestor.IngestResolutions(ctx, []domain.ResolutionEvent{ev})
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.ResolvedInserted)
	assert.Len(t, h.triggers.resolved, 2)

	stats, err = h.ingestor.IngestResolutions(ctx, []domain.ResolutionEvent{ev})
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.ResolvedInserted)

	rp, err := h.resolved.Get(ctx, "yes")
	require.NoError(t, err)
	assert.True(t, rp.ResolvedPrice.Equal(decimal.NewFromInt(1)))

	t.Run("tokens from the catalog", func(t *testing.T) {
		_, err := h.markets.UpsertBatch(ctx, []domain.MarketInfo{
			{AssetID: "111", ConditionID: "0xother", OutcomeIndex: 0, UpdatedAt: day0},
			{AssetID: "222", ConditionID: "0xother", OutcomeIndex: 1, UpdatedAt: day0},
		})
		require.NoError(t, err)
		other := ev
		other.ConditionID, other.AssetIDs, other.TxHash = "0xother", nil, "0xres2"
		other.PayoutNumerators = []string{"0", "1"}

		stats, err := h.ingestor.IngestResolutions(ctx, []domain.ResolutionEvent{other})
		require.NoError(t, err)
		assert.EqualValues(t, 2, stats.ResolvedInserted)
		rp, err := h.resolved.Get(ctx, "222")
		require.NoError(t, err)
		assert.True(t, rp.ResolvedPrice.Equal(decimal.NewFromInt(1)))
	})

	t.Run("unknown condition waits", func(t *testing.T) {
		unknown := ev
		unknown.ConditionID, unknown.AssetIDs, unknown.TxHash = "0xnowhere", nil, "0xres3"
		stats, err := h.ingestor.IngestResolutions(ctx, []domain.ResolutionEvent{unknown})
		require.NoError(t, err)
		assert.EqualValues(t, 1, stats.Unresolved)
	})

	t.Run("pending condition resolves once the catalog knows it", func(t *testing.T) {
		late := ev
		late.ConditionID, late.AssetIDs, late.TxHash = "0xlater", nil, "0xres5"
		stats, err := h.ingestor.IngestResolutions(ctx, []domain.ResolutionEvent{late})
		require.NoError(t, err)
		require.EqualValues(t, 1, stats.Unresolved)

		_, err = h.markets.UpsertBatch(ctx, []domain.MarketInfo{
			{AssetID: "901", ConditionID: "0xlater", OutcomeIndex: 0},
			{AssetID: "902", ConditionID: "0xlater", OutcomeIndex: 1},
		})
		require.NoError(t, err)

		stats, err = h.ingestor.RetryUnresolved(ctx, domain.NetworkPolygon)
		require.NoError(t, err)
		assert.EqualValues(t, 2, stats.ResolvedInserted)
		assert.EqualValues(t, 1, stats.Unresolved, "0xnowhere is still unknown")
		rp, err := h.resolved.Get(ctx, "901")
		require.NoError(t, err)
		assert.Equal(t, "0xlater", rp.ConditionID)

		stats, err = h.ingestor.RetryUnresolved(ctx, domain.NetworkPolygon)
		require.NoError(t, err)
		assert.Zero(t, stats.ResolvedInserted, "already priced")
	})

	t.Run("malformed is counted", func(t *testing.T) {
		bad := ev
		bad.TxHash, bad.AssetIDs = "0xres4", []string{"only-one"}
		stats, err := h.ingestor.IngestResolutions(ctx, []domain.ResolutionEvent{bad})
		require.NoError(t, err)
		assert.EqualValues(t, 1, stats.Malformed)
	})
}

func TestReplayFillsLengthMismatch(t *testing.T) {
	h := newHarness(t)
	_, err := h.ingestor.ReplayFills(context.Background(), nil, []domain.RawFillEvent{buyFill(traderA, 1, 1, "1", day0)})
	require.Error(t, err)
}
