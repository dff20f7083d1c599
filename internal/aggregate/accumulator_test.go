package aggregate

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

func makeTrade(i int, side domain.Side, amount, usdc string) domain.CanonicalTrade {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour)
	amt := decimal.RequireFromString(amount)
	u := decimal.RequireFromString(usdc)
	return domain.CanonicalTrade{
		Exchange:       domain.ExchangeCTF,
		Trader:         "0x1111111111111111111111111111111111111111",
		Side:           side,
		AssetID:        "42",
		Amount:         amt,
		USDCAmount:     u,
		Price:          u.DivRound(amt, 10),
		Fee:            decimal.Zero,
		TxHash:         fmt.Sprintf("0x%02x", i),
		BlockNumber:    uint64(1000 + i),
		BlockTimestamp: ts,
		LogIndex:       uint32(i % 3),
		Network:        domain.NetworkPolygon,
	}
}

func history(n int) []domain.CanonicalTrade {
	out := make([]domain.CanonicalTrade, 0, n)
	for i := 0; i < n; i++ {
		side := domain.SideBuy
		if i%3 == 0 {
			side = domain.SideSell
		}
		out = append(out, makeTrade(i, side, fmt.Sprintf("%d.5", i+1), fmt.Sprintf("%d.25", i)))
	}
	return out
}

func foldPositions(trades []domain.CanonicalTrade) PositionState {
	var s PositionState
	for _, t := range trades {
		s = s.Merge(PositionDelta(t))
	}
	return s
}

func TestPositionMergeIsPartitionIndependent(t *testing.T) {
	trades := history(40)
	key := domain.PositionKey{Trader: trades[0].Trader, AssetID: "42"}
	want := foldPositions(trades).Row(key)

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		var left, right []domain.CanonicalTrade
		for _, tr := range trades {
			if rng.Intn(2) == 0 {
				left = append(left, tr)
			} else {
				right = append(right, tr)
			}
		}
		got := foldPositions(left).Merge(foldPositions(right)).Row(key)
		swapped := foldPositions(right).Merge(foldPositions(left)).Row(key)

		assertPositionEqual(t, want, got)
		assertPositionEqual(t, want, swapped)
	}
}

func assertPositionEqual(t *testing.T, want, got domain.TraderPosition) {
	t.Helper()
	assert.True(t, want.BuyAmount.Equal(got.BuyAmount), "buy_amount")
	assert.True(t, want.SellAmount.Equal(got.SellAmount), "sell_amount")
	assert.True(t, want.BuyUSDC.Equal(got.BuyUSDC), "buy_usdc")
	assert.True(t, want.SellUSDC.Equal(got.SellUSDC), "sell_usdc")
	assert.True(t, want.TotalVolume.Equal(got.TotalVolume), "total_volume")
	assert.Equal(t, want.TradeCount, got.TradeCount)
	assert.True(t, want.FirstTS.Equal(got.FirstTS))
	assert.True(t, want.LastTS.Equal(got.LastTS))
}

func TestMinMaxIgnoreEpoch(t *testing.T) {
	ts := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	lo := MinOf(domain.Epoch).Merge(MinOf(ts)).Merge(MinOf(domain.Epoch))
	hi := MaxOf(ts).Merge(MaxOf(domain.Epoch))
	assert.True(t, lo.T.Equal(ts))
	assert.True(t, hi.T.Equal(ts))

	assert.True(t, MinOf(domain.Epoch).Merge(MinOf(domain.Epoch)).T.IsZero())
}

func TestVersionedOrderIndependent(t *testing.T) {
	obs := []Versioned[decimal.Decimal]{
		VersionedOf(decimal.RequireFromString("0.41"), domain.Version(100, 2)),
		VersionedOf(decimal.RequireFromString("0.55"), domain.Version(101, 0)),
		VersionedOf(decimal.RequireFromString("0.47"), domain.Version(100, 9)),
	}
	perms := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 0, 2}, {2, 0, 1}}
	for _, p := range perms {
		var v Versioned[decimal.Decimal]
		for _, i := range p {
			v = v.Merge(obs[i])
		}
		require.True(t, v.Set)
		assert.Equal(t, "0.55", v.Value.String())
		assert.Equal(t, domain.Version(101, 0), v.Version)
	}
}

func TestVersionedRejectsEqualOrLower(t *testing.T) {
	v := VersionedOf(decimal.NewFromInt(1), 500)
	assert.False(t, v.Accepts(500))
	assert.False(t, v.Accepts(499))
	assert.True(t, v.Accepts(501))
	assert.True(t, Versioned[decimal.Decimal]{}.Accepts(0))
}

func TestDistinctMergeDoesNotAlias(t *testing.T) {
	a := DistinctOf("x")
	b := DistinctOf("y", "x")
	m := a.Merge(b)
	assert.Equal(t, int64(2), m.Len())
	assert.Equal(t, int64(1), a.Len())
}

func TestAssetDayDeltaDenied(t *testing.T) {
	tr := makeTrade(1, domain.SideBuy, "10", "4")
	d := AssetDayDelta(tr, true)
	assert.Equal(t, Count(1), d.Trades)
	assert.True(t, d.Volume.Value.IsZero())
	assert.Equal(t, int64(0), d.Traders.Len())
	assert.True(t, d.LastPrice.Set)
}
