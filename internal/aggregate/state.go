package aggregate

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

// PositionState is the mergeable form of domain.TraderPosition.
type PositionState struct {
	BuyAmount  Sum
	SellAmount Sum
	BuyUSDC    Sum
	SellUSDC   Sum
	Volume     Sum
	Fee        Sum
	Trades     Count
	First      MinTime
	Last       MaxTime
}

// PositionDelta is the contribution of a single trade.
func PositionDelta(t domain.CanonicalTrade) PositionState {
	d := PositionState{
		Volume: SumOf(t.USDCAmount),
		Fee:    SumOf(t.Fee),
		Trades: 1,
		First:  MinOf(t.BlockTimestamp),
		Last:   MaxOf(t.BlockTimestamp),
	}
	if t.Side == domain.SideBuy {
		d.BuyAmount = SumOf(t.Amount)
		d.BuyUSDC = SumOf(t.USDCAmount)
	} else {
		d.SellAmount = SumOf(t.Amount)
		d.SellUSDC = SumOf(t.USDCAmount)
	}
	return d
}

func (p PositionState) Merge(o PositionState) PositionState {
	return PositionState{
		BuyAmount:  p.BuyAmount.Merge(o.BuyAmount),
		SellAmount: p.SellAmount.Merge(o.SellAmount),
		BuyUSDC:    p.BuyUSDC.Merge(o.BuyUSDC),
		SellUSDC:   p.SellUSDC.Merge(o.SellUSDC),
		Volume:     p.Volume.Merge(o.Volume),
		Fee:        p.Fee.Merge(o.Fee),
		Trades:     p.Trades.Merge(o.Trades),
		First:      p.First.Merge(o.First),
		Last:       p.Last.Merge(o.Last),
	}
}

// Row renders the state as a TraderPosition.
func (p PositionState) Row(key domain.PositionKey) domain.TraderPosition {
	return domain.TraderPosition{
		Trader:      key.Trader,
		AssetID:     key.AssetID,
		BuyAmount:   p.BuyAmount.Value,
		SellAmount:  p.SellAmount.Value,
		BuyUSDC:     p.BuyUSDC.Value,
		SellUSDC:    p.SellUSDC.Value,
		TotalVolume: p.Volume.Value,
		TotalFee:    p.Fee.Value,
		TradeCount:  int64(p.Trades),
		FirstTS:     p.First.T,
		LastTS:      p.Last.T,
	}
}

// PositionFromRow lifts a stored row back into a mergeable state.
func PositionFromRow(r domain.TraderPosition) PositionState {
	return PositionState{
		BuyAmount:  SumOf(r.BuyAmount),
		SellAmount: SumOf(r.SellAmount),
		BuyUSDC:    SumOf(r.BuyUSDC),
		SellUSDC:   SumOf(r.SellUSDC),
		Volume:     SumOf(r.TotalVolume),
		Fee:        SumOf(r.TotalFee),
		Trades:     Count(r.TradeCount),
		First:      MinTime{T: r.FirstTS},
		Last:       MaxTime{T: r.LastTS},
	}
}

// DailyState is the mergeable form of domain.PnlDaily.
type DailyState struct {
	Position  PositionState
	LastPrice Versioned[decimal.Decimal]
}

// DailyDelta is the contribution of a single trade to its day bucket.
func DailyDelta(t domain.CanonicalTrade) DailyState {
	return DailyState{
		Position:  PositionDelta(t),
		LastPrice: VersionedOf(t.Price, t.Version()),
	}
}

func (d DailyState) Merge(o DailyState) DailyState {
	return DailyState{
		Position:  d.Position.Merge(o.Position),
		LastPrice: d.LastPrice.Merge(o.LastPrice),
	}
}

func (d DailyState) Row(key domain.PnlDailyKey) domain.PnlDaily {
	p := d.Position
	return domain.PnlDaily{
		Trader:           key.Trader,
		Day:              key.Day,
		AssetID:          key.AssetID,
		BuyAmount:        p.BuyAmount.Value,
		SellAmount:       p.SellAmount.Value,
		BuyUSDC:          p.BuyUSDC.Value,
		SellUSDC:         p.SellUSDC.Value,
		Volume:           p.Volume.Value,
		Fee:              p.Fee.Value,
		TradeCount:       int64(p.Trades),
		FirstTS:          p.First.T,
		LastTS:           p.Last.T,
		LastPrice:        d.LastPrice.Value,
		LastPriceVersion: d.LastPrice.Version,
	}
}

// AssetDayState is the mergeable form of domain.AssetStatsDaily.
type AssetDayState struct {
	Volume      Sum
	TokenVolume Sum
	Trades      Count
	Traders     Distinct
	First       MinTime
	Last        MaxTime
	LastPrice   Versioned[decimal.Decimal]
}

// AssetDayDelta is the contribution of a single trade. A denied trader still
// counts as a trade and still moves the price, but adds neither volume nor a
// distinct trader.
func AssetDayDelta(t domain.CanonicalTrade, denied bool) AssetDayState {
	d := AssetDayState{
		Trades:    1,
		First:     MinOf(t.BlockTimestamp),
		Last:      MaxOf(t.BlockTimestamp),
		LastPrice: VersionedOf(t.Price, t.Version()),
	}
	if !denied {
		d.Volume = SumOf(t.USDCAmount)
		d.TokenVolume = SumOf(t.Amount)
		d.Traders = DistinctOf(t.Trader)
	}
	return d
}

func (a AssetDayState) Merge(o AssetDayState) AssetDayState {
	return AssetDayState{
		Volume:      a.Volume.Merge(o.Volume),
		TokenVolume: a.TokenVolume.Merge(o.TokenVolume),
		Trades:      a.Trades.Merge(o.Trades),
		Traders:     a.Traders.Merge(o.Traders),
		First:       a.First.Merge(o.First),
		Last:        a.Last.Merge(o.Last),
		LastPrice:   a.LastPrice.Merge(o.LastPrice),
	}
}

func (a AssetDayState) Row(key domain.AssetDayKey) domain.AssetStatsDaily {
	return domain.AssetStatsDaily{
		Day:              key.Day,
		AssetID:          key.AssetID,
		Volume:           a.Volume.Value,
		TokenVolume:      a.TokenVolume.Value,
		TradeCount:       int64(a.Trades),
		UniqueTraders:    a.Traders.Len(),
		FirstTS:          a.First.T,
		LastTS:           a.Last.T,
		LastPrice:        a.LastPrice.Value,
		LastPriceVersion: a.LastPrice.Version,
	}
}

// GlobalState is the mergeable form of domain.GlobalStats.
type GlobalState struct {
	Trades      Count
	Traders     Distinct
	LatestBlock MaxUint64
}

// GlobalDelta is the contribution of a single trade.
func GlobalDelta(t domain.CanonicalTrade, denied bool) GlobalState {
	g := GlobalState{
		Trades:      1,
		LatestBlock: MaxUint64(t.BlockNumber),
	}
	if !denied {
		g.Traders = DistinctOf(t.Trader)
	}
	return g
}

func (g GlobalState) Merge(o GlobalState) GlobalState {
	return GlobalState{
		Trades:      g.Trades.Merge(o.Trades),
		Traders:     g.Traders.Merge(o.Traders),
		LatestBlock: g.LatestBlock.Merge(o.LatestBlock),
	}
}

func (g GlobalState) Row() domain.GlobalStats {
	return domain.GlobalStats{
		TradeCount:    int64(g.Trades),
		UniqueTraders: g.Traders.Len(),
		LatestBlock:   uint64(g.LatestBlock),
	}
}

// LatestPriceDelta is the latest-price contribution of a single trade.
func LatestPriceDelta(t domain.CanonicalTrade) Versioned[decimal.Decimal] {
	return VersionedOf(t.Price, t.Version())
}
