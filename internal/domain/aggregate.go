package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TraderPosition is the running per-trader, per-asset position. FirstTS and
// LastTS are zero until a trade with a real timestamp contributes.
type TraderPosition struct {
	Trader      string          `json:"trader"`
	AssetID     string          `json:"asset_id"`
	BuyAmount   decimal.Decimal `json:"buy_amount"`
	SellAmount  decimal.Decimal `json:"sell_amount"`
	BuyUSDC     decimal.Decimal `json:"buy_usdc"`
	SellUSDC    decimal.Decimal `json:"sell_usdc"`
	TotalVolume decimal.Decimal `json:"total_volume"`
	TotalFee    decimal.Decimal `json:"total_fee"`
	TradeCount  int64           `json:"trade_count"`
	FirstTS     time.Time       `json:"first_ts"`
	LastTS      time.Time       `json:"last_ts"`
}

// NetAmount is buy_amount - sell_amount.
func (p TraderPosition) NetAmount() decimal.Decimal {
	return p.BuyAmount.Sub(p.SellAmount)
}

// CashFlow is sell_usdc - buy_usdc.
func (p TraderPosition) CashFlow() decimal.Decimal {
	return p.SellUSDC.Sub(p.BuyUSDC)
}

// AssetLatestPrice is the version-gated last traded price of an asset.
type AssetLatestPrice struct {
	AssetID     string          `json:"asset_id"`
	LatestPrice decimal.Decimal `json:"latest_price"`
	Version     uint64          `json:"version"`
}

// GlobalStats is the singleton exchange-wide rollup.
type GlobalStats struct {
	TradeCount    int64  `json:"trade_count"`
	UniqueTraders int64  `json:"unique_traders"`
	LatestBlock   uint64 `json:"latest_block"`
}

// PnlDaily is one trader's activity in one asset on one UTC day.
type PnlDaily struct {
	Trader           string          `json:"trader"`
	Day              time.Time       `json:"day"`
	AssetID          string          `json:"asset_id"`
	BuyAmount        decimal.Decimal `json:"buy_amount"`
	SellAmount       decimal.Decimal `json:"sell_amount"`
	BuyUSDC          decimal.Decimal `json:"buy_usdc"`
	SellUSDC         decimal.Decimal `json:"sell_usdc"`
	Volume           decimal.Decimal `json:"volume"`
	Fee              decimal.Decimal `json:"fee"`
	TradeCount       int64           `json:"trade_count"`
	FirstTS          time.Time       `json:"first_ts"`
	LastTS           time.Time       `json:"last_ts"`
	LastPrice        decimal.Decimal `json:"last_price"`
	LastPriceVersion uint64          `json:"last_price_version"`
}

// AssetStatsDaily is the per-asset activity rollup for one UTC day.
// UniqueTraders and Volume exclude deny-listed traders.
type AssetStatsDaily struct {
	Day              time.Time       `json:"day"`
	AssetID          string          `json:"asset_id"`
	Volume           decimal.Decimal `json:"volume"`
	TokenVolume      decimal.Decimal `json:"token_volume"`
	TradeCount       int64           `json:"trade_count"`
	UniqueTraders    int64           `json:"unique_traders"`
	FirstTS          time.Time       `json:"first_ts"`
	LastTS           time.Time       `json:"last_ts"`
	LastPrice        decimal.Decimal `json:"last_price"`
	LastPriceVersion uint64          `json:"last_price_version"`
}

// ResolvedPrice is the settlement price of one outcome token.
type ResolvedPrice struct {
	AssetID       string          `json:"asset_id"`
	ResolvedPrice decimal.Decimal `json:"resolved_price"`
	ConditionID   string          `json:"condition_id"`
	BlockNumber   uint64          `json:"block_number"`
	Network       string          `json:"network"`
}

// PositionKey identifies a TraderPosition row.
type PositionKey struct {
	Trader  string
	AssetID string
}

// PnlDailyKey identifies a PnlDaily row.
type PnlDailyKey struct {
	Trader  string
	Day     time.Time
	AssetID string
}

// AssetDayKey identifies an AssetStatsDaily row.
type AssetDayKey struct {
	Day     time.Time
	AssetID string
}
