package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a canonical trade from the trader's point of view.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Exchange tags the source contract a fill came from. The transform rules are
// identical across exchanges; the tag only travels with the trade.
type Exchange string

const (
	ExchangeCTF     Exchange = "ctf"
	ExchangeNegRisk Exchange = "neg_risk"
)

// Valid reports whether e is a known exchange tag.
func (e Exchange) Valid() bool {
	return e == ExchangeCTF || e == ExchangeNegRisk
}

// Epoch stands in for a missing block timestamp. Rows stamped with it expire
// on the first retention sweep and are ignored by first/last timestamp
// accumulators.
var Epoch = time.Unix(0, 0).UTC()

// IsEpoch reports whether t is the missing-timestamp sentinel.
func IsEpoch(t time.Time) bool {
	return !t.After(Epoch)
}

// CanonicalTrade is the single side-normalized record derived from one raw
// fill. Trader always comes from the raw maker field.
type CanonicalTrade struct {
	Exchange       Exchange        `json:"exchange"`
	Trader         string          `json:"trader"`
	Side           Side            `json:"side"`
	AssetID        string          `json:"asset_id"`
	Amount         decimal.Decimal `json:"amount"`
	Price          decimal.Decimal `json:"price"`
	USDCAmount     decimal.Decimal `json:"usdc_amount"`
	Fee            decimal.Decimal `json:"fee"`
	RawFee         string          `json:"raw_fee"`
	RawUSDCAmount  string          `json:"raw_usdc_amount"`
	OrderHash      string          `json:"order_hash"`
	TxHash         string          `json:"tx_hash"`
	BlockNumber    uint64          `json:"block_number"`
	BlockTimestamp time.Time       `json:"block_timestamp"`
	LogIndex       uint32          `json:"log_index"`
	Network        string          `json:"network"`
}

// TradeKey is the ledger uniqueness key.
type TradeKey struct {
	Trader      string
	BlockNumber uint64
	TxHash      string
	LogIndex    uint32
	Side        Side
}

// Key returns the ledger key of t.
func (t CanonicalTrade) Key() TradeKey {
	return TradeKey{
		Trader:      t.Trader,
		BlockNumber: t.BlockNumber,
		TxHash:      t.TxHash,
		LogIndex:    t.LogIndex,
		Side:        t.Side,
	}
}

// Version is the CAS key used by latest-price style accumulators.
func (t CanonicalTrade) Version() uint64 {
	return Version(t.BlockNumber, t.LogIndex)
}

// HasTimestamp reports whether the producer supplied a block timestamp.
func (t CanonicalTrade) HasTimestamp() bool {
	return !IsEpoch(t.BlockTimestamp)
}

// Day is the UTC calendar day the trade is bucketed into. Trades without a
// timestamp fall on 1970-01-01.
func (t CanonicalTrade) Day() time.Time {
	return TruncateDay(t.BlockTimestamp)
}

// TruncateDay returns midnight UTC of the day containing ts.
func TruncateDay(ts time.Time) time.Time {
	y, m, d := ts.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// HandlerID names one aggregate-update handler in the fan-out.
type HandlerID uint8

const (
	HandlerLatestPrice HandlerID = iota
	HandlerPosition
	HandlerGlobal
	HandlerPnlDaily
	HandlerAssetStatsDaily

	handlerCount
)

var handlerNames = [...]string{
	HandlerLatestPrice:     "latest_price",
	HandlerPosition:        "position",
	HandlerGlobal:          "global",
	HandlerPnlDaily:        "pnl_daily",
	HandlerAssetStatsDaily: "asset_stats_daily",
}

func (h HandlerID) String() string {
	if h >= handlerCount {
		return "unknown"
	}
	return handlerNames[h]
}

// Bit returns the HandlerSet bit for h.
func (h HandlerID) Bit() HandlerSet { return HandlerSet(1) << h }

// Handlers lists every handler in a fixed order.
func Handlers() []HandlerID {
	out := make([]HandlerID, 0, handlerCount)
	for h := HandlerID(0); h < handlerCount; h++ {
		out = append(out, h)
	}
	return out
}

// HandlerSet records which handlers have merged a ledger entry.
type HandlerSet uint8

// AllHandlers is the mask of a fully aggregated entry.
const AllHandlers = HandlerSet(1)<<handlerCount - 1

// Has reports whether h is in the set.
func (s HandlerSet) Has(h HandlerID) bool { return s&h.Bit() != 0 }

// With returns s plus h.
func (s HandlerSet) With(h HandlerID) HandlerSet { return s | h.Bit() }

// Complete reports whether every handler has been applied.
func (s HandlerSet) Complete() bool { return s&AllHandlers == AllHandlers }

// TradeState is the lifecycle state of a ledger entry.
type TradeState string

const (
	TradeReceived   TradeState = "received"
	TradeNormalized TradeState = "normalized"
	TradeAggregated TradeState = "aggregated"
	TradeEvicted    TradeState = "evicted"
)

// LedgerEntry is a canonical trade together with its aggregation progress.
// Fresh is set only on the write that created the row.
type LedgerEntry struct {
	Trade   CanonicalTrade
	Applied HandlerSet
	Fresh   bool
}

// State derives the lifecycle state of a stored entry.
func (e LedgerEntry) State() TradeState {
	if e.Applied.Complete() {
		return TradeAggregated
	}
	return TradeNormalized
}

// Claim identifies one handler's merge for one ledger entry. Stores apply a
// claim at most once.
type Claim struct {
	Key     TradeKey
	Handler HandlerID
}
