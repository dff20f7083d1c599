package alert

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polydearboard/internal/aggregate"
	"github.com/alanyoungcy/polydearboard/internal/domain"
)

// DefaultWhaleThresholdRaw is 25,000 USDC in 6-decimal base units.
const DefaultWhaleThresholdRaw = 25_000_000_000

// DefaultLiveWindow is how far a block timestamp may be from the clock for a
// trade to still count as live.
const DefaultLiveWindow = 5 * time.Minute

// MarketLookup resolves display metadata for an outcome token. Misses are
// normal.
type MarketLookup interface {
	Lookup(ctx context.Context, assetID string) (domain.MarketInfo, bool)
}

// TradeInserted is published for every newly created ledger entry.
type TradeInserted struct {
	Trade domain.CanonicalTrade `json:"trade"`
}

// ResolvedInserted is published for every newly created resolved price.
type ResolvedInserted struct {
	domain.ResolvedPrice
	Question string `json:"question,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

// WhaleTrade is published for a fresh trade whose USDC leg crosses the
// threshold.
type WhaleTrade struct {
	Timestamp   time.Time       `json:"timestamp"`
	Exchange    domain.Exchange `json:"exchange"`
	Side        domain.Side     `json:"side"`
	Trader      string          `json:"trader"`
	AssetID     string          `json:"asset_id"`
	USDCAmount  decimal.Decimal `json:"usdc_amount"`
	TokenAmount decimal.Decimal `json:"token_amount"`
	Price       decimal.Decimal `json:"price"`
	TxHash      string          `json:"tx_hash"`
	BlockNumber uint64          `json:"block_number"`
	Question    string          `json:"question,omitempty"`
	Outcome     string          `json:"outcome,omitempty"`
	Category    string          `json:"category,omitempty"`
}

// TriggerConfig configures Triggers.
type TriggerConfig struct {
	WhaleThresholdRaw  uint64
	ConvergenceEnabled bool
	Convergence        ConvergenceConfig
	// SmartMoney is the trader set convergence watches. Convergence stays
	// off without one.
	SmartMoney *SmartMoney
	// LiveWindow suppresses whale and convergence triggers for trades whose
	// block timestamp is at least this far from now, so replays and
	// backfills do not raise them. Trades without a timestamp count as live.
	LiveWindow time.Duration
}

// Triggers turns pipeline writes into published trigger payloads. All calls
// are non-blocking; payloads are built and enriched on the dispatcher
// goroutine.
type Triggers struct {
	dispatcher  *Dispatcher
	deny        *aggregate.DenyList
	lookup      MarketLookup
	whale       *big.Int
	convergence *ConvergenceDetector
	smart       *SmartMoney
	liveWindow  time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// NewTriggers wires the trigger rules. lookup and deny may be nil.
func NewTriggers(d *Dispatcher, cfg TriggerConfig, deny *aggregate.DenyList, lookup MarketLookup, logger *slog.Logger) *Triggers {
	threshold := cfg.WhaleThresholdRaw
	if threshold == 0 {
		threshold = DefaultWhaleThresholdRaw
	}
	live := cfg.LiveWindow
	if live <= 0 {
		live = DefaultLiveWindow
	}
	t := &Triggers{
		dispatcher: d,
		deny:       deny,
		lookup:     lookup,
		whale:      new(big.Int).SetUint64(threshold),
		smart:      cfg.SmartMoney,
		liveWindow: live,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "triggers")),
	}
	switch {
	case cfg.ConvergenceEnabled && cfg.SmartMoney != nil:
		t.convergence = NewConvergenceDetector(cfg.Convergence)
	case cfg.ConvergenceEnabled:
		t.logger.Warn("convergence enabled without a smart money set; convergence is off")
	}
	return t
}

// Live reports whether trade is recent enough to raise derived triggers.
func (t *Triggers) Live(trade domain.CanonicalTrade) bool {
	if !trade.HasTimestamp() {
		return true
	}
	d := t.now().Sub(trade.BlockTimestamp)
	if d < 0 {
		d = -d
	}
	return d < t.liveWindow
}

// IsWhale reports whether the raw USDC leg of trade is at least threshold.
func IsWhale(trade domain.CanonicalTrade, threshold *big.Int) bool {
	raw, ok := new(big.Int).SetString(trade.RawUSDCAmount, 10)
	if !ok {
		return false
	}
	return raw.Cmp(threshold) >= 0
}

// TradeInserted fires the insert trigger for every fresh ledger entry and,
// for live qualifying trades, the whale and convergence triggers.
func (t *Triggers) TradeInserted(ctx context.Context, entry domain.LedgerEntry) {
	if !entry.Fresh {
		return
	}
	trade := entry.Trade
	t.dispatcher.Enqueue(domain.TopicTradeInserted, func(context.Context) any {
		return TradeInserted{Trade: trade}
	})

	if !t.Live(trade) {
		return
	}
	if IsWhale(trade, t.whale) {
		t.logger.InfoContext(ctx, "whale trade",
			slog.String("trader", trade.Trader),
			slog.String("asset_id", trade.AssetID),
			slog.String("usdc", trade.USDCAmount.String()),
		)
		t.dispatcher.Enqueue(domain.TopicWhaleTrade, func(ctx context.Context) any {
			w := whaleOf(trade)
			if m, ok := t.market(ctx, trade.AssetID); ok {
				w.Question, w.Outcome, w.Category = m.Question, m.Outcome, m.Category
			}
			return w
		})
	}

	if t.convergence == nil || t.deny.Denied(trade.Network, trade.Trader) || !t.smart.Contains(trade.Trader) {
		return
	}
	if c, ok := t.convergence.Observe(trade); ok {
		t.dispatcher.Enqueue(domain.TopicConvergence, func(ctx context.Context) any {
			if m, ok := t.market(ctx, c.AssetID); ok {
				c.Question, c.Outcome = m.Question, m.Outcome
			}
			return c
		})
	}
}

// ResolvedInserted fires the resolution trigger for a newly stored price.
func (t *Triggers) ResolvedInserted(_ context.Context, rp domain.ResolvedPrice) {
	t.dispatcher.Enqueue(domain.TopicResolvedInserted, func(ctx context.Context) any {
		out := ResolvedInserted{ResolvedPrice: rp}
		if m, ok := t.market(ctx, rp.AssetID); ok {
			out.Question, out.Outcome = m.Question, m.Outcome
		}
		return out
	})
}

// RefreshSmartMoney re-ranks the watched traders when the ranking is stale.
func (t *Triggers) RefreshSmartMoney(ctx context.Context) error {
	if t.convergence == nil {
		return nil
	}
	return t.smart.RefreshIfStale(ctx)
}

// SmartMoneySize returns the size of the watched trader set.
func (t *Triggers) SmartMoneySize() int { return t.smart.Size() }

// Sweep expires idle convergence windows.
func (t *Triggers) Sweep(now time.Time) int {
	if t.convergence == nil {
		return 0
	}
	return t.convergence.Sweep(now)
}

func (t *Triggers) market(ctx context.Context, assetID string) (domain.MarketInfo, bool) {
	if t.lookup == nil {
		return domain.MarketInfo{}, false
	}
	return t.lookup.Lookup(ctx, assetID)
}

func whaleOf(trade domain.CanonicalTrade) WhaleTrade {
	return WhaleTrade{
		Timestamp:   trade.BlockTimestamp,
		Exchange:    trade.Exchange,
		Side:        trade.Side,
		Trader:      trade.Trader,
		AssetID:     trade.AssetID,
		USDCAmount:  trade.USDCAmount,
		TokenAmount: trade.Amount,
		Price:       trade.Price,
		TxHash:      trade.TxHash,
		BlockNumber: trade.BlockNumber,
	}
}
