package aggregate

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

// PnL is the mark-to-market profit of a position:
//
//	(sell_usdc - buy_usdc) + (buy_amount - sell_amount) * mark
//
// where mark is the resolved price when the market has settled and the
// latest traded price otherwise. A closed position (buy_amount ==
// sell_amount) yields exactly its cash flow whatever the mark.
func PnL(pos domain.TraderPosition, latest decimal.Decimal, resolved *decimal.Decimal) decimal.Decimal {
	mark := latest
	if resolved != nil {
		mark = *resolved
	}
	net := pos.NetAmount()
	if net.IsZero() {
		return pos.CashFlow()
	}
	return pos.CashFlow().Add(net.Mul(mark))
}

// TraderPnL sums PnL over a trader's positions. Prices are looked up per
// asset; a missing latest price marks the open amount at zero.
func TraderPnL(positions []domain.TraderPosition, latest map[string]decimal.Decimal, resolved map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		var rp *decimal.Decimal
		if v, ok := resolved[p.AssetID]; ok {
			rp = &v
		}
		total = total.Add(PnL(p, latest[p.AssetID], rp))
	}
	return total
}

// RankByPnL groups positions by trader and returns up to limit traders by
// TraderPnL, highest first. Ties break on address so the order is stable.
func RankByPnL(positions []domain.TraderPosition, latest, resolved map[string]decimal.Decimal, limit int, exclude []string) []string {
	skip := make(map[string]struct{}, len(exclude))
	for _, a := range exclude {
		skip[a] = struct{}{}
	}
	byTrader := make(map[string][]domain.TraderPosition)
	for _, p := range positions {
		if _, ok := skip[p.Trader]; ok {
			continue
		}
		byTrader[p.Trader] = append(byTrader[p.Trader], p)
	}

	type ranked struct {
		trader string
		pnl    decimal.Decimal
	}
	all := make([]ranked, 0, len(byTrader))
	for trader, ps := range byTrader {
		all = append(all, ranked{trader: trader, pnl: TraderPnL(ps, latest, resolved)})
	}
	sort.Slice(all, func(i, j int) bool {
		if c := all[i].pnl.Cmp(all[j].pnl); c != 0 {
			return c > 0
		}
		return all[i].trader < all[j].trader
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]string, len(all))
	for i, r := range all {
		out[i] = r.trader
	}
	return out
}
