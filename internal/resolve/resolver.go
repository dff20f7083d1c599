// Package resolve derives per-asset settlement prices from condition
// resolution events.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

// PricePrecision is the number of decimal places kept in a resolved price.
const PricePrecision = 10

// AssetLookup finds the outcome token ids of a condition, ordered by outcome
// index, when the event itself does not carry them.
type AssetLookup interface {
	AssetsForCondition(ctx context.Context, conditionID string) ([]string, error)
}

// Prices computes resolved_price = numerator[i] / sum(numerators) for each
// outcome slot. assets[i] is the token id of slot i.
func Prices(ev domain.ResolutionEvent, assets []string) ([]domain.ResolvedPrice, error) {
	if ev.ConditionID == "" {
		return nil, malformed(ev, "missing condition id")
	}
	if len(ev.PayoutNumerators) == 0 {
		return nil, malformed(ev, "no payout numerators")
	}
	if ev.OutcomeSlotCount != 0 && int(ev.OutcomeSlotCount) != len(ev.PayoutNumerators) {
		return nil, malformed(ev, "%d numerators for %d outcome slots", len(ev.PayoutNumerators), ev.OutcomeSlotCount)
	}
	if len(assets) != len(ev.PayoutNumerators) {
		return nil, malformed(ev, "%d asset ids for %d numerators", len(assets), len(ev.PayoutNumerators))
	}

	nums := make([]*big.Int, len(ev.PayoutNumerators))
	sum := new(big.Int)
	for i, s := range ev.PayoutNumerators {
		v, ok := math.ParseBig256(strings.TrimSpace(s))
		if !ok || v.Sign() < 0 || strings.TrimSpace(s) == "" {
			return nil, malformed(ev, "numerator %d %q", i, s)
		}
		nums[i] = v
		sum.Add(sum, v)
	}
	if sum.Sign() == 0 {
		return nil, malformed(ev, "payout numerators sum to zero")
	}

	denom := decimal.NewFromBigInt(sum, 0)
	out := make([]domain.ResolvedPrice, 0, len(nums))
	for i, n := range nums {
		if strings.TrimSpace(assets[i]) == "" {
			return nil, malformed(ev, "empty asset id for slot %d", i)
		}
		out = append(out, domain.ResolvedPrice{
			AssetID:       assets[i],
			ResolvedPrice: decimal.NewFromBigInt(n, 0).DivRound(denom, PricePrecision),
			ConditionID:   strings.ToLower(ev.ConditionID),
			BlockNumber:   ev.BlockNumber,
			Network:       ev.Network,
		})
	}
	return out, nil
}

// Resolver writes resolved prices idempotently, one row per asset.
type Resolver struct {
	store  domain.ResolvedPriceStore
	lookup AssetLookup
	logger *slog.Logger
}

// NewResolver creates a Resolver. lookup may be nil, in which case events
// must carry their asset ids.
func NewResolver(store domain.ResolvedPriceStore, lookup AssetLookup, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		lookup: lookup,
		logger: logger.With(slog.String("component", "resolver")),
	}
}

// Resolve upserts the prices of every outcome of ev and returns the rows that
// were newly inserted. Re-resolving the same event is a no-op.
func (r *Resolver) Resolve(ctx context.Context, ev domain.ResolutionEvent) ([]domain.ResolvedPrice, error) {
	assets := ev.AssetIDs
	if len(assets) == 0 {
		if r.lookup == nil {
			return nil, malformed(ev, "no asset ids and no lookup")
		}
		found, err := r.lookup.AssetsForCondition(ctx, ev.ConditionID)
		if err != nil {
			return nil, fmt.Errorf("resolve: lookup assets for %s: %w", ev.ConditionID, err)
		}
		assets = found
	}

	prices, err := Prices(ev, assets)
	if err != nil {
		return nil, err
	}

	var inserted []domain.ResolvedPrice
	for _, rp := range prices {
		fresh, err := r.store.Upsert(ctx, rp)
		if err != nil {
			return inserted, fmt.Errorf("resolve: upsert %s: %w", rp.AssetID, err)
		}
		if fresh {
			inserted = append(inserted, rp)
		}
	}
	r.logger.DebugContext(ctx, "condition resolved",
		slog.String("condition_id", ev.ConditionID),
		slog.Int("outcomes", len(prices)),
		slog.Int("inserted", len(inserted)),
	)
	return inserted, nil
}

func malformed(ev domain.ResolutionEvent, format string, args ...any) error {
	return fmt.Errorf("%w: resolution tx %s log %d: %s", domain.ErrMalformedEvent,
		ev.TxHash, ev.LogIndex, fmt.Sprintf(format, args...))
}
