package memory

import (
	"context"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

var _ domain.ResolvedPriceStore = (*ResolvedPriceStore)(nil)

// ResolvedPriceStore keeps one settlement price per asset.
type ResolvedPriceStore struct {
	rows *xsync.Map[string, domain.ResolvedPrice]
}

func NewResolvedPriceStore() *ResolvedPriceStore {
	return &ResolvedPriceStore{rows: xsync.NewMap[string, domain.ResolvedPrice]()}
}

// Upsert replaces a row only with one from the same or a later block.
func (s *ResolvedPriceStore) Upsert(_ context.Context, rp domain.ResolvedPrice) (bool, error) {
	fresh := false
	s.rows.Compute(rp.AssetID, func(old domain.ResolvedPrice, loaded bool) (domain.ResolvedPrice, xsync.ComputeOp) {
		if !loaded {
			fresh = true
			return rp, xsync.UpdateOp
		}
		if rp.BlockNumber < old.BlockNumber {
			return old, xsync.CancelOp
		}
		return rp, xsync.UpdateOp
	})
	return fresh, nil
}

func (s *ResolvedPriceStore) Get(_ context.Context, assetID string) (domain.ResolvedPrice, error) {
	rp, ok := s.rows.Load(assetID)
	if !ok {
		return domain.ResolvedPrice{}, domain.ErrNotFound
	}
	return rp, nil
}

func (s *ResolvedPriceStore) prices() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, s.rows.Size())
	s.rows.Range(func(asset string, rp domain.ResolvedPrice) bool {
		out[asset] = rp.ResolvedPrice
		return true
	})
	return out
}
