package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

var _ domain.MarketStore = (*MarketStore)(nil)

// MarketStore keeps market metadata keyed by token prefix.
type MarketStore struct {
	rows *xsync.Map[string, domain.MarketInfo]
}

func NewMarketStore() *MarketStore {
	return &MarketStore{rows: xsync.NewMap[string, domain.MarketInfo]()}
}

func (s *MarketStore) UpsertBatch(_ context.Context, markets []domain.MarketInfo) (int64, error) {
	var n int64
	for _, m := range markets {
		m := m
		s.rows.Compute(m.Prefix(), func(old domain.MarketInfo, loaded bool) (domain.MarketInfo, xsync.ComputeOp) {
			if loaded && !m.UpdatedAt.After(old.UpdatedAt) {
				return old, xsync.CancelOp
			}
			n++
			return m, xsync.UpdateOp
		})
	}
	return n, nil
}

func (s *MarketStore) GetByPrefix(_ context.Context, prefix string) (domain.MarketInfo, error) {
	m, ok := s.rows.Load(prefix)
	if !ok {
		return domain.MarketInfo{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *MarketStore) ListByCondition(_ context.Context, conditionID string) ([]domain.MarketInfo, error) {
	var out []domain.MarketInfo
	s.rows.Range(func(_ string, m domain.MarketInfo) bool {
		if strings.EqualFold(m.ConditionID, conditionID) {
			out = append(out, m)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].OutcomeIndex < out[j].OutcomeIndex })
	return out, nil
}

func (s *MarketStore) Count(_ context.Context) (int64, error) {
	return int64(s.rows.Size()), nil
}
