package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

var _ domain.ResolvedPriceStore = (*ResolvedPriceStore)(nil)

// ResolvedPriceStore implements domain.ResolvedPriceStore.
type ResolvedPriceStore struct {
	pool *pgxpool.Pool
}

func NewResolvedPriceStore(pool *pgxpool.Pool) *ResolvedPriceStore {
	return &ResolvedPriceStore{pool: pool}
}

// Upsert writes rp, never replacing a row from a later block, and reports
// whether the row is new.
func (s *ResolvedPriceStore) Upsert(ctx context.Context, rp domain.ResolvedPrice) (bool, error) {
	const query = `
		INSERT INTO resolved_prices (asset_id, resolved_price, condition_id, block_number, network)
		VALUES ($1, $2::numeric, $3, $4, $5)
		ON CONFLICT (asset_id) DO UPDATE SET
			resolved_price = EXCLUDED.resolved_price,
			condition_id   = EXCLUDED.condition_id,
			block_number   = EXCLUDED.block_number,
			network        = EXCLUDED.network,
			updated_at     = NOW()
		WHERE resolved_prices.block_number <= EXCLUDED.block_number
		RETURNING (xmax = 0)`

	var inserted bool
	err := s.pool.QueryRow(ctx, query,
		rp.AssetID, rp.ResolvedPrice.String(), rp.ConditionID, int64(rp.BlockNumber), rp.Network,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		// Older block than the stored row: nothing written.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: upsert resolved price %s: %w", rp.AssetID, err)
	}
	return inserted, nil
}

func (s *ResolvedPriceStore) Get(ctx context.Context, assetID string) (domain.ResolvedPrice, error) {
	var (
		rp    = domain.ResolvedPrice{AssetID: assetID}
		price string
		block int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT resolved_price::text, condition_id, block_number, network FROM resolved_prices WHERE asset_id = $1`,
		assetID,
	).Scan(&price, &rp.ConditionID, &block, &rp.Network)
	if errors.Is(err, pgx.ErrNoRows) {
		return rp, domain.ErrNotFound
	}
	if err != nil {
		return rp, fmt.Errorf("postgres: get resolved price: %w", err)
	}
	rp.BlockNumber = uint64(block)
	if rp.ResolvedPrice, err = decimal.NewFromString(price); err != nil {
		return rp, fmt.Errorf("postgres: parse resolved price: %w", err)
	}
	return rp, nil
}
