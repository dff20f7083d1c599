package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

var _ domain.MarketStore = (*MarketStore)(nil)

// MarketStore implements domain.MarketStore on the market_metadata table.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketSelectCols = `asset_id, condition_id, outcome_index, question, outcome,
	category, event_title, active, updated_at`

func scanMarket(row pgx.Row) (domain.MarketInfo, error) {
	var m domain.MarketInfo
	var idx int32
	err := row.Scan(&m.AssetID, &m.ConditionID, &idx, &m.Question, &m.Outcome,
		&m.Category, &m.EventTitle, &m.Active, &m.UpdatedAt)
	m.OutcomeIndex = int(idx)
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, err
}

// UpsertBatch writes markets keyed by token prefix. A row is only replaced
// by one with a newer updated_at.
func (s *MarketStore) UpsertBatch(ctx context.Context, markets []domain.MarketInfo) (int64, error) {
	if len(markets) == 0 {
		return 0, nil
	}

	const query = `
		INSERT INTO market_metadata (
			prefix, asset_id, condition_id, outcome_index, question,
			outcome, category, event_title, active, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10
		)
		ON CONFLICT (prefix) DO UPDATE SET
			asset_id      = EXCLUDED.asset_id,
			condition_id  = EXCLUDED.condition_id,
			outcome_index = EXCLUDED.outcome_index,
			question      = EXCLUDED.question,
			outcome       = EXCLUDED.outcome,
			category      = EXCLUDED.category,
			event_title   = EXCLUDED.event_title,
			active        = EXCLUDED.active,
			updated_at    = EXCLUDED.updated_at
		WHERE market_metadata.updated_at < EXCLUDED.updated_at`

	batch := &pgx.Batch{}
	for _, m := range markets {
		batch.Queue(query,
			m.Prefix(), m.AssetID, m.ConditionID, int32(m.OutcomeIndex), m.Question,
			m.Outcome, m.Category, m.EventTitle, m.Active, m.UpdatedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	var n int64
	for i := range markets {
		tag, err := br.Exec()
		if err != nil {
			return n, fmt.Errorf("postgres: upsert market batch item %d: %w", i, err)
		}
		n += tag.RowsAffected()
	}
	return n, nil
}

// GetByPrefix returns the market registered under a 15-digit token prefix.
func (s *MarketStore) GetByPrefix(ctx context.Context, prefix string) (domain.MarketInfo, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketSelectCols+` FROM market_metadata WHERE prefix = $1`, prefix))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.MarketInfo{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.MarketInfo{}, fmt.Errorf("postgres: get market %s: %w", prefix, err)
	}
	return m, nil
}

// ListByCondition returns the condition's tokens ordered by outcome index.
func (s *MarketStore) ListByCondition(ctx context.Context, conditionID string) ([]domain.MarketInfo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketSelectCols+` FROM market_metadata
		WHERE lower(condition_id) = lower($1) ORDER BY outcome_index`, conditionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets by condition: %w", err)
	}
	defer rows.Close()

	var out []domain.MarketInfo
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Count returns the total number of metadata rows.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM market_metadata`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return n, nil
}
