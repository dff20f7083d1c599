package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

var _ domain.CursorStore = (*CursorStore)(nil)

// CursorStore implements domain.CursorStore on ingest_cursors.
type CursorStore struct {
	pool *pgxpool.Pool
}

func NewCursorStore(pool *pgxpool.Pool) *CursorStore {
	return &CursorStore{pool: pool}
}

func (s *CursorStore) GetCursor(ctx context.Context, network, source string) (uint64, error) {
	var block int64
	err := s.pool.QueryRow(ctx,
		`SELECT block_number FROM ingest_cursors WHERE network = $1 AND source = $2`,
		network, source).Scan(&block)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: get cursor %s/%s: %w", network, source, err)
	}
	return uint64(block), nil
}

func (s *CursorStore) SetCursor(ctx context.Context, network, source string, block uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ingest_cursors (network, source, block_number) VALUES ($1, $2, $3)
		ON CONFLICT (network, source) DO UPDATE SET
			block_number = GREATEST(ingest_cursors.block_number, EXCLUDED.block_number),
			updated_at   = NOW()`,
		network, source, int64(block))
	if err != nil {
		return fmt.Errorf("postgres: set cursor %s/%s: %w", network, source, err)
	}
	return nil
}
