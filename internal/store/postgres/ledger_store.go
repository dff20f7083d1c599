package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

var _ domain.TradeLedger = (*LedgerStore)(nil)

// LedgerStore implements domain.TradeLedger on the trades table.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a LedgerStore backed by the given pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

const tradeSelectCols = `exchange, trader, side, asset_id, amount::text, price::text,
	usdc_amount::text, fee::text, raw_fee::text, raw_usdc_amount::text, order_hash,
	tx_hash, block_number, block_timestamp, log_index, network`

const tradeKeyWhere = `trader = $1 AND block_number = $2 AND tx_hash = $3 AND log_index = $4 AND side = $5`

func keyArgs(k domain.TradeKey) []any {
	return []any{k.Trader, int64(k.BlockNumber), k.TxHash, int32(k.LogIndex), string(k.Side)}
}

func scanTrade(row pgx.Row, extra ...any) (domain.CanonicalTrade, error) {
	var (
		t                                 domain.CanonicalTrade
		exchange, side                    string
		amount, price, usdc, fee, rawUSDC string
		block                             int64
		logIndex                          int32
	)
	dest := []any{
		&exchange, &t.Trader, &side, &t.AssetID, &amount, &price,
		&usdc, &fee, &t.RawFee, &rawUSDC, &t.OrderHash,
		&t.TxHash, &block, &t.BlockTimestamp, &logIndex, &t.Network,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return t, err
	}
	t.Exchange = domain.Exchange(exchange)
	t.Side = domain.Side(side)
	t.BlockNumber = uint64(block)
	t.LogIndex = uint32(logIndex)
	t.BlockTimestamp = t.BlockTimestamp.UTC()
	t.RawUSDCAmount = rawUSDC

	var err error
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return t, err
	}
	if t.Price, err = decimal.NewFromString(price); err != nil {
		return t, err
	}
	if t.USDCAmount, err = decimal.NewFromString(usdc); err != nil {
		return t, err
	}
	if t.Fee, err = decimal.NewFromString(fee); err != nil {
		return t, err
	}
	return t, nil
}

func scanTrades(rows pgx.Rows) ([]domain.CanonicalTrade, error) {
	defer rows.Close()
	var trades []domain.CanonicalTrade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Upsert writes t; an existing row with the same key is overwritten but keeps
// its applied mask.
func (s *LedgerStore) Upsert(ctx context.Context, t domain.CanonicalTrade) (domain.LedgerEntry, error) {
	const query = `
		INSERT INTO trades (
			trader, block_number, tx_hash, log_index, side,
			exchange, asset_id, amount, price, usdc_amount,
			fee, raw_fee, raw_usdc_amount, order_hash, block_timestamp, network
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8::numeric, $9::numeric, $10::numeric,
			$11::numeric, $12::numeric, $13::numeric, $14, $15, $16
		)
		ON CONFLICT (trader, block_number, tx_hash, log_index, side) DO UPDATE SET
			exchange        = EXCLUDED.exchange,
			asset_id        = EXCLUDED.asset_id,
			amount          = EXCLUDED.amount,
			price           = EXCLUDED.price,
			usdc_amount     = EXCLUDED.usdc_amount,
			fee             = EXCLUDED.fee,
			raw_fee         = EXCLUDED.raw_fee,
			raw_usdc_amount = EXCLUDED.raw_usdc_amount,
			order_hash      = EXCLUDED.order_hash,
			block_timestamp = EXCLUDED.block_timestamp,
			network         = EXCLUDED.network
		RETURNING applied, (xmax = 0) AS inserted`

	args := append(keyArgs(t.Key()),
		string(t.Exchange), t.AssetID, t.Amount.String(), t.Price.String(), t.USDCAmount.String(),
		t.Fee.String(), numericOrZero(t.RawFee), numericOrZero(t.RawUSDCAmount), t.OrderHash,
		t.BlockTimestamp, t.Network,
	)

	var (
		applied  int16
		inserted bool
	)
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&applied, &inserted); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("postgres: upsert trade: %w", err)
	}
	return domain.LedgerEntry{Trade: t, Applied: domain.HandlerSet(applied), Fresh: inserted}, nil
}

// Get returns the ledger entry for key.
func (s *LedgerStore) Get(ctx context.Context, key domain.TradeKey) (domain.LedgerEntry, error) {
	query := `SELECT ` + tradeSelectCols + `, applied FROM trades WHERE ` + tradeKeyWhere
	var applied int16
	t, err := scanTrade(s.pool.QueryRow(ctx, query, keyArgs(key)...), &applied)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LedgerEntry{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("postgres: get trade: %w", err)
	}
	return domain.LedgerEntry{Trade: t, Applied: domain.HandlerSet(applied)}, nil
}

// ListByTrader returns the trader's retained trades, newest first.
func (s *LedgerStore) ListByTrader(ctx context.Context, trader string, opts domain.ListOpts) ([]domain.CanonicalTrade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE trader = $1`
	args := []any{trader}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND block_timestamp >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND block_timestamp <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY block_number DESC, log_index DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades by trader: %w", err)
	}
	trades, err := scanTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades by trader: %w", err)
	}
	return trades, nil
}

// ListBefore returns up to limit fully aggregated trades older than cutoff,
// oldest first.
func (s *LedgerStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.CanonicalTrade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades
		WHERE block_timestamp < $1 AND applied = $2
		ORDER BY block_timestamp ASC`
	args := []any{cutoff, int16(domain.AllHandlers)}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before: %w", err)
	}
	trades, err := scanTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades before: %w", err)
	}
	return trades, nil
}

// Evict deletes the given fully aggregated rows in one batch.
func (s *LedgerStore) Evict(ctx context.Context, keys []domain.TradeKey) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	const query = `DELETE FROM trades WHERE ` + tradeKeyWhere + ` AND applied = $6`

	batch := &pgx.Batch{}
	for _, k := range keys {
		batch.Queue(query, append(keyArgs(k), int16(domain.AllHandlers))...)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	var n int64
	for i := range keys {
		tag, err := br.Exec()
		if err != nil {
			return n, fmt.Errorf("postgres: evict trade batch item %d: %w", i, err)
		}
		n += tag.RowsAffected()
	}
	return n, nil
}

// EvictBefore deletes every fully aggregated trade older than cutoff.
func (s *LedgerStore) EvictBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM trades WHERE block_timestamp < $1 AND applied = $2`,
		cutoff, int16(domain.AllHandlers))
	if err != nil {
		return 0, fmt.Errorf("postgres: evict trades before: %w", err)
	}
	return tag.RowsAffected(), nil
}

func numericOrZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
