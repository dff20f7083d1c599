package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polydearboard/internal/aggregate"
	"github.com/alanyoungcy/polydearboard/internal/domain"
)

var (
	_ aggregate.Store        = (*AggregateStore)(nil)
	_ domain.AggregateReader = (*AggregateStore)(nil)
	_ domain.TraderRanker    = (*AggregateStore)(nil)
)

// AggregateStore implements the aggregate merges and reads. Every merge is a
// single statement: a CTE claims the handler bit on the ledger row and the
// upsert only runs when the claim succeeded, so a redelivered trade can never
// be merged twice and a crash can never leave a bit set without its merge.
type AggregateStore struct {
	pool *pgxpool.Pool
}

// NewAggregateStore creates an AggregateStore backed by the given pool.
func NewAggregateStore(pool *pgxpool.Pool) *AggregateStore {
	return &AggregateStore{pool: pool}
}

// claimCTE takes $1..$5 (the ledger key) and $6 (the handler bit).
const claimCTE = `
	claim AS (
		UPDATE trades SET applied = applied | $6::smallint
		WHERE ` + tradeKeyWhere + ` AND applied & $6::smallint = 0
		RETURNING 1
	)`

func claimArgs(c domain.Claim) []any {
	return append(keyArgs(c.Key), int16(c.Handler.Bit()))
}

func (s *AggregateStore) exec(ctx context.Context, op, query string, args ...any) (bool, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("postgres: merge %s: %w", op, err)
	}
	return n > 0, nil
}

func (s *AggregateStore) MergeLatestPrice(ctx context.Context, c domain.Claim, assetID string, d aggregate.Versioned[decimal.Decimal]) (bool, error) {
	const query = `WITH` + claimCTE + `,
	merged AS (
		INSERT INTO asset_latest_price (asset_id, latest_price, version)
		SELECT $7::text, $8::numeric, $9::bigint FROM claim
		ON CONFLICT (asset_id) DO UPDATE SET
			latest_price = EXCLUDED.latest_price,
			version      = EXCLUDED.version
		WHERE asset_latest_price.version < EXCLUDED.version
	)
	SELECT count(*) FROM claim`

	args := append(claimArgs(c), assetID, d.Value.String(), int64(d.Version))
	return s.exec(ctx, "latest price", query, args...)
}

func (s *AggregateStore) MergePosition(ctx context.Context, c domain.Claim, key domain.PositionKey, d aggregate.PositionState) (bool, error) {
	const query = `WITH` + claimCTE + `,
	merged AS (
		INSERT INTO trader_positions (
			trader, asset_id, buy_amount, sell_amount, buy_usdc, sell_usdc,
			total_volume, total_fee, trade_count, first_ts, last_ts
		)
		SELECT $7::text, $8::text, $9::numeric, $10::numeric, $11::numeric, $12::numeric,
			$13::numeric, $14::numeric, $15::bigint, $16::timestamptz, $17::timestamptz
		FROM claim
		ON CONFLICT (trader, asset_id) DO UPDATE SET
			buy_amount   = trader_positions.buy_amount + EXCLUDED.buy_amount,
			sell_amount  = trader_positions.sell_amount + EXCLUDED.sell_amount,
			buy_usdc     = trader_positions.buy_usdc + EXCLUDED.buy_usdc,
			sell_usdc    = trader_positions.sell_usdc + EXCLUDED.sell_usdc,
			total_volume = trader_positions.total_volume + EXCLUDED.total_volume,
			total_fee    = trader_positions.total_fee + EXCLUDED.total_fee,
			trade_count  = trader_positions.trade_count + EXCLUDED.trade_count,
			first_ts     = LEAST(trader_positions.first_ts, EXCLUDED.first_ts),
			last_ts      = GREATEST(trader_positions.last_ts, EXCLUDED.last_ts)
	)
	SELECT count(*) FROM claim`

	args := append(claimArgs(c), key.Trader, key.AssetID)
	args = append(args, positionArgs(d)...)
	return s.exec(ctx, "trader position", query, args...)
}

func positionArgs(d aggregate.PositionState) []any {
	return []any{
		d.BuyAmount.Value.String(), d.SellAmount.Value.String(),
		d.BuyUSDC.Value.String(), d.SellUSDC.Value.String(),
		d.Volume.Value.String(), d.Fee.Value.String(),
		int64(d.Trades), nullTime(d.First.T), nullTime(d.Last.T),
	}
}

func (s *AggregateStore) MergeGlobal(ctx context.Context, c domain.Claim, d aggregate.GlobalState) (bool, error) {
	const query = `WITH` + claimCTE + `,
	new_traders AS (
		INSERT INTO global_traders (trader)
		SELECT t FROM claim, unnest($7::text[]) AS t
		ON CONFLICT DO NOTHING
		RETURNING 1
	),
	merged AS (
		UPDATE global_stats SET
			trade_count    = trade_count + $8::bigint,
			unique_traders = unique_traders + (SELECT count(*) FROM new_traders),
			latest_block   = GREATEST(latest_block, $9::bigint)
		WHERE id = 1 AND EXISTS (SELECT 1 FROM claim)
	)
	SELECT count(*) FROM claim`

	args := append(claimArgs(c), d.Traders.Members(), int64(d.Trades), int64(d.LatestBlock))
	return s.exec(ctx, "global stats", query, args...)
}

func (s *AggregateStore) MergePnlDaily(ctx context.Context, c domain.Claim, key domain.PnlDailyKey, d aggregate.DailyState) (bool, error) {
	const query = `WITH` + claimCTE + `,
	merged AS (
		INSERT INTO pnl_daily (
			trader, day, asset_id, buy_amount, sell_amount, buy_usdc, sell_usdc,
			volume, fee, trade_count, first_ts, last_ts, last_price, last_price_version
		)
		SELECT $7::text, $8::date, $9::text, $10::numeric, $11::numeric, $12::numeric, $13::numeric,
			$14::numeric, $15::numeric, $16::bigint, $17::timestamptz, $18::timestamptz, $19::numeric, $20::bigint
		FROM claim
		ON CONFLICT (trader, day, asset_id) DO UPDATE SET
			buy_amount  = pnl_daily.buy_amount + EXCLUDED.buy_amount,
			sell_amount = pnl_daily.sell_amount + EXCLUDED.sell_amount,
			buy_usdc    = pnl_daily.buy_usdc + EXCLUDED.buy_usdc,
			sell_usdc   = pnl_daily.sell_usdc + EXCLUDED.sell_usdc,
			volume      = pnl_daily.volume + EXCLUDED.volume,
			fee         = pnl_daily.fee + EXCLUDED.fee,
			trade_count = pnl_daily.trade_count + EXCLUDED.trade_count,
			first_ts    = LEAST(pnl_daily.first_ts, EXCLUDED.first_ts),
			last_ts     = GREATEST(pnl_daily.last_ts, EXCLUDED.last_ts),
			last_price  = CASE WHEN EXCLUDED.last_price_version > pnl_daily.last_price_version
				THEN EXCLUDED.last_price ELSE pnl_daily.last_price END,
			last_price_version = GREATEST(pnl_daily.last_price_version, EXCLUDED.last_price_version)
	)
	SELECT count(*) FROM claim`

	args := append(claimArgs(c), key.Trader, key.Day, key.AssetID)
	args = append(args, positionArgs(d.Position)...)
	args = append(args, d.LastPrice.Value.String(), int64(d.LastPrice.Version))
	return s.exec(ctx, "pnl daily", query, args...)
}

func (s *AggregateStore) MergeAssetStatsDaily(ctx context.Context, c domain.Claim, key domain.AssetDayKey, d aggregate.AssetDayState) (bool, error) {
	const query = `WITH` + claimCTE + `,
	new_traders AS (
		INSERT INTO asset_stats_daily_traders (day, asset_id, trader)
		SELECT $7::date, $8::text, t FROM claim, unnest($9::text[]) AS t
		ON CONFLICT DO NOTHING
		RETURNING 1
	),
	merged AS (
		INSERT INTO asset_stats_daily (
			day, asset_id, volume, token_volume, trade_count, unique_traders,
			first_ts, last_ts, last_price, last_price_version
		)
		SELECT $7::date, $8::text, $10::numeric, $11::numeric, $12::bigint,
			(SELECT count(*) FROM new_traders),
			$13::timestamptz, $14::timestamptz, $15::numeric, $16::bigint
		FROM claim
		ON CONFLICT (day, asset_id) DO UPDATE SET
			volume         = asset_stats_daily.volume + EXCLUDED.volume,
			token_volume   = asset_stats_daily.token_volume + EXCLUDED.token_volume,
			trade_count    = asset_stats_daily.trade_count + EXCLUDED.trade_count,
			unique_traders = asset_stats_daily.unique_traders + EXCLUDED.unique_traders,
			first_ts       = LEAST(asset_stats_daily.first_ts, EXCLUDED.first_ts),
			last_ts        = GREATEST(asset_stats_daily.last_ts, EXCLUDED.last_ts),
			last_price     = CASE WHEN EXCLUDED.last_price_version > asset_stats_daily.last_price_version
				THEN EXCLUDED.last_price ELSE asset_stats_daily.last_price END,
			last_price_version = GREATEST(asset_stats_daily.last_price_version, EXCLUDED.last_price_version)
	)
	SELECT count(*) FROM claim`

	args := append(claimArgs(c), key.Day, key.AssetID, d.Traders.Members(),
		d.Volume.Value.String(), d.TokenVolume.Value.String(), int64(d.Trades),
		nullTime(d.First.T), nullTime(d.Last.T),
		d.LastPrice.Value.String(), int64(d.LastPrice.Version),
	)
	return s.exec(ctx, "asset stats daily", query, args...)
}

// ── Reads ──

func (s *AggregateStore) LatestPrice(ctx context.Context, assetID string) (domain.AssetLatestPrice, error) {
	var (
		price   string
		version int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT latest_price::text, version FROM asset_latest_price WHERE asset_id = $1`, assetID,
	).Scan(&price, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.AssetLatestPrice{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.AssetLatestPrice{}, fmt.Errorf("postgres: get latest price: %w", err)
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return domain.AssetLatestPrice{}, fmt.Errorf("postgres: parse latest price: %w", err)
	}
	return domain.AssetLatestPrice{AssetID: assetID, LatestPrice: p, Version: uint64(version)}, nil
}

const positionSelectCols = `trader, asset_id, buy_amount::text, sell_amount::text,
	buy_usdc::text, sell_usdc::text, total_volume::text, total_fee::text,
	trade_count, first_ts, last_ts`

func scanPosition(row pgx.Row) (domain.TraderPosition, error) {
	var (
		p           domain.TraderPosition
		nums        [6]string
		first, last *time.Time
	)
	if err := row.Scan(&p.Trader, &p.AssetID, &nums[0], &nums[1], &nums[2], &nums[3],
		&nums[4], &nums[5], &p.TradeCount, &first, &last); err != nil {
		return p, err
	}
	dst := []*decimal.Decimal{&p.BuyAmount, &p.SellAmount, &p.BuyUSDC, &p.SellUSDC, &p.TotalVolume, &p.TotalFee}
	if err := parseDecimals(nums[:], dst); err != nil {
		return p, err
	}
	p.FirstTS, p.LastTS = fromNullTime(first), fromNullTime(last)
	return p, nil
}

func (s *AggregateStore) Position(ctx context.Context, key domain.PositionKey) (domain.TraderPosition, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM trader_positions WHERE trader = $1 AND asset_id = $2`,
		key.Trader, key.AssetID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TraderPosition{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.TraderPosition{}, fmt.Errorf("postgres: get position: %w", err)
	}
	return p, nil
}

func (s *AggregateStore) PositionsByTrader(ctx context.Context, trader string) ([]domain.TraderPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM trader_positions WHERE trader = $1 ORDER BY asset_id`, trader)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var out []domain.TraderPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TopTradersByPnL ranks on the same formula as aggregate.PnL, summed per
// trader. An asset with neither a resolved nor a latest price marks at zero.
func (s *AggregateStore) TopTradersByPnL(ctx context.Context, limit int, exclude []string) ([]string, error) {
	if exclude == nil {
		exclude = []string{}
	}
	rows, err := s.pool.Query(ctx, `
		SELECT p.trader
		FROM trader_positions p
		LEFT JOIN asset_latest_price lp ON lp.asset_id = p.asset_id
		LEFT JOIN resolved_prices rp ON rp.asset_id = p.asset_id
		WHERE NOT (p.trader = ANY($2::text[]))
		GROUP BY p.trader
		ORDER BY sum((p.sell_usdc - p.buy_usdc)
			+ (p.buy_amount - p.sell_amount) * coalesce(rp.resolved_price, lp.latest_price, 0)) DESC,
			p.trader
		LIMIT $1`, limit, exclude)
	if err != nil {
		return nil, fmt.Errorf("postgres: rank traders: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: scan ranked traders: %w", err)
	}
	return out, nil
}

func (s *AggregateStore) Global(ctx context.Context) (domain.GlobalStats, error) {
	var (
		g     domain.GlobalStats
		block int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT trade_count, unique_traders, latest_block FROM global_stats WHERE id = 1`,
	).Scan(&g.TradeCount, &g.UniqueTraders, &block)
	if err != nil {
		return g, fmt.Errorf("postgres: get global stats: %w", err)
	}
	g.LatestBlock = uint64(block)
	return g, nil
}

func (s *AggregateStore) PnlDaily(ctx context.Context, key domain.PnlDailyKey) (domain.PnlDaily, error) {
	var (
		d           = domain.PnlDaily{Trader: key.Trader, Day: key.Day, AssetID: key.AssetID}
		nums        [7]string
		first, last *time.Time
		version     int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT buy_amount::text, sell_amount::text, buy_usdc::text, sell_usdc::text,
			volume::text, fee::text, last_price::text, trade_count, first_ts, last_ts, last_price_version
		FROM pnl_daily WHERE trader = $1 AND day = $2::date AND asset_id = $3`,
		key.Trader, key.Day, key.AssetID,
	).Scan(&nums[0], &nums[1], &nums[2], &nums[3], &nums[4], &nums[5], &nums[6],
		&d.TradeCount, &first, &last, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return d, domain.ErrNotFound
	}
	if err != nil {
		return d, fmt.Errorf("postgres: get pnl daily: %w", err)
	}
	dst := []*decimal.Decimal{&d.BuyAmount, &d.SellAmount, &d.BuyUSDC, &d.SellUSDC, &d.Volume, &d.Fee, &d.LastPrice}
	if err := parseDecimals(nums[:], dst); err != nil {
		return d, fmt.Errorf("postgres: parse pnl daily: %w", err)
	}
	d.FirstTS, d.LastTS = fromNullTime(first), fromNullTime(last)
	d.LastPriceVersion = uint64(version)
	return d, nil
}

func (s *AggregateStore) AssetStatsDaily(ctx context.Context, key domain.AssetDayKey) (domain.AssetStatsDaily, error) {
	var (
		a           = domain.AssetStatsDaily{Day: key.Day, AssetID: key.AssetID}
		nums        [3]string
		first, last *time.Time
		version     int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT volume::text, token_volume::text, last_price::text, trade_count, unique_traders,
			first_ts, last_ts, last_price_version
		FROM asset_stats_daily WHERE day = $1::date AND asset_id = $2`,
		key.Day, key.AssetID,
	).Scan(&nums[0], &nums[1], &nums[2], &a.TradeCount, &a.UniqueTraders, &first, &last, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, domain.ErrNotFound
	}
	if err != nil {
		return a, fmt.Errorf("postgres: get asset stats daily: %w", err)
	}
	if err := parseDecimals(nums[:], []*decimal.Decimal{&a.Volume, &a.TokenVolume, &a.LastPrice}); err != nil {
		return a, fmt.Errorf("postgres: parse asset stats daily: %w", err)
	}
	a.FirstTS, a.LastTS = fromNullTime(first), fromNullTime(last)
	a.LastPriceVersion = uint64(version)
	return a, nil
}

func parseDecimals(src []string, dst []*decimal.Decimal) error {
	for i, s := range src {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return err
		}
		*dst[i] = v
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func fromNullTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
