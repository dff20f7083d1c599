package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

var _ domain.RawEventStore = (*RawStore)(nil)

// RawStore implements domain.RawEventStore. Backfill namespaces are separate
// tables created with the same structure as their canonical table.
type RawStore struct {
	conn   *Conn
	logger *slog.Logger
}

// NewRawStore returns a RawStore on conn.
func NewRawStore(conn *Conn, logger *slog.Logger) *RawStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RawStore{conn: conn, logger: logger.With(slog.String("component", "clickhouse_raw"))}
}

func (s *RawStore) UpsertFills(ctx context.Context, ns domain.Namespace, exchange domain.Exchange, fills []domain.RawFillEvent) error {
	base, err := fillTable(exchange)
	if err != nil {
		return err
	}
	table := tableName(base, ns)
	query := fmt.Sprintf("INSERT INTO %s (%s)", table, fillColumns)

	for start := 0; start < len(fills); start += s.conn.cfg.BatchMaxRows {
		end := min(start+s.conn.cfg.BatchMaxRows, len(fills))
		chunk := fills[start:end]
		err := s.insertBatch(ctx, query, len(chunk), func(b driver.Batch, i int) error {
			f := &chunk[i]
			return b.Append(
				f.Network, f.ContractAddress, f.OrderHash, f.Maker, f.Taker,
				f.MakerAssetID, f.TakerAssetID, f.MakerAmountFilled, f.TakerAmountFilled, f.Fee,
				f.TxHash, f.BlockNumber, f.BlockTimestamp, f.BlockHash, f.TxIndex, f.LogIndex,
			)
		})
		if err != nil {
			return fmt.Errorf("clickhouse: insert %d fills into %s: %w", len(chunk), table, err)
		}
	}
	return nil
}

func (s *RawStore) UpsertResolutions(ctx context.Context, ns domain.Namespace, events []domain.ResolutionEvent) error {
	table := tableName(tableResolutions, ns)
	query := fmt.Sprintf("INSERT INTO %s (%s)", table, resolutionColumns)

	for start := 0; start < len(events); start += s.conn.cfg.BatchMaxRows {
		end := min(start+s.conn.cfg.BatchMaxRows, len(events))
		chunk := events[start:end]
		err := s.insertBatch(ctx, query, len(chunk), func(b driver.Batch, i int) error {
			e := &chunk[i]
			assets := e.AssetIDs
			if assets == nil {
				assets = []string{}
			}
			return b.Append(
				e.Network, e.ContractAddress, e.ConditionID, e.Oracle, e.QuestionID,
				e.OutcomeSlotCount, e.PayoutNumerators, assets,
				e.TxHash, e.BlockNumber, e.BlockTimestamp, e.BlockHash, e.TxIndex, e.LogIndex,
			)
		})
		if err != nil {
			return fmt.Errorf("clickhouse: insert %d resolutions into %s: %w", len(chunk), table, err)
		}
	}
	return nil
}

// insertBatch prepares, fills and sends one batch, retrying the whole batch
// with exponential backoff. Rows are idempotent, so a retried partial send
// only produces duplicates that ReplacingMergeTree collapses.
func (s *RawStore) insertBatch(ctx context.Context, query string, n int, appendRow func(driver.Batch, int) error) error {
	if n == 0 {
		return nil
	}
	backoff := s.conn.cfg.RetryBackoff
	var lastErr error

	for attempt := 0; attempt <= s.conn.cfg.MaxRetries; attempt++ {
		if lastErr = s.sendBatch(ctx, query, n, appendRow); lastErr == nil {
			return nil
		}
		if attempt == s.conn.cfg.MaxRetries || ctx.Err() != nil {
			break
		}
		s.logger.WarnContext(ctx, "batch insert failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Int("rows", n),
			slog.Duration("backoff", backoff),
			slog.String("error", lastErr.Error()),
		)
		select {
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

func (s *RawStore) sendBatch(ctx context.Context, query string, n int, appendRow func(driver.Batch, int) error) error {
	batch, err := s.conn.Native.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	for i := 0; i < n; i++ {
		if err := appendRow(batch, i); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append row %d: %w", i, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (s *RawStore) tableExists(ctx context.Context, table string) (bool, error) {
	var n uint64
	err := s.conn.Native.QueryRow(ctx,
		`SELECT count() FROM system.tables WHERE database = currentDatabase() AND name = ?`, table).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RawStore) OpenNamespace(ctx context.Context, id string) (domain.Namespace, error) {
	ns, err := sanitizeNamespace(id)
	if err != nil {
		return "", err
	}
	for _, base := range baseTables {
		table := tableName(base, ns)
		exists, err := s.tableExists(ctx, table)
		if err != nil {
			return "", fmt.Errorf("clickhouse: open namespace %s: %w", ns, err)
		}
		if exists {
			return "", fmt.Errorf("clickhouse: open namespace %s: %w", ns, domain.ErrAlreadyExists)
		}
		if err := s.conn.Native.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS %s", table, base)); err != nil {
			return "", fmt.Errorf("clickhouse: create staging table %s: %w", table, err)
		}
	}
	s.logger.InfoContext(ctx, "backfill namespace opened", slog.String("namespace", string(ns)))
	return ns, nil
}

// Promote copies every deduplicated staging row into the canonical tables
// with one INSERT ... SELECT per table.
func (s *RawStore) Promote(ctx context.Context, ns domain.Namespace) (int64, error) {
	if ns.IsCanonical() {
		return 0, fmt.Errorf("clickhouse: promote: canonical namespace")
	}
	var total int64
	for _, base := range baseTables {
		staging := tableName(base, ns)
		var n uint64
		if err := s.conn.Native.QueryRow(ctx, fmt.Sprintf("SELECT count() FROM %s FINAL", staging)).Scan(&n); err != nil {
			return total, fmt.Errorf("clickhouse: promote %s: count: %w", staging, err)
		}
		if n == 0 {
			continue
		}
		query := fmt.Sprintf("INSERT INTO %s SELECT * FROM %s FINAL", base, staging)
		if err := s.conn.Native.Exec(ctx, query); err != nil {
			return total, fmt.Errorf("clickhouse: promote %s: %w", staging, err)
		}
		total += int64(n)
	}
	s.logger.InfoContext(ctx, "backfill namespace promoted",
		slog.String("namespace", string(ns)),
		slog.Int64("rows", total),
	)
	return total, nil
}

func (s *RawStore) DropNamespace(ctx context.Context, ns domain.Namespace) error {
	if ns.IsCanonical() {
		return fmt.Errorf("clickhouse: drop: canonical namespace")
	}
	for _, base := range baseTables {
		table := tableName(base, ns)
		if err := s.conn.Native.Exec(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("clickhouse: drop %s: %w", table, err)
		}
	}
	return nil
}

func (s *RawStore) ScanFills(ctx context.Context, ns domain.Namespace, r domain.BlockRange, fn func(domain.Exchange, domain.RawFillEvent) error) error {
	for _, ex := range []domain.Exchange{domain.ExchangeCTF, domain.ExchangeNegRisk} {
		base, _ := fillTable(ex)
		if err := s.scanFillTable(ctx, tableName(base, ns), ex, r, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *RawStore) scanFillTable(ctx context.Context, table string, ex domain.Exchange, r domain.BlockRange, fn func(domain.Exchange, domain.RawFillEvent) error) error {
	query := fmt.Sprintf(`SELECT %s FROM %s FINAL
		WHERE network = ? AND block_number BETWEEN ? AND ?
		ORDER BY block_number, log_index`, fillColumns, table)
	rows, err := s.conn.Native.Query(ctx, query, r.Network, r.From, r.To)
	if err != nil {
		return fmt.Errorf("clickhouse: scan %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var f domain.RawFillEvent
		if err := rows.Scan(
			&f.Network, &f.ContractAddress, &f.OrderHash, &f.Maker, &f.Taker,
			&f.MakerAssetID, &f.TakerAssetID, &f.MakerAmountFilled, &f.TakerAmountFilled, &f.Fee,
			&f.TxHash, &f.BlockNumber, &f.BlockTimestamp, &f.BlockHash, &f.TxIndex, &f.LogIndex,
		); err != nil {
			return fmt.Errorf("clickhouse: scan %s row: %w", table, err)
		}
		if err := fn(ex, f); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *RawStore) ScanResolutions(ctx context.Context, ns domain.Namespace, r domain.BlockRange, fn func(domain.ResolutionEvent) error) error {
	table := tableName(tableResolutions, ns)
	query := fmt.Sprintf(`SELECT %s FROM %s FINAL
		WHERE network = ? AND block_number BETWEEN ? AND ?
		ORDER BY block_number, log_index`, resolutionColumns, table)
	rows, err := s.conn.Native.Query(ctx, query, r.Network, r.From, r.To)
	if err != nil {
		return fmt.Errorf("clickhouse: scan %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var e domain.ResolutionEvent
		if err := rows.Scan(
			&e.Network, &e.ContractAddress, &e.ConditionID, &e.Oracle, &e.QuestionID,
			&e.OutcomeSlotCount, &e.PayoutNumerators, &e.AssetIDs,
			&e.TxHash, &e.BlockNumber, &e.BlockTimestamp, &e.BlockHash, &e.TxIndex, &e.LogIndex,
		); err != nil {
			return fmt.Errorf("clickhouse: scan %s row: %w", table, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// EvictBefore removes canonical raw rows older than cutoff with a lightweight
// DELETE. Rows without a block timestamp count as epoch.
func (s *RawStore) EvictBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const pred = `coalesce(block_timestamp, toDateTime64(0, 3, 'UTC')) < ?`
	var total int64
	for _, table := range baseTables {
		var n uint64
		if err := s.conn.Native.QueryRow(ctx,
			fmt.Sprintf("SELECT count() FROM %s FINAL WHERE %s", table, pred), cutoff).Scan(&n); err != nil {
			return total, fmt.Errorf("clickhouse: evict %s: count: %w", table, err)
		}
		if n == 0 {
			continue
		}
		if err := s.conn.Native.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", table, pred), cutoff); err != nil {
			return total, fmt.Errorf("clickhouse: evict %s: %w", table, err)
		}
		total += int64(n)
	}
	return total, nil
}
