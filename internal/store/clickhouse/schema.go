package clickhouse

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

const (
	tableFillsCTF     = "order_filled_ctf"
	tableFillsNegRisk = "order_filled_neg_risk"
	tableResolutions  = "condition_resolution"
)

var baseTables = []string{tableFillsCTF, tableFillsNegRisk, tableResolutions}

const fillColumns = `network, contract_address, order_hash, maker, taker,
	maker_asset_id, taker_asset_id, maker_amount_filled, taker_amount_filled, fee,
	tx_hash, block_number, block_timestamp, block_hash, tx_index, log_index`

const resolutionColumns = `network, contract_address, condition_id, oracle, question_id,
	outcome_slot_count, payout_numerators, asset_ids,
	tx_hash, block_number, block_timestamp, block_hash, tx_index, log_index`

const fillDDL = `CREATE TABLE IF NOT EXISTS %s (
	network             LowCardinality(String),
	contract_address    String,
	order_hash          String,
	maker               String,
	taker               String,
	maker_asset_id      String,
	taker_asset_id      String,
	maker_amount_filled String,
	taker_amount_filled String,
	fee                 String,
	tx_hash             String,
	block_number        UInt64,
	block_timestamp     Nullable(DateTime64(3, 'UTC')),
	block_hash          String,
	tx_index            UInt32,
	log_index           UInt32,
	inserted_at         DateTime64(3, 'UTC') DEFAULT now64(3)
) ENGINE = ReplacingMergeTree(inserted_at)
ORDER BY (network, block_number, tx_hash, log_index)`

const resolutionDDL = `CREATE TABLE IF NOT EXISTS %s (
	network            LowCardinality(String),
	contract_address   String,
	condition_id       String,
	oracle             String,
	question_id        String,
	outcome_slot_count UInt32,
	payout_numerators  Array(String),
	asset_ids          Array(String),
	tx_hash            String,
	block_number       UInt64,
	block_timestamp    Nullable(DateTime64(3, 'UTC')),
	block_hash         String,
	tx_index           UInt32,
	log_index          UInt32,
	inserted_at        DateTime64(3, 'UTC') DEFAULT now64(3)
) ENGINE = ReplacingMergeTree(inserted_at)
ORDER BY (network, block_number, tx_hash, log_index)`

// EnsureSchema creates the canonical raw tables if they do not exist.
func (c *Conn) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(fillDDL, tableFillsCTF),
		fmt.Sprintf(fillDDL, tableFillsNegRisk),
		fmt.Sprintf(resolutionDDL, tableResolutions),
	}
	for _, s := range stmts {
		if err := c.Native.Exec(ctx, s); err != nil {
			return fmt.Errorf("clickhouse: ensure schema: %w", err)
		}
	}
	return nil
}

func fillTable(ex domain.Exchange) (string, error) {
	switch ex {
	case domain.ExchangeCTF:
		return tableFillsCTF, nil
	case domain.ExchangeNegRisk:
		return tableFillsNegRisk, nil
	default:
		return "", fmt.Errorf("clickhouse: exchange %q: %w", ex, domain.ErrUnknownExchange)
	}
}

var namespaceRe = regexp.MustCompile(`^[a-z0-9_]{1,48}$`)

// sanitizeNamespace turns a backfill id (typically a uuid) into a table
// name suffix.
func sanitizeNamespace(id string) (domain.Namespace, error) {
	s := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(id), "-", "_"))
	if !namespaceRe.MatchString(s) {
		return "", fmt.Errorf("clickhouse: invalid namespace id %q", id)
	}
	return domain.Namespace(s), nil
}

// tableName resolves base into the physical table for ns.
func tableName(base string, ns domain.Namespace) string {
	if ns.IsCanonical() {
		return base
	}
	return base + "_bf_" + string(ns)
}
