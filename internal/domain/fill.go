package domain

import "time"

// USDCAssetID is the asset id the exchange uses for the collateral leg of a
// fill. Any other asset id is an outcome token.
const USDCAssetID = "0"

// VersionBlockFactor spaces block numbers far enough apart that a log index
// can be folded into the same monotonic version.
const VersionBlockFactor = 1_000_000

// Version returns the compare-and-swap key for an event at the given
// position: block_number * 1,000,000 + log_index.
func Version(blockNumber uint64, logIndex uint32) uint64 {
	return blockNumber*VersionBlockFactor + uint64(logIndex)
}

// RawFillEvent is one OrderFilled log as delivered by the event producer.
// Asset ids and amounts carry the on-chain uint256 values as base-10 text
// (a 0x-prefixed hex form is also accepted by the normalizer).
type RawFillEvent struct {
	ContractAddress   string     `json:"contract_address"`
	OrderHash         string     `json:"order_hash"`
	Maker             string     `json:"maker"`
	Taker             string     `json:"taker"`
	MakerAssetID      string     `json:"maker_asset_id"`
	TakerAssetID      string     `json:"taker_asset_id"`
	MakerAmountFilled string     `json:"maker_amount_filled"`
	TakerAmountFilled string     `json:"taker_amount_filled"`
	Fee               string     `json:"fee"`
	TxHash            string     `json:"tx_hash"`
	BlockNumber       uint64     `json:"block_number"`
	BlockTimestamp    *time.Time `json:"block_timestamp,omitempty"`
	BlockHash         string     `json:"block_hash"`
	Network           string     `json:"network"`
	TxIndex           uint32     `json:"tx_index"`
	LogIndex          uint32     `json:"log_index"`
}

// EventKey identifies an on-chain log independently of how many times it is
// delivered.
type EventKey struct {
	Network     string
	BlockNumber uint64
	TxHash      string
	LogIndex    uint32
}

// Key returns the immutable identity of the fill.
func (e RawFillEvent) Key() EventKey {
	return EventKey{
		Network:     e.Network,
		BlockNumber: e.BlockNumber,
		TxHash:      e.TxHash,
		LogIndex:    e.LogIndex,
	}
}

// Timestamp returns the block timestamp, or Epoch when the producer did not
// supply one.
func (e RawFillEvent) Timestamp() time.Time {
	if e.BlockTimestamp == nil {
		return Epoch
	}
	return e.BlockTimestamp.UTC()
}

// ResolutionEvent is one ConditionResolution log. AssetIDs lists the outcome
// token id for each payout slot when the producer knows it; an empty slice
// asks the resolver to look the tokens up in the market catalog.
type ResolutionEvent struct {
	ContractAddress  string     `json:"contract_address"`
	ConditionID      string     `json:"condition_id"`
	Oracle           string     `json:"oracle"`
	QuestionID       string     `json:"question_id"`
	OutcomeSlotCount uint32     `json:"outcome_slot_count"`
	PayoutNumerators []string   `json:"payout_numerators"`
	AssetIDs         []string   `json:"asset_ids,omitempty"`
	TxHash           string     `json:"tx_hash"`
	BlockNumber      uint64     `json:"block_number"`
	BlockTimestamp   *time.Time `json:"block_timestamp,omitempty"`
	BlockHash        string     `json:"block_hash"`
	Network          string     `json:"network"`
	TxIndex          uint32     `json:"tx_index"`
	LogIndex         uint32     `json:"log_index"`
}

// Key returns the immutable identity of the resolution log.
func (e ResolutionEvent) Key() EventKey {
	return EventKey{
		Network:     e.Network,
		BlockNumber: e.BlockNumber,
		TxHash:      e.TxHash,
		LogIndex:    e.LogIndex,
	}
}

// Namespace selects a set of raw tables. The zero value is the canonical
// store; backfills write into their own namespace until promoted.
type Namespace string

// CanonicalNamespace is the live raw store that the pipeline reads from.
const CanonicalNamespace Namespace = ""

// IsCanonical reports whether ns is the canonical namespace.
func (ns Namespace) IsCanonical() bool { return ns == CanonicalNamespace }
