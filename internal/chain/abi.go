// Package chain decodes exchange and conditional-token logs into raw events
// and reads them from a JSON-RPC node.
package chain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/polydearboard/internal/domain"
	"github.com/alanyoungcy/polydearboard/internal/normalize"
)

const exchangeABIJSON = `[{
	"anonymous": false,
	"name": "OrderFilled",
	"type": "event",
	"inputs": [
		{"indexed": true,  "name": "orderHash",         "type": "bytes32"},
		{"indexed": true,  "name": "maker",             "type": "address"},
		{"indexed": true,  "name": "taker",             "type": "address"},
		{"indexed": false, "name": "makerAssetId",      "type": "uint256"},
		{"indexed": false, "name": "takerAssetId",      "type": "uint256"},
		{"indexed": false, "name": "makerAmountFilled", "type": "uint256"},
		{"indexed": false, "name": "takerAmountFilled", "type": "uint256"},
		{"indexed": false, "name": "fee",               "type": "uint256"}
	]
}]`

const conditionalTokensABIJSON = `[{
	"anonymous": false,
	"name": "ConditionResolution",
	"type": "event",
	"inputs": [
		{"indexed": true,  "name": "conditionId",      "type": "bytes32"},
		{"indexed": true,  "name": "oracle",           "type": "address"},
		{"indexed": true,  "name": "questionId",       "type": "bytes32"},
		{"indexed": false, "name": "outcomeSlotCount", "type": "uint256"},
		{"indexed": false, "name": "payoutNumerators", "type": "uint256[]"}
	]
}]`

var (
	exchangeABI          = mustParseABI(exchangeABIJSON)
	conditionalTokensABI = mustParseABI(conditionalTokensABIJSON)

	orderFilledEvent         = exchangeABI.Events["OrderFilled"]
	conditionResolutionEvent = conditionalTokensABI.Events["ConditionResolution"]

	// OrderFilledTopic is topic0 of an OrderFilled log.
	OrderFilledTopic = orderFilledEvent.ID
	// ConditionResolutionTopic is topic0 of a ConditionResolution log.
	ConditionResolutionTopic = conditionResolutionEvent.ID
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("chain: parse abi: %v", err))
	}
	return parsed
}

// Fill is a decoded OrderFilled log and the exchange its contract maps to.
// Known is false when the registry fell back to its default tag.
type Fill struct {
	Exchange domain.Exchange
	Known    bool
	Event    domain.RawFillEvent
}

// Decoder turns logs into raw events for one network.
type Decoder struct {
	network  string
	registry *normalize.Registry
}

// NewDecoder creates a Decoder.
func NewDecoder(network string, registry *normalize.Registry) *Decoder {
	return &Decoder{network: network, registry: registry}
}

// DecodeFill decodes an OrderFilled log. ts may be nil.
func (d *Decoder) DecodeFill(lg types.Log, ts *time.Time) (Fill, error) {
	if len(lg.Topics) != 4 || lg.Topics[0] != OrderFilledTopic {
		return Fill{}, fmt.Errorf("chain: not an OrderFilled log: %w", domain.ErrMalformedEvent)
	}
	vals, err := orderFilledEvent.Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return Fill{}, fmt.Errorf("chain: unpack OrderFilled %s/%d: %v: %w", lg.TxHash.Hex(), lg.Index, err, domain.ErrMalformedEvent)
	}
	ints, err := bigInts(vals, 5)
	if err != nil {
		return Fill{}, fmt.Errorf("chain: OrderFilled %s/%d: %v: %w", lg.TxHash.Hex(), lg.Index, err, domain.ErrMalformedEvent)
	}

	ex, known := d.registry.ExchangeFor(d.network, lg.Address.Hex())
	return Fill{
		Exchange: ex,
		Known:    known,
		Event: domain.RawFillEvent{
			ContractAddress:   lg.Address.Hex(),
			OrderHash:         lg.Topics[1].Hex(),
			Maker:             common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
			Taker:             common.BytesToAddress(lg.Topics[3].Bytes()).Hex(),
			MakerAssetID:      ints[0].String(),
			TakerAssetID:      ints[1].String(),
			MakerAmountFilled: ints[2].String(),
			TakerAmountFilled: ints[3].String(),
			Fee:               ints[4].String(),
			TxHash:            lg.TxHash.Hex(),
			BlockNumber:       lg.BlockNumber,
			BlockTimestamp:    ts,
			BlockHash:         lg.BlockHash.Hex(),
			Network:           d.network,
			TxIndex:           uint32(lg.TxIndex),
			LogIndex:          uint32(lg.Index),
		},
	}, nil
}

// DecodeResolution decodes a ConditionResolution log. Outcome token ids are
// not part of the log and are left for the resolver to look up.
func (d *Decoder) DecodeResolution(lg types.Log, ts *time.Time) (domain.ResolutionEvent, error) {
	if len(lg.Topics) != 4 || lg.Topics[0] != ConditionResolutionTopic {
		return domain.ResolutionEvent{}, fmt.Errorf("chain: not a ConditionResolution log: %w", domain.ErrMalformedEvent)
	}
	vals, err := conditionResolutionEvent.Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil || len(vals) != 2 {
		return domain.ResolutionEvent{}, fmt.Errorf("chain: unpack ConditionResolution %s/%d: %v: %w", lg.TxHash.Hex(), lg.Index, err, domain.ErrMalformedEvent)
	}
	slots, ok := vals[0].(*big.Int)
	if !ok || !slots.IsUint64() || slots.Uint64() > 256 {
		return domain.ResolutionEvent{}, fmt.Errorf("chain: ConditionResolution %s/%d: bad outcome slot count: %w", lg.TxHash.Hex(), lg.Index, domain.ErrMalformedEvent)
	}
	payouts, ok := vals[1].([]*big.Int)
	if !ok {
		return domain.ResolutionEvent{}, fmt.Errorf("chain: ConditionResolution %s/%d: bad payout numerators: %w", lg.TxHash.Hex(), lg.Index, domain.ErrMalformedEvent)
	}
	nums := make([]string, len(payouts))
	for i, p := range payouts {
		nums[i] = p.String()
	}

	return domain.ResolutionEvent{
		ContractAddress:  lg.Address.Hex(),
		ConditionID:      lg.Topics[1].Hex(),
		Oracle:           common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
		QuestionID:       lg.Topics[3].Hex(),
		OutcomeSlotCount: uint32(slots.Uint64()),
		PayoutNumerators: nums,
		TxHash:           lg.TxHash.Hex(),
		BlockNumber:      lg.BlockNumber,
		BlockTimestamp:   ts,
		BlockHash:        lg.BlockHash.Hex(),
		Network:          d.network,
		TxIndex:          uint32(lg.TxIndex),
		LogIndex:         uint32(lg.Index),
	}, nil
}

func bigInts(vals []interface{}, n int) ([]*big.Int, error) {
	if len(vals) != n {
		return nil, fmt.Errorf("expected %d values, got %d", n, len(vals))
	}
	out := make([]*big.Int, n)
	for i, v := range vals {
		b, ok := v.(*big.Int)
		if !ok {
			return nil, fmt.Errorf("value %d is %T", i, v)
		}
		out[i] = b
	}
	return out, nil
}
