package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

// RPC is the subset of ethclient.Client the source needs.
type RPC interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

var _ RPC = (*ethclient.Client)(nil)

// Batch is every decoded event in a block range. Malformed counts logs that
// matched a topic but could not be decoded.
type Batch struct {
	Range       domain.BlockRange
	Fills       []Fill
	Resolutions []domain.ResolutionEvent
	Malformed   int
}

// SourceConfig tunes log fetching.
type SourceConfig struct {
	Network string
	// MaxRange caps the block span of one eth_getLogs call.
	MaxRange uint64
	// Confirmations is subtracted from the head so only settled blocks are read.
	Confirmations uint64
	// ConditionalTokens is the contract emitting ConditionResolution.
	ConditionalTokens string
}

// Source reads exchange and resolution logs over JSON-RPC.
type Source struct {
	rpc       RPC
	decoder   *Decoder
	cfg       SourceConfig
	addresses []common.Address
	logger    *slog.Logger
}

// Dial connects an ethclient to url.
func Dial(ctx context.Context, url string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("chain: dial: %w", err)
	}
	return c, nil
}

// NewSource creates a Source watching the decoder's registered exchanges and
// the conditional tokens contract.
func NewSource(rpc RPC, decoder *Decoder, cfg SourceConfig, logger *slog.Logger) *Source {
	if cfg.MaxRange == 0 {
		cfg.MaxRange = 2000
	}
	if cfg.ConditionalTokens == "" {
		cfg.ConditionalTokens = domain.ConditionalTokensAddress
	}
	if logger == nil {
		logger = slog.Default()
	}
	addrs := decoder.registry.Contracts(cfg.Network)
	addrs = append(addrs, common.HexToAddress(cfg.ConditionalTokens))
	return &Source{
		rpc:       rpc,
		decoder:   decoder,
		cfg:       cfg,
		addresses: addrs,
		logger:    logger.With(slog.String("component", "chain_source"), slog.String("network", cfg.Network)),
	}
}

// Network is the network this source reads.
func (s *Source) Network() string { return s.cfg.Network }

// SafeHead returns the newest block with enough confirmations.
func (s *Source) SafeHead(ctx context.Context) (uint64, error) {
	head, err := s.rpc.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: block number: %w", err)
	}
	if head < s.cfg.Confirmations {
		return 0, nil
	}
	return head - s.cfg.Confirmations, nil
}

// Fetch reads and decodes every matching log in [from, to], splitting the
// range into MaxRange sized calls.
func (s *Source) Fetch(ctx context.Context, from, to uint64) (Batch, error) {
	batch := Batch{Range: domain.BlockRange{Network: s.cfg.Network, From: from, To: to}}
	if from > to {
		return batch, nil
	}
	stamps := make(map[uint64]*time.Time)

	for start := from; start <= to; {
		end := min(start+s.cfg.MaxRange-1, to)
		logs, err := s.rpc.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: s.addresses,
			Topics:    [][]common.Hash{{OrderFilledTopic, ConditionResolutionTopic}},
		})
		if err != nil {
			return batch, fmt.Errorf("chain: filter logs %d-%d: %w", start, end, err)
		}
		for _, lg := range logs {
			if lg.Removed || len(lg.Topics) == 0 {
				continue
			}
			ts, err := s.blockTime(ctx, stamps, lg.BlockNumber)
			if err != nil {
				return batch, err
			}
			if err := s.decodeInto(&batch, lg, ts); err != nil {
				if !errors.Is(err, domain.ErrMalformedEvent) {
					return batch, err
				}
				batch.Malformed++
				s.logger.WarnContext(ctx, "undecodable log",
					slog.String("tx_hash", lg.TxHash.Hex()),
					slog.Uint64("log_index", uint64(lg.Index)),
					slog.String("error", err.Error()),
				)
			}
		}
		if end == to {
			break
		}
		start = end + 1
	}
	return batch, nil
}

func (s *Source) decodeInto(b *Batch, lg types.Log, ts *time.Time) error {
	switch lg.Topics[0] {
	case OrderFilledTopic:
		f, err := s.decoder.DecodeFill(lg, ts)
		if err != nil {
			return err
		}
		b.Fills = append(b.Fills, f)
	case ConditionResolutionTopic:
		r, err := s.decoder.DecodeResolution(lg, ts)
		if err != nil {
			return err
		}
		b.Resolutions = append(b.Resolutions, r)
	}
	return nil
}

// blockTime returns the header timestamp, or nil if the node does not know
// the header. A nil timestamp becomes epoch downstream.
func (s *Source) blockTime(ctx context.Context, cache map[uint64]*time.Time, block uint64) (*time.Time, error) {
	if ts, ok := cache[block]; ok {
		return ts, nil
	}
	h, err := s.rpc.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			cache[block] = nil
			return nil, nil
		}
		return nil, fmt.Errorf("chain: header %d: %w", block, err)
	}
	ts := time.Unix(int64(h.Time), 0).UTC()
	cache[block] = &ts
	return &ts, nil
}
