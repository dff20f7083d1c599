// Package normalize turns raw exchange fill events into canonical trades.
//
// Every match on the exchange emits one fill per maker order plus a summary
// fill whose maker is the real taker and whose taker is the exchange contract.
// Reading only the maker field of every row therefore yields exactly one trade
// per participant and never attributes a trade to the exchange itself.
package normalize

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

// Result tells the caller whether a fill produced a trade.
type Result int

const (
	// Filtered fills match neither the buy nor the sell leg pattern. They are
	// expected traffic, not errors.
	Filtered Result = iota
	Emitted
)

func (r Result) String() string {
	if r == Emitted {
		return "emitted"
	}
	return "filtered"
}

const (
	// usdcDecimals is the fixed-point scale of both USDC and outcome tokens.
	usdcDecimals = 6
	// PricePrecision is the number of decimal places kept in a trade price.
	PricePrecision = 10
)

// Normalize maps one raw fill to zero or one canonical trade. It performs no
// lookups and has no side effects. Malformed input returns an error wrapping
// domain.ErrMalformedEvent.
func Normalize(exchange domain.Exchange, ev domain.RawFillEvent) (domain.CanonicalTrade, Result, error) {
	if !exchange.Valid() {
		return domain.CanonicalTrade{}, Filtered, malformed(ev, "exchange %q", exchange)
	}
	if ev.TxHash == "" || ev.Network == "" {
		return domain.CanonicalTrade{}, Filtered, malformed(ev, "missing tx hash or network")
	}
	if !common.IsHexAddress(ev.Maker) {
		return domain.CanonicalTrade{}, Filtered, malformed(ev, "maker %q is not an address", ev.Maker)
	}

	makerAsset, err := parseUint256("maker_asset_id", ev.MakerAssetID)
	if err != nil {
		return domain.CanonicalTrade{}, Filtered, malformed(ev, "%v", err)
	}
	takerAsset, err := parseUint256("taker_asset_id", ev.TakerAssetID)
	if err != nil {
		return domain.CanonicalTrade{}, Filtered, malformed(ev, "%v", err)
	}
	makerAmt, err := parseUint256("maker_amount_filled", ev.MakerAmountFilled)
	if err != nil {
		return domain.CanonicalTrade{}, Filtered, malformed(ev, "%v", err)
	}
	takerAmt, err := parseUint256("taker_amount_filled", ev.TakerAmountFilled)
	if err != nil {
		return domain.CanonicalTrade{}, Filtered, malformed(ev, "%v", err)
	}
	rawFee := big.NewInt(0)
	if strings.TrimSpace(ev.Fee) != "" {
		if rawFee, err = parseUint256("fee", ev.Fee); err != nil {
			return domain.CanonicalTrade{}, Filtered, malformed(ev, "%v", err)
		}
	}

	var (
		side            domain.Side
		asset           *big.Int
		tokens, usdcRaw *big.Int
	)
	switch {
	case makerAsset.Sign() == 0 && takerAsset.Sign() == 0:
		return domain.CanonicalTrade{}, Filtered, nil
	case makerAsset.Sign() == 0:
		// Maker paid USDC for tokens.
		side, asset, tokens, usdcRaw = domain.SideBuy, takerAsset, takerAmt, makerAmt
	case takerAsset.Sign() == 0:
		// Maker handed over tokens for USDC.
		side, asset, tokens, usdcRaw = domain.SideSell, makerAsset, makerAmt, takerAmt
	default:
		return domain.CanonicalTrade{}, Filtered, nil
	}
	if tokens.Sign() == 0 {
		return domain.CanonicalTrade{}, Filtered, malformed(ev, "zero token amount")
	}

	usdc := decimal.NewFromBigInt(usdcRaw, 0)
	return domain.CanonicalTrade{
		Exchange:       exchange,
		Trader:         NormalizeAddress(ev.Maker),
		Side:           side,
		AssetID:        asset.String(),
		Amount:         decimal.NewFromBigInt(tokens, -usdcDecimals),
		Price:          usdc.DivRound(decimal.NewFromBigInt(tokens, 0), PricePrecision),
		USDCAmount:     decimal.NewFromBigInt(usdcRaw, -usdcDecimals),
		Fee:            decimal.Zero,
		RawFee:         rawFee.String(),
		RawUSDCAmount:  usdcRaw.String(),
		OrderHash:      strings.ToLower(ev.OrderHash),
		TxHash:         strings.ToLower(ev.TxHash),
		BlockNumber:    ev.BlockNumber,
		BlockTimestamp: ev.Timestamp(),
		LogIndex:       ev.LogIndex,
		Network:        ev.Network,
	}, Emitted, nil
}

// NormalizeAddress returns the lower-case 0x form of a hex address. Input is
// expected to have passed common.IsHexAddress.
func NormalizeAddress(addr string) string {
	return strings.ToLower(common.HexToAddress(addr).Hex())
}

func parseUint256(field, s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%s is empty", field)
	}
	v, ok := math.ParseBig256(s)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s %q is not a uint256", field, s)
	}
	return v, nil
}

func malformed(ev domain.RawFillEvent, format string, args ...any) error {
	return fmt.Errorf("%w: tx %s log %d: %s", domain.ErrMalformedEvent,
		ev.TxHash, ev.LogIndex, fmt.Sprintf(format, args...))
}
