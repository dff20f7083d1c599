package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polydearboard/internal/config"
	"github.com/alanyoungcy/polydearboard/internal/domain"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// memoryConfig runs everything in process: no chain, no external stores.
func memoryConfig(mode string) *config.Config {
	cfg := config.Defaults()
	cfg.Mode = mode
	cfg.StorageBackend = config.BackendMemory
	cfg.Gamma.Enabled = false
	cfg.Server.Enabled = false
	return &cfg
}

func TestRunUnsupportedMode(t *testing.T) {
	a := New(memoryConfig("trade"), testLogger())
	defer a.Close()

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported mode "trade"`)
}

func TestSweepModeOnMemoryBackend(t *testing.T) {
	a := New(memoryConfig(config.ModeSweep), testLogger())
	defer a.Close()

	require.NoError(t, a.Run(context.Background()))
	a.Close()
	a.Close()
}

func TestBuildWiresPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig(config.ModeCatalog)
	a := New(cfg, testLogger())

	deps, cleanup, err := Wire(ctx, cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()

	c, err := a.build(ctx, deps)
	require.NoError(t, err)
	defer c.close()

	assert.Nil(t, c.source, "catalog mode does not dial the chain")
	require.NotNil(t, c.dispatcher)
	require.NotNil(t, c.triggers)

	const trader = "0x00000000000000000000000000000000000000aa"
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	fill := domain.RawFillEvent{
		ContractAddress:   domain.CTFExchangeAddress,
		OrderHash:         "0xorder",
		Maker:             trader,
		Taker:             domain.CTFExchangeAddress,
		MakerAssetID:      "0",
		TakerAssetID:      "4242",
		MakerAmountFilled: "40000000",
		TakerAmountFilled: "100000000",
		Fee:               "0",
		TxHash:            "0xtx1",
		BlockNumber:       1,
		BlockTimestamp:    &ts,
		Network:           domain.NetworkPolygon,
		LogIndex:          0,
	}

	stats, err := c.ingestor.IngestFills(ctx, []domain.RawFillEvent{fill})
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Inserted)

	pos, err := deps.Aggregates.Position(ctx, domain.PositionKey{Trader: trader, AssetID: "4242"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, pos.TradeCount)
	assert.True(t, pos.BuyUSDC.Equal(decimal.NewFromInt(40)))

	g, err := deps.Aggregates.Global(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, g.TradeCount)
}
