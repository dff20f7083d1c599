package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polydearboard/internal/aggregate"
	"github.com/alanyoungcy/polydearboard/internal/chain"
	"github.com/alanyoungcy/polydearboard/internal/domain"
	"github.com/alanyoungcy/polydearboard/internal/metrics"
	"github.com/alanyoungcy/polydearboard/internal/normalize"
	"github.com/alanyoungcy/polydearboard/internal/resolve"
	"github.com/alanyoungcy/polydearboard/internal/store/memory"
)

const (
	traderA = "0x1111111111111111111111111111111111111111"
	traderB = "0x2222222222222222222222222222222222222222"
	assetX  = "71321045679252212594626385532706912750332728571942532289631379312455583992563"
)

var day0 = time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// buyFill is maker paying usdc (6dp units) for 100 tokens of assetX.
func buyFill(maker string, block uint64, logIdx uint32, usdc string, ts time.Time) domain.RawFillEvent {
	return domain.RawFillEvent{
		ContractAddress:   domain.CTFExchangeAddress,
		OrderHash:         "0xorder",
		Maker:             maker,
		Taker:             domain.CTFExchangeAddress,
		MakerAssetID:      "0",
		TakerAssetID:      assetX,
		MakerAmountFilled: usdc,
		TakerAmountFilled: "100000000",
		Fee:               "0",
		TxHash:            fmt.Sprintf("0xtx%d", block),
		BlockNumber:       block,
		BlockTimestamp:    &ts,
		Network:           domain.NetworkPolygon,
		LogIndex:          logIdx,
	}
}

type recordedTriggers struct {
	mu       sync.Mutex
	trades   []domain.LedgerEntry
	resolved []domain.ResolvedPrice
}

func (r *recordedTriggers) TradeInserted(_ context.Context, e domain.LedgerEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, e)
}

func (r *recordedTriggers) ResolvedInserted(_ context.Context, rp domain.ResolvedPrice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, rp)
}

type harness struct {
	store    *memory.Store
	raw      *memory.RawStore
	resolved *memory.ResolvedPriceStore
	markets  *memory.MarketStore
	cursors  *memory.CursorStore
	catalog  *Catalog
	triggers *recordedTriggers
	metrics  *metrics.Metrics
	ingestor *Ingestor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	deny, err := aggregate.NewDenyList(aggregate.DefaultDenyEntries())
	require.NoError(t, err)

	h := &harness{
		store:    memory.NewStore(),
		raw:      memory.NewRawStore(),
		resolved: memory.NewResolvedPriceStore(),
		markets:  memory.NewMarketStore(),
		cursors:  memory.NewCursorStore(),
		triggers: &recordedTriggers{},
		metrics:  metrics.New(),
	}
	h.catalog = NewCatalog(h.markets, nil, nil, nil, CatalogConfig{}, testLogger())
	h.ingestor = NewIngestor(IngestorDeps{
		Raw:      h.raw,
		Registry: normalize.DefaultRegistry(),
		Ledger:   h.store,
		FanOut:   aggregate.NewFanOut(h.store, deny, aggregate.WithLogger(testLogger())),
		Resolver: resolve.NewResolver(h.resolved, h.catalog, testLogger()),
		Triggers: h.triggers,
		Metrics:  h.metrics,
	}, 4, testLogger())
	t.Cleanup(h.ingestor.Close)
	return h
}

func (h *harness) position(t *testing.T, trader string) domain.TraderPosition {
	t.Helper()
	p, err := h.store.Position(context.Background(), domain.PositionKey{Trader: trader, AssetID: assetX})
	require.NoError(t, err)
	return p
}

// fakeSource serves fixed events by block.
type fakeSource struct {
	head        uint64
	fills       []domain.RawFillEvent
	resolutions []domain.ResolutionEvent
	calls       [][2]uint64
	err         error
}

func (s *fakeSource) Network() string { return domain.NetworkPolygon }

func (s *fakeSource) SafeHead(context.Context) (uint64, error) { return s.head, s.err }

func (s *fakeSource) Fetch(_ context.Context, from, to uint64) (chain.Batch, error) {
	s.calls = append(s.calls, [2]uint64{from, to})
	if s.err != nil {
		return chain.Batch{}, s.err
	}
	b := chain.Batch{Range: domain.BlockRange{Network: s.Network(), From: from, To: to}}
	for _, f := range s.fills {
		if f.BlockNumber >= from && f.BlockNumber <= to {
			b.Fills = append(b.Fills, chain.Fill{Exchange: domain.ExchangeCTF, Known: true, Event: f})
		}
	}
	for _, r := range s.resolutions {
		if r.BlockNumber >= from && r.BlockNumber <= to {
			b.Resolutions = append(b.Resolutions, r)
		}
	}
	return b, nil
}

type fakeLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[key] {
		return nil, fmt.Errorf("lock %s: %w", key, domain.ErrLockHeld)
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}
