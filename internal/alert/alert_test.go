package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polydearboard/internal/aggregate"
	"github.com/alanyoungcy/polydearboard/internal/domain"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recordingSink struct {
	mu   sync.Mutex
	msgs map[string][][]byte
	err  error
}

func newRecordingSink() *recordingSink { return &recordingSink{msgs: map[string][][]byte{}} }

func (s *recordingSink) Publish(_ context.Context, topic string, payload []byte) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[topic] = append(s.msgs[topic], payload)
	return nil
}

func (s *recordingSink) count(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs[topic])
}

type staticLookup map[string]domain.MarketInfo

func (l staticLookup) Lookup(_ context.Context, assetID string) (domain.MarketInfo, bool) {
	m, ok := l[assetID]
	return m, ok
}

// flush delivers everything queued without starting Run.
func flush(t *testing.T, d *Dispatcher) {
	t.Helper()
	for {
		select {
		case m := <-d.queue:
			require.NoError(t, d.Publish(context.Background(), m.topic, m.build(context.Background())))
		default:
			return
		}
	}
}

func TestDispatcherFiltersTopics(t *testing.T) {
	sink := newRecordingSink()
	d := NewDispatcher([]Sink{NewSink("rec", sink)}, []string{domain.TopicWhaleTrade}, 8, testLogger())

	require.NoError(t, d.Publish(context.Background(), domain.TopicTradeInserted, map[string]int{"a": 1}))
	require.NoError(t, d.Publish(context.Background(), domain.TopicWhaleTrade, map[string]int{"a": 1}))

	assert.Equal(t, 0, sink.count(domain.TopicTradeInserted))
	assert.Equal(t, 1, sink.count(domain.TopicWhaleTrade))
	assert.False(t, d.Enqueue(domain.TopicTradeInserted, func(context.Context) any { return nil }))
}

func TestDispatcherCollectsSinkErrors(t *testing.T) {
	good := newRecordingSink()
	bad := newRecordingSink()
	bad.err = errors.New("connection refused")
	d := NewDispatcher([]Sink{NewSink("bad", bad), NewSink("good", good)}, nil, 8, testLogger())

	err := d.Publish(context.Background(), domain.TopicTradeInserted, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: connection refused")
	assert.Equal(t, 1, good.count(domain.TopicTradeInserted))
	assert.EqualValues(t, 1, d.Sent())
}

func TestDispatcherRunDeliversAndDrains(t *testing.T) {
	sink := newRecordingSink()
	d := NewDispatcher([]Sink{NewSink("rec", sink)}, nil, 16, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	for i := 0; i < 5; i++ {
		require.True(t, d.Enqueue(domain.TopicTradeInserted, func(context.Context) any { return i }))
	}
	require.Eventually(t, func() bool { return sink.count(domain.TopicTradeInserted) == 5 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := NewDispatcher([]Sink{NewSink("rec", newRecordingSink())}, nil, 1, testLogger())
	build := func(context.Context) any { return nil }

	assert.True(t, d.Enqueue(domain.TopicTradeInserted, build))
	assert.False(t, d.Enqueue(domain.TopicTradeInserted, build))
	assert.EqualValues(t, 1, d.Dropped())
}

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func trade(trader, asset string, side domain.Side, at time.Time) domain.CanonicalTrade {
	return domain.CanonicalTrade{
		Exchange:       domain.ExchangeCTF,
		Trader:         trader,
		Side:           side,
		AssetID:        asset,
		Amount:         decimal.NewFromInt(100),
		Price:          decimal.RequireFromString("0.5"),
		USDCAmount:     decimal.NewFromInt(50),
		RawUSDCAmount:  "50000000",
		BlockTimestamp: at,
		Network:        domain.NetworkPolygon,
	}
}

func TestConvergenceDetector(t *testing.T) {
	t.Run("fires on second distinct trader", func(t *testing.T) {
		d := NewConvergenceDetector(ConvergenceConfig{})
		_, ok := d.Observe(trade("0xa", "1", domain.SideBuy, t0))
		assert.False(t, ok)
		_, ok = d.Observe(trade("0xa", "1", domain.SideBuy, t0.Add(time.Second)))
		assert.False(t, ok, "same trader twice is not convergence")

		c, ok := d.Observe(trade("0xb", "1", domain.SideSell, t0.Add(2*time.Second)))
		require.True(t, ok)
		assert.Equal(t, []string{"0xa", "0xb"}, c.Traders)
		assert.Equal(t, 2, c.TraderCount)
		assert.Equal(t, domain.SideBuy, c.Side)
		assert.True(t, c.TotalUSDC.Equal(decimal.NewFromInt(150)))
		assert.EqualValues(t, 300, c.WindowSeconds)
	})

	t.Run("dedups per asset", func(t *testing.T) {
		d := NewConvergenceDetector(ConvergenceConfig{})
		d.Observe(trade("0xa", "1", domain.SideBuy, t0))
		_, ok := d.Observe(trade("0xb", "1", domain.SideBuy, t0.Add(time.Second)))
		require.True(t, ok)

		_, ok = d.Observe(trade("0xc", "1", domain.SideBuy, t0.Add(30*time.Second)))
		assert.False(t, ok)
		_, ok = d.Observe(trade("0xd", "1", domain.SideBuy, t0.Add(62*time.Second)))
		assert.True(t, ok)
	})

	t.Run("window expires", func(t *testing.T) {
		d := NewConvergenceDetector(ConvergenceConfig{})
		d.Observe(trade("0xa", "1", domain.SideBuy, t0))
		_, ok := d.Observe(trade("0xb", "1", domain.SideBuy, t0.Add(6*time.Minute)))
		assert.False(t, ok)
	})

	t.Run("caps tracked assets", func(t *testing.T) {
		d := NewConvergenceDetector(ConvergenceConfig{MaxAssets: 3})
		for i, asset := range []string{"1", "2", "3", "4"} {
			d.Observe(trade("0xa", asset, domain.SideBuy, t0.Add(time.Duration(i)*time.Second)))
		}
		assert.Equal(t, 3, d.Tracked())
		_, ok := d.windows.Load("1")
		assert.False(t, ok, "stalest asset is dropped")
	})

	t.Run("sweep forgets idle assets", func(t *testing.T) {
		d := NewConvergenceDetector(ConvergenceConfig{})
		d.Observe(trade("0xa", "1", domain.SideBuy, t0))
		d.Observe(trade("0xa", "2", domain.SideBuy, t0.Add(10*time.Minute)))
		assert.Equal(t, 1, d.Sweep(t0.Add(11*time.Minute)))
		assert.Equal(t, 1, d.Tracked())
	})

	t.Run("missing timestamp uses the clock", func(t *testing.T) {
		d := NewConvergenceDetector(ConvergenceConfig{})
		d.now = func() time.Time { return t0 }
		d.Observe(trade("0xa", "1", domain.SideBuy, domain.Epoch))
		c, ok := d.Observe(trade("0xb", "1", domain.SideBuy, domain.Epoch))
		require.True(t, ok)
		assert.Equal(t, t0, c.DetectedAt)
	})
}

func TestIsWhale(t *testing.T) {
	tr := trade("0xa", "1", domain.SideBuy, t0)
	threshold := decimal.NewFromInt(DefaultWhaleThresholdRaw).BigInt()

	tr.RawUSDCAmount = "24999999999"
	assert.False(t, IsWhale(tr, threshold))
	tr.RawUSDCAmount = "25000000000"
	assert.True(t, IsWhale(tr, threshold))
	tr.RawUSDCAmount = "not-a-number"
	assert.False(t, IsWhale(tr, threshold))
}

// newTestTriggers pins the clock to t0 so fixtures count as live.
func newTestTriggers(d *Dispatcher, cfg TriggerConfig, deny *aggregate.DenyList, lookup MarketLookup) *Triggers {
	tr := NewTriggers(d, cfg, deny, lookup, testLogger())
	tr.now = func() time.Time { return t0 }
	return tr
}

func watching(traders ...string) *SmartMoney {
	return NewSmartMoney(SmartMoneyConfig{Traders: traders}, nil, testLogger())
}

func TestTriggers(t *testing.T) {
	lookup := staticLookup{"1": {AssetID: "1", Question: "Will it rain?", Outcome: "Yes", Category: "Weather"}}

	t.Run("fresh trade publishes insert and whale", func(t *testing.T) {
		sink := newRecordingSink()
		d := NewDispatcher([]Sink{NewSink("rec", sink)}, nil, 16, testLogger())
		tr := newTestTriggers(d, TriggerConfig{}, nil, lookup)

		whale := trade("0xa", "1", domain.SideBuy, t0)
		whale.RawUSDCAmount = "30000000000"
		whale.USDCAmount = decimal.NewFromInt(30000)
		tr.TradeInserted(context.Background(), domain.LedgerEntry{Trade: whale, Fresh: true})
		flush(t, d)

		require.Equal(t, 1, sink.count(domain.TopicTradeInserted))
		require.Equal(t, 1, sink.count(domain.TopicWhaleTrade))
		var w WhaleTrade
		require.NoError(t, json.Unmarshal(sink.msgs[domain.TopicWhaleTrade][0], &w))
		assert.Equal(t, "Will it rain?", w.Question)
		assert.Equal(t, "Yes", w.Outcome)
		assert.True(t, w.USDCAmount.Equal(decimal.NewFromInt(30000)))
	})

	t.Run("redelivery publishes nothing", func(t *testing.T) {
		sink := newRecordingSink()
		d := NewDispatcher([]Sink{NewSink("rec", sink)}, nil, 16, testLogger())
		tr := newTestTriggers(d, TriggerConfig{ConvergenceEnabled: true, SmartMoney: watching("0xa")}, nil, lookup)

		tr.TradeInserted(context.Background(), domain.LedgerEntry{Trade: trade("0xa", "1", domain.SideBuy, t0)})
		flush(t, d)
		assert.Equal(t, 0, sink.count(domain.TopicTradeInserted))
	})

	t.Run("deny-listed traders do not converge", func(t *testing.T) {
		deny, err := aggregate.NewDenyList(aggregate.DefaultDenyEntries())
		require.NoError(t, err)
		sink := newRecordingSink()
		d := NewDispatcher([]Sink{NewSink("rec", sink)}, nil, 16, testLogger())
		relayerAddr := strings.ToLower(domain.RelayerAddress)
		cfg := TriggerConfig{ConvergenceEnabled: true, SmartMoney: watching(relayerAddr, "0xa", "0xb")}
		tr := newTestTriggers(d, cfg, deny, lookup)

		relayer := domain.LedgerEntry{Trade: trade(relayerAddr, "1", domain.SideBuy, t0), Fresh: true}
		user := domain.LedgerEntry{Trade: trade("0xa", "1", domain.SideBuy, t0.Add(time.Second)), Fresh: true}
		tr.TradeInserted(context.Background(), relayer)
		tr.TradeInserted(context.Background(), user)
		flush(t, d)
		assert.Equal(t, 0, sink.count(domain.TopicConvergence))

		tr.TradeInserted(context.Background(), domain.LedgerEntry{Trade: trade("0xb", "1", domain.SideBuy, t0.Add(2*time.Second)), Fresh: true})
		flush(t, d)
		require.Equal(t, 1, sink.count(domain.TopicConvergence))
		var c Convergence
		require.NoError(t, json.Unmarshal(sink.msgs[domain.TopicConvergence][0], &c))
		assert.Equal(t, "Will it rain?", c.Question)
		assert.Equal(t, []string{"0xa", "0xb"}, c.Traders)
	})

	t.Run("only watched traders converge", func(t *testing.T) {
		sink := newRecordingSink()
		d := NewDispatcher([]Sink{NewSink("rec", sink)}, nil, 16, testLogger())
		tr := newTestTriggers(d, TriggerConfig{ConvergenceEnabled: true, SmartMoney: watching("0xa", "0xb")}, nil, lookup)

		tr.TradeInserted(context.Background(), domain.LedgerEntry{Trade: trade("0xa", "1", domain.SideBuy, t0), Fresh: true})
		tr.TradeInserted(context.Background(), domain.LedgerEntry{Trade: trade("0xc", "1", domain.SideBuy, t0.Add(time.Second)), Fresh: true})
		flush(t, d)
		assert.Equal(t, 0, sink.count(domain.TopicConvergence))
		assert.Equal(t, 2, sink.count(domain.TopicTradeInserted))

		tr.TradeInserted(context.Background(), domain.LedgerEntry{Trade: trade("0xb", "1", domain.SideBuy, t0.Add(2*time.Second)), Fresh: true})
		flush(t, d)
		assert.Equal(t, 1, sink.count(domain.TopicConvergence))
	})

	t.Run("convergence needs a smart money set", func(t *testing.T) {
		sink := newRecordingSink()
		d := NewDispatcher([]Sink{NewSink("rec", sink)}, nil, 16, testLogger())
		tr := newTestTriggers(d, TriggerConfig{ConvergenceEnabled: true}, nil, lookup)

		tr.TradeInserted(context.Background(), domain.LedgerEntry{Trade: trade("0xa", "1", domain.SideBuy, t0), Fresh: true})
		tr.TradeInserted(context.Background(), domain.LedgerEntry{Trade: trade("0xb", "1", domain.SideBuy, t0.Add(time.Second)), Fresh: true})
		flush(t, d)
		assert.Equal(t, 0, sink.count(domain.TopicConvergence))
		assert.NoError(t, tr.RefreshSmartMoney(context.Background()))
	})

	t.Run("stale trades only publish the insert", func(t *testing.T) {
		sink := newRecordingSink()
		d := NewDispatcher([]Sink{NewSink("rec", sink)}, nil, 16, testLogger())
		tr := newTestTriggers(d, TriggerConfig{ConvergenceEnabled: true, SmartMoney: watching("0xa", "0xb")}, nil, lookup)
		tr.now = func() time.Time { return t0.Add(365 * 24 * time.Hour) }

		whale := trade("0xa", "1", domain.SideBuy, t0)
		whale.RawUSDCAmount = "30000000000"
		tr.TradeInserted(context.Background(), domain.LedgerEntry{Trade: whale, Fresh: true})
		tr.TradeInserted(context.Background(), domain.LedgerEntry{Trade: trade("0xb", "1", domain.SideBuy, t0.Add(time.Second)), Fresh: true})
		flush(t, d)

		assert.Equal(t, 2, sink.count(domain.TopicTradeInserted))
		assert.Equal(t, 0, sink.count(domain.TopicWhaleTrade))
		assert.Equal(t, 0, sink.count(domain.TopicConvergence))
	})

	t.Run("live window", func(t *testing.T) {
		tr := newTestTriggers(NewDispatcher(nil, nil, 1, testLogger()), TriggerConfig{}, nil, nil)
		assert.True(t, tr.Live(trade("0xa", "1", domain.SideBuy, t0.Add(-4*time.Minute))))
		assert.True(t, tr.Live(trade("0xa", "1", domain.SideBuy, t0.Add(4*time.Minute))))
		assert.False(t, tr.Live(trade("0xa", "1", domain.SideBuy, t0.Add(-5*time.Minute))))
		assert.True(t, tr.Live(trade("0xa", "1", domain.SideBuy, domain.Epoch)), "missing timestamp counts as live")
	})

	t.Run("resolved price is enriched", func(t *testing.T) {
		sink := newRecordingSink()
		d := NewDispatcher([]Sink{NewSink("rec", sink)}, nil, 16, testLogger())
		tr := newTestTriggers(d, TriggerConfig{}, nil, lookup)

		tr.ResolvedInserted(context.Background(), domain.ResolvedPrice{AssetID: "1", ResolvedPrice: decimal.NewFromInt(1)})
		flush(t, d)
		require.Equal(t, 1, sink.count(domain.TopicResolvedInserted))
		var r ResolvedInserted
		require.NoError(t, json.Unmarshal(sink.msgs[domain.TopicResolvedInserted][0], &r))
		assert.Equal(t, "1", r.AssetID)
		assert.Equal(t, "Yes", r.Outcome)
	})
}

type fakeRanker struct {
	top   []string
	err   error
	calls int
	limit int
	skip  []string
}

func (f *fakeRanker) TopTradersByPnL(_ context.Context, limit int, exclude []string) ([]string, error) {
	f.calls++
	f.limit, f.skip = limit, exclude
	return f.top, f.err
}

func TestSmartMoney(t *testing.T) {
	ctx := context.Background()

	t.Run("ranked set refreshes when stale", func(t *testing.T) {
		r := &fakeRanker{top: []string{"0xa", "0xb"}}
		s := NewSmartMoney(SmartMoneyConfig{Exclude: []string{"0xdead"}}, r, testLogger())
		now := t0
		s.now = func() time.Time { return now }

		assert.False(t, s.Contains("0xa"), "empty before the first ranking")
		require.NoError(t, s.RefreshIfStale(ctx))
		assert.True(t, s.Contains("0xa"))
		assert.Equal(t, 2, s.Size())
		assert.Equal(t, DefaultSmartMoneyTopN, r.limit)
		assert.Equal(t, []string{"0xdead"}, r.skip)

		r.top = []string{"0xc"}
		now = now.Add(time.Minute)
		require.NoError(t, s.RefreshIfStale(ctx))
		assert.Equal(t, 1, r.calls, "fresh ranking is reused")

		now = now.Add(DefaultSmartMoneyRefresh)
		require.NoError(t, s.RefreshIfStale(ctx))
		assert.True(t, s.Contains("0xc"))
		assert.False(t, s.Contains("0xa"))
	})

	t.Run("failed ranking keeps the previous set", func(t *testing.T) {
		r := &fakeRanker{top: []string{"0xa"}}
		s := NewSmartMoney(SmartMoneyConfig{}, r, testLogger())
		require.NoError(t, s.Refresh(ctx))
		r.err = errors.New("db down")
		require.Error(t, s.Refresh(ctx))
		assert.True(t, s.Contains("0xa"))
	})

	t.Run("top n is clamped", func(t *testing.T) {
		r := &fakeRanker{}
		require.NoError(t, NewSmartMoney(SmartMoneyConfig{TopN: 500}, r, testLogger()).Refresh(ctx))
		assert.Equal(t, MaxSmartMoneyTopN, r.limit)
	})

	t.Run("fixed list is normalized and never ranked", func(t *testing.T) {
		r := &fakeRanker{top: []string{"0xb"}}
		s := NewSmartMoney(SmartMoneyConfig{Traders: []string{" " + domain.RelayerAddress}}, r, testLogger())
		require.NoError(t, s.Refresh(ctx))
		assert.Zero(t, r.calls)
		assert.True(t, s.Contains(strings.ToLower(domain.RelayerAddress)))
	})

	t.Run("nil set watches nobody", func(t *testing.T) {
		var s *SmartMoney
		assert.False(t, s.Contains("0xa"))
		assert.NoError(t, s.RefreshIfStale(ctx))
	})
}
