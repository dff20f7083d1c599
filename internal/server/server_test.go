package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polydearboard/internal/aggregate"
	"github.com/alanyoungcy/polydearboard/internal/domain"
	"github.com/alanyoungcy/polydearboard/internal/metrics"
	"github.com/alanyoungcy/polydearboard/internal/normalize"
	"github.com/alanyoungcy/polydearboard/internal/server/handler"
	"github.com/alanyoungcy/polydearboard/internal/server/middleware"
	"github.com/alanyoungcy/polydearboard/internal/store/memory"
)

const (
	trader = "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"
	asset  = "4242"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fixture struct {
	store    *memory.Store
	resolved *memory.ResolvedPriceStore
	cursors  *memory.CursorStore
	metrics  *metrics.Metrics
	refresh  *fakeRefresher
}

type fakeRefresher struct{ calls int }

func (f *fakeRefresher) RequestRefresh() bool {
	f.calls++
	return f.calls == 1
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }
func (denyAll) Wait(context.Context, string, int, time.Duration) error          { return nil }

// seed runs one 40 USDC buy of 100 tokens through the ledger and aggregates.
func seed(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	ts := time.Date(2025, 5, 6, 10, 0, 0, 0, time.UTC)
	trade, res, err := normalize.Normalize(domain.ExchangeCTF, domain.RawFillEvent{
		ContractAddress:   domain.CTFExchangeAddress,
		Maker:             "0x" + strings.ToUpper(trader[2:]),
		Taker:             domain.CTFExchangeAddress,
		MakerAssetID:      "0",
		TakerAssetID:      asset,
		MakerAmountFilled: "40000000",
		TakerAmountFilled: "100000000",
		Fee:               "0",
		TxHash:            "0xfeed",
		BlockNumber:       77,
		BlockTimestamp:    &ts,
		Network:           domain.NetworkPolygon,
		LogIndex:          3,
	})
	require.NoError(t, err)
	require.Equal(t, normalize.Emitted, res)

	entry, err := f.store.Upsert(ctx, trade)
	require.NoError(t, err)
	_, err = aggregate.NewFanOut(f.store, nil).Apply(ctx, entry)
	require.NoError(t, err)
	require.NoError(t, f.cursors.SetCursor(ctx, domain.NetworkPolygon, "chain", 77))
}

func newTestServer(t *testing.T, cfg Config, limiter domain.RateLimiter, checks map[string]handler.Check) (*httptest.Server, *fixture) {
	t.Helper()
	f := &fixture{
		store:    memory.NewStore(),
		resolved: memory.NewResolvedPriceStore(),
		cursors:  memory.NewCursorStore(),
		metrics:  metrics.New(),
		refresh:  &fakeRefresher{},
	}
	log := testLogger()
	srv := NewServer(cfg, Handlers{
		Health:   handler.NewHealthHandler(checks, log),
		Status:   handler.NewStatusHandler("ingest", domain.NetworkPolygon, "chain", f.cursors, nil, log),
		Stats:    handler.NewStatsHandler(f.store, f.resolved, nil, f.store, log),
		Pipeline: handler.NewPipelineHandler(f.refresh, log),
		Metrics:  f.metrics.Handler(),
	}, limiter, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, f
}

func get(t *testing.T, url string, header ...string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestHealthAndReadiness(t *testing.T) {
	checks := map[string]handler.Check{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}
	ts, _ := newTestServer(t, Config{APIKeys: []string{"secret"}}, nil, checks)

	resp, _ := get(t, ts.URL+"/api/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health checks bypass auth")

	resp, body := get(t, ts.URL+"/api/ready")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var ready struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(body, &ready))
	assert.Equal(t, "degraded", ready.Status)
	assert.Equal(t, "ok", ready.Checks["postgres"])
	assert.Equal(t, "connection refused", ready.Checks["redis"])
}

func TestAuth(t *testing.T) {
	ts, _ := newTestServer(t, Config{APIKeys: []string{"old-secret", " ", "new-secret"}}, nil, nil)

	resp, body := get(t, ts.URL+"/api/status")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.JSONEq(t, `{"error":"missing api key"}`, string(body))

	resp, _ = get(t, ts.URL+"/api/status", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = get(t, ts.URL+"/api/status", "X-API-Key", "old-secret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = get(t, ts.URL+"/api/status", "Authorization", "Bearer new-secret")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "both keys are live during rotation")
}

// bucketLimiter allows one request per bucket and records the buckets seen.
type bucketLimiter struct {
	mu   sync.Mutex
	seen map[string]int
}

func (l *bucketLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen == nil {
		l.seen = map[string]int{}
	}
	l.seen[key]++
	return l.seen[key] <= limit, nil
}

func (l *bucketLimiter) Wait(context.Context, string, int, time.Duration) error { return nil }

func TestRateLimitPerKey(t *testing.T) {
	lim := &bucketLimiter{}
	ts, _ := newTestServer(t, Config{APIKeys: []string{"alpha", "beta"}, RateLimit: 1}, lim, nil)

	resp, _ := get(t, ts.URL+"/api/stats/global", "X-API-Key", "alpha")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body := get(t, ts.URL+"/api/stats/global", "X-API-Key", "alpha")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, string(body))

	resp, _ = get(t, ts.URL+"/api/stats/global", "X-API-Key", "beta")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "each key has its own budget")

	resp, _ = get(t, ts.URL+"/api/stats/global", "X-API-Key", "nope")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Equal(t, map[string]int{
		"ratelimit:api:key:" + middleware.Fingerprint("alpha"): 2,
		"ratelimit:api:key:" + middleware.Fingerprint("beta"):  1,
	}, lim.seen, "rejected keys never reach the limiter")
}

func TestAccessLogUsesRoutePattern(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	m := metrics.New()
	srv := NewServer(Config{APIKeys: []string{"alpha"}, Metrics: m}, Handlers{
		Health: handler.NewHealthHandler(nil, log),
		Stats:  handler.NewStatsHandler(memory.NewStore(), memory.NewResolvedPriceStore(), nil, memory.NewStore(), log),
	}, nil, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, _ := get(t, ts.URL+"/api/traders/"+trader+"/positions", "X-API-Key", "alpha")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = get(t, ts.URL+"/api/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var lines []map[string]any
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var line map[string]any
		require.NoError(t, dec.Decode(&line))
		if line["msg"] == "http request" {
			lines = append(lines, line)
		}
	}
	require.Len(t, lines, 1, "health checks are logged at debug")
	assert.Equal(t, "GET /api/traders/{address}/positions", lines[0]["route"])
	assert.Equal(t, middleware.Fingerprint("alpha"), lines[0]["key_id"])
	assert.EqualValues(t, 200, lines[0]["status"])
	assert.NotContains(t, buf.String(), trader, "raw paths stay out of the access log")

	assert.Equal(t, 2, testutil.CollectAndCount(m.HTTPRequests, "dearboard_http_request_duration_seconds"))
}

func TestStatusAndMetrics(t *testing.T) {
	ts, f := newTestServer(t, Config{}, nil, nil)
	seed(t, f)
	f.metrics.SetCursor(domain.NetworkPolygon, "chain", 77)

	resp, body := get(t, ts.URL+"/api/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status struct {
		Mode        string `json:"mode"`
		CursorBlock uint64 `json:"cursor_block"`
	}
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "ingest", status.Mode)
	assert.EqualValues(t, 77, status.CursorBlock)

	resp, body = get(t, ts.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `dearboard_tail_cursor_block{network="polygon",source="chain"} 77`)
}

func TestTraderPositionsMarkToMarket(t *testing.T) {
	ts, f := newTestServer(t, Config{}, nil, nil)
	seed(t, f)

	type positions struct {
		Trader    string `json:"trader"`
		Positions []struct {
			AssetID       string           `json:"asset_id"`
			NetAmount     decimal.Decimal  `json:"net_amount"`
			LatestPrice   decimal.Decimal  `json:"latest_price"`
			ResolvedPrice *decimal.Decimal `json:"resolved_price"`
			PnL           decimal.Decimal  `json:"pnl"`
		} `json:"positions"`
		TotalPnL decimal.Decimal `json:"total_pnl"`
	}

	// Mixed-case path still finds the lower-cased trader.
	resp, body := get(t, ts.URL+"/api/traders/"+"0x"+strings.ToUpper(trader[2:])+"/positions")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var open positions
	require.NoError(t, json.Unmarshal(body, &open))
	assert.Equal(t, trader, open.Trader)
	require.Len(t, open.Positions, 1)
	p := open.Positions[0]
	assert.Equal(t, asset, p.AssetID)
	assert.True(t, p.NetAmount.Equal(decimal.NewFromInt(100)), p.NetAmount.String())
	assert.True(t, p.LatestPrice.Equal(decimal.RequireFromString("0.4")), p.LatestPrice.String())
	assert.Nil(t, p.ResolvedPrice)
	assert.True(t, p.PnL.IsZero(), "marked at its own trade price the position is flat")

	_, err := f.resolved.Upsert(context.Background(), domain.ResolvedPrice{
		AssetID:       asset,
		ResolvedPrice: decimal.NewFromInt(1),
		ConditionID:   "0xc0",
		BlockNumber:   90,
		Network:       domain.NetworkPolygon,
	})
	require.NoError(t, err)

	_, body = get(t, ts.URL+"/api/traders/"+trader+"/positions")
	var settled positions
	require.NoError(t, json.Unmarshal(body, &settled))
	require.Len(t, settled.Positions, 1)
	require.NotNil(t, settled.Positions[0].ResolvedPrice)
	assert.True(t, settled.Positions[0].PnL.Equal(decimal.NewFromInt(60)), settled.Positions[0].PnL.String())
	assert.True(t, settled.TotalPnL.Equal(decimal.NewFromInt(60)), settled.TotalPnL.String())
}

func TestStatsEndpoints(t *testing.T) {
	ts, f := newTestServer(t, Config{}, nil, nil)
	seed(t, f)

	resp, body := get(t, ts.URL+"/api/stats/global")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var global domain.GlobalStats
	require.NoError(t, json.Unmarshal(body, &global))
	assert.EqualValues(t, 1, global.TradeCount)
	assert.EqualValues(t, 77, global.LatestBlock)

	resp, body = get(t, ts.URL+"/api/traders/"+trader+"/trades?limit=10")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var trades struct {
		Trades []domain.CanonicalTrade `json:"trades"`
	}
	require.NoError(t, json.Unmarshal(body, &trades))
	require.Len(t, trades.Trades, 1)
	assert.Equal(t, "0xfeed", trades.Trades[0].TxHash)

	resp, _ = get(t, ts.URL+"/api/assets/"+asset+"/daily?day=2025-05-06")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = get(t, ts.URL+"/api/assets/"+asset+"/daily?day=2025-05-07")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = get(t, ts.URL+"/api/assets/"+asset+"/daily?day=yesterday")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = get(t, ts.URL+"/api/traders/"+trader+"/daily?asset="+asset+"&day=2025-05-06")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = get(t, ts.URL+"/api/traders/"+trader+"/daily?day=2025-05-06")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = get(t, ts.URL+"/api/assets/"+asset+"/price")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"latest_price":"0.4"`)
	resp, _ = get(t, ts.URL+"/api/assets/999/price")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimitAndCatalogTrigger(t *testing.T) {
	ts, _ := newTestServer(t, Config{RateLimit: 1}, denyAll{}, nil)
	resp, _ := get(t, ts.URL+"/api/stats/global")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp, _ = get(t, ts.URL+"/api/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health checks are not rate limited")

	ts, f := newTestServer(t, Config{}, nil, nil)
	for _, want := range []string{"enqueued", "already pending"} {
		resp, err := http.Post(ts.URL+"/api/catalog/refresh", "application/json", nil)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Contains(t, string(body), want)
	}
	assert.Equal(t, 2, f.refresh.calls)
}
