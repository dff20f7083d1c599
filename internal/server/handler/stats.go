package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polydearboard/internal/aggregate"
	"github.com/alanyoungcy/polydearboard/internal/domain"
)

// TradeLister reads recent canonical trades of a trader from the hot ledger.
type TradeLister interface {
	ListByTrader(ctx context.Context, trader string, opts domain.ListOpts) ([]domain.CanonicalTrade, error)
}

// StatsHandler serves read-only views over the aggregate tables.
type StatsHandler struct {
	aggregates domain.AggregateReader
	resolved   domain.ResolvedPriceStore
	prices     domain.PriceCache
	ledger     TradeLister
	logger     *slog.Logger
}

// NewStatsHandler creates a StatsHandler. prices may be nil; latest prices
// are then read from the aggregate store only.
func NewStatsHandler(aggregates domain.AggregateReader, resolved domain.ResolvedPriceStore, prices domain.PriceCache, ledger TradeLister, logger *slog.Logger) *StatsHandler {
	return &StatsHandler{
		aggregates: aggregates,
		resolved:   resolved,
		prices:     prices,
		ledger:     ledger,
		logger:     logHandler(logger, "stats"),
	}
}

type positionView struct {
	domain.TraderPosition
	NetAmount     decimal.Decimal  `json:"net_amount"`
	LatestPrice   decimal.Decimal  `json:"latest_price"`
	ResolvedPrice *decimal.Decimal `json:"resolved_price,omitempty"`
	PnL           decimal.Decimal  `json:"pnl"`
}

type traderPositionsResponse struct {
	Trader    string          `json:"trader"`
	Positions []positionView  `json:"positions"`
	TotalPnL  decimal.Decimal `json:"total_pnl"`
}

// TraderPositions returns every position of a trader marked to market.
// GET /api/traders/{address}/positions
func (h *StatsHandler) TraderPositions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	trader := strings.ToLower(pathParam(r, "address"))

	positions, err := h.aggregates.PositionsByTrader(ctx, trader)
	if err != nil {
		h.fail(w, r, "list positions", err)
		return
	}

	assets := make([]string, 0, len(positions))
	for _, p := range positions {
		assets = append(assets, p.AssetID)
	}
	latest, err := h.latestPrices(ctx, assets)
	if err != nil {
		h.fail(w, r, "latest prices", err)
		return
	}
	resolved, err := h.resolvedPrices(ctx, assets)
	if err != nil {
		h.fail(w, r, "resolved prices", err)
		return
	}

	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		v := positionView{
			TraderPosition: p,
			NetAmount:      p.NetAmount(),
			LatestPrice:    latest[p.AssetID],
		}
		if rp, ok := resolved[p.AssetID]; ok {
			v.ResolvedPrice = &rp
		}
		v.PnL = aggregate.PnL(p, v.LatestPrice, v.ResolvedPrice)
		views = append(views, v)
	}

	writeJSON(w, http.StatusOK, traderPositionsResponse{
		Trader:    trader,
		Positions: views,
		TotalPnL:  aggregate.TraderPnL(positions, latest, resolved),
	})
}

// TraderTrades lists the trader's trades still in the hot ledger.
// GET /api/traders/{address}/trades?limit=&offset=&since=&until=
func (h *StatsHandler) TraderTrades(w http.ResponseWriter, r *http.Request) {
	trader := strings.ToLower(pathParam(r, "address"))
	trades, err := h.ledger.ListByTrader(r.Context(), trader, parseListOpts(r))
	if err != nil {
		h.fail(w, r, "list trades", err)
		return
	}
	if trades == nil {
		trades = []domain.CanonicalTrade{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trader": trader, "trades": trades})
}

// TraderDaily returns one trader's activity in one asset on one day.
// GET /api/traders/{address}/daily?asset=...&day=YYYY-MM-DD
func (h *StatsHandler) TraderDaily(w http.ResponseWriter, r *http.Request) {
	day, ok := parseDay(w, r)
	if !ok {
		return
	}
	asset := r.URL.Query().Get("asset")
	if asset == "" {
		writeError(w, http.StatusBadRequest, "asset query parameter required")
		return
	}
	row, err := h.aggregates.PnlDaily(r.Context(), domain.PnlDailyKey{
		Trader:  strings.ToLower(pathParam(r, "address")),
		Day:     day,
		AssetID: asset,
	})
	if err != nil {
		h.fail(w, r, "pnl daily", err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// Global returns the exchange-wide rollup.
// GET /api/stats/global
func (h *StatsHandler) Global(w http.ResponseWriter, r *http.Request) {
	g, err := h.aggregates.Global(r.Context())
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		h.fail(w, r, "global stats", err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// AssetPrice returns the latest and, if settled, resolved price of an asset.
// GET /api/assets/{id}/price
func (h *StatsHandler) AssetPrice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	asset := pathParam(r, "id")
	latest, err := h.latestPrice(ctx, asset)
	if err != nil {
		h.fail(w, r, "latest price", err)
		return
	}
	resp := map[string]any{"latest": latest}
	rp, err := h.resolved.Get(ctx, asset)
	switch {
	case err == nil:
		resp["resolved"] = rp
	case !errors.Is(err, domain.ErrNotFound):
		h.fail(w, r, "resolved price", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// AssetDaily returns the per-asset rollup of one day.
// GET /api/assets/{id}/daily?day=YYYY-MM-DD
func (h *StatsHandler) AssetDaily(w http.ResponseWriter, r *http.Request) {
	day, ok := parseDay(w, r)
	if !ok {
		return
	}
	row, err := h.aggregates.AssetStatsDaily(r.Context(), domain.AssetDayKey{Day: day, AssetID: pathParam(r, "id")})
	if err != nil {
		h.fail(w, r, "asset stats daily", err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (h *StatsHandler) latestPrice(ctx context.Context, asset string) (domain.AssetLatestPrice, error) {
	if h.prices != nil {
		p, err := h.prices.GetPrice(ctx, asset)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			h.logger.WarnContext(ctx, "price cache read failed", slog.String("error", err.Error()))
		}
	}
	return h.aggregates.LatestPrice(ctx, asset)
}

// latestPrices reads the cache first and falls back to the store for misses.
// Assets that never traded are absent from the result.
func (h *StatsHandler) latestPrices(ctx context.Context, assets []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(assets))
	if h.prices != nil && len(assets) > 0 {
		cached, err := h.prices.GetPrices(ctx, assets)
		if err != nil {
			h.logger.WarnContext(ctx, "price cache read failed", slog.String("error", err.Error()))
		}
		for id, p := range cached {
			out[id] = p.LatestPrice
		}
	}
	for _, id := range assets {
		if _, ok := out[id]; ok {
			continue
		}
		p, err := h.aggregates.LatestPrice(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = p.LatestPrice
	}
	return out, nil
}

func (h *StatsHandler) resolvedPrices(ctx context.Context, assets []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	for _, id := range assets {
		rp, err := h.resolved.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = rp.ResolvedPrice
	}
	return out, nil
}

func (h *StatsHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	h.logger.ErrorContext(r.Context(), "handler: "+op+" failed",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func parseDay(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	v := r.URL.Query().Get("day")
	if v == "" {
		return domain.TruncateDay(time.Now()), true
	}
	day, err := time.Parse(time.DateOnly, v)
	if err != nil {
		writeError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
		return time.Time{}, false
	}
	return day, true
}
