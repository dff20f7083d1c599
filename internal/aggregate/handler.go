package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

// Store applies one handler's delta for one ledger entry. Each method claims
// the handler bit on the ledger row and merges the delta atomically; applied
// is false when the claim was already taken, in which case nothing changes.
type Store interface {
	MergeLatestPrice(ctx context.Context, c domain.Claim, assetID string, d Versioned[decimal.Decimal]) (applied bool, err error)
	MergePosition(ctx context.Context, c domain.Claim, key domain.PositionKey, d PositionState) (applied bool, err error)
	MergeGlobal(ctx context.Context, c domain.Claim, d GlobalState) (applied bool, err error)
	MergePnlDaily(ctx context.Context, c domain.Claim, key domain.PnlDailyKey, d DailyState) (applied bool, err error)
	MergeAssetStatsDaily(ctx context.Context, c domain.Claim, key domain.AssetDayKey, d AssetDayState) (applied bool, err error)
}

// Handler is one aggregate-update step of the fan-out.
type Handler interface {
	ID() domain.HandlerID
	Apply(ctx context.Context, s Store, t domain.CanonicalTrade) (bool, error)
}

type latestPriceHandler struct{}

func (latestPriceHandler) ID() domain.HandlerID { return domain.HandlerLatestPrice }

func (h latestPriceHandler) Apply(ctx context.Context, s Store, t domain.CanonicalTrade) (bool, error) {
	return s.MergeLatestPrice(ctx, claim(t, h.ID()), t.AssetID, LatestPriceDelta(t))
}

type positionHandler struct{}

func (positionHandler) ID() domain.HandlerID { return domain.HandlerPosition }

func (h positionHandler) Apply(ctx context.Context, s Store, t domain.CanonicalTrade) (bool, error) {
	key := domain.PositionKey{Trader: t.Trader, AssetID: t.AssetID}
	return s.MergePosition(ctx, claim(t, h.ID()), key, PositionDelta(t))
}

type globalHandler struct {
	deny *DenyList
}

func (globalHandler) ID() domain.HandlerID { return domain.HandlerGlobal }

func (h globalHandler) Apply(ctx context.Context, s Store, t domain.CanonicalTrade) (bool, error) {
	return s.MergeGlobal(ctx, claim(t, h.ID()), GlobalDelta(t, h.deny.Denied(t.Network, t.Trader)))
}

type pnlDailyHandler struct{}

func (pnlDailyHandler) ID() domain.HandlerID { return domain.HandlerPnlDaily }

func (h pnlDailyHandler) Apply(ctx context.Context, s Store, t domain.CanonicalTrade) (bool, error) {
	key := domain.PnlDailyKey{Trader: t.Trader, Day: t.Day(), AssetID: t.AssetID}
	return s.MergePnlDaily(ctx, claim(t, h.ID()), key, DailyDelta(t))
}

type assetStatsDailyHandler struct {
	deny *DenyList
}

func (assetStatsDailyHandler) ID() domain.HandlerID { return domain.HandlerAssetStatsDaily }

func (h assetStatsDailyHandler) Apply(ctx context.Context, s Store, t domain.CanonicalTrade) (bool, error) {
	key := domain.AssetDayKey{Day: t.Day(), AssetID: t.AssetID}
	return s.MergeAssetStatsDaily(ctx, claim(t, h.ID()), key, AssetDayDelta(t, h.deny.Denied(t.Network, t.Trader)))
}

func claim(t domain.CanonicalTrade, h domain.HandlerID) domain.Claim {
	return domain.Claim{Key: t.Key(), Handler: h}
}

// Outcome is the result of one handler for one entry.
type Outcome struct {
	Handler domain.HandlerID
	// Applied is true when this call performed the merge.
	Applied bool
	// Skipped is true when the entry already recorded the handler.
	Skipped bool
	Err     error
}

// Report summarises a fan-out run.
type Report struct {
	Outcomes []Outcome
	// Done is the handler mask known to be applied after the run.
	Done domain.HandlerSet
}

// Merged counts the handlers this run actually applied.
func (r Report) Merged() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Applied {
			n++
		}
	}
	return n
}

// Complete reports whether every handler is now applied.
func (r Report) Complete() bool { return r.Done.Complete() }

// Observer is told about every applied latest-price and global merge, so
// caches outside the store can follow along.
type Observer interface {
	LatestPriceMerged(ctx context.Context, t domain.CanonicalTrade)
	GlobalMerged(ctx context.Context, t domain.CanonicalTrade, denied bool)
}

// FanOut runs the fixed list of aggregate handlers for a ledger entry.
// Handlers commute, so their order carries no meaning.
type FanOut struct {
	store     Store
	deny      *DenyList
	handlers  []Handler
	observers []Observer
	logger    *slog.Logger
}

// Option configures a FanOut.
type Option func(*FanOut)

// WithObserver registers an observer of applied merges.
func WithObserver(o Observer) Option {
	return func(f *FanOut) { f.observers = append(f.observers, o) }
}

// WithLogger sets the logger used for handler failures.
func WithLogger(l *slog.Logger) Option {
	return func(f *FanOut) { f.logger = l }
}

// NewFanOut wires the five standard handlers against store.
func NewFanOut(store Store, deny *DenyList, opts ...Option) *FanOut {
	f := &FanOut{
		store: store,
		deny:  deny,
		handlers: []Handler{
			latestPriceHandler{},
			positionHandler{},
			globalHandler{deny: deny},
			pnlDailyHandler{},
			assetStatsDailyHandler{deny: deny},
		},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	f.logger = f.logger.With(slog.String("component", "fanout"))
	return f
}

// Apply runs every handler the entry has not recorded yet. A failing handler
// does not stop the others; the entry stays partially aggregated and the
// next delivery of the same event finishes the job.
func (f *FanOut) Apply(ctx context.Context, entry domain.LedgerEntry) (Report, error) {
	t := entry.Trade
	rep := Report{Done: entry.Applied}
	var errs []error

	for _, h := range f.handlers {
		id := h.ID()
		if entry.Applied.Has(id) {
			rep.Outcomes = append(rep.Outcomes, Outcome{Handler: id, Skipped: true})
			continue
		}
		applied, err := h.Apply(ctx, f.store, t)
		if err != nil {
			f.logger.WarnContext(ctx, "aggregate handler failed",
				slog.String("handler", id.String()),
				slog.String("tx_hash", t.TxHash),
				slog.Uint64("log_index", uint64(t.LogIndex)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("aggregate: %s: %w", id, err))
			rep.Outcomes = append(rep.Outcomes, Outcome{Handler: id, Err: err})
			continue
		}
		// A lost claim means another worker merged it first; either way the
		// handler is done for this entry.
		rep.Done = rep.Done.With(id)
		rep.Outcomes = append(rep.Outcomes, Outcome{Handler: id, Applied: applied, Skipped: !applied})
		if applied {
			f.notify(ctx, id, t)
		}
	}
	return rep, errors.Join(errs...)
}

func (f *FanOut) notify(ctx context.Context, id domain.HandlerID, t domain.CanonicalTrade) {
	for _, o := range f.observers {
		switch id {
		case domain.HandlerLatestPrice:
			o.LatestPriceMerged(ctx, t)
		case domain.HandlerGlobal:
			o.GlobalMerged(ctx, t, f.deny.Denied(t.Network, t.Trader))
		}
	}
}
