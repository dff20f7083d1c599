package alert

import (
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

// maxObservations caps the per-asset window so a hot market cannot grow it
// without bound.
const maxObservations = 1024

// ConvergenceConfig tunes the convergence detector.
type ConvergenceConfig struct {
	Window    time.Duration // look-back window
	Threshold int           // distinct traders needed to fire
	Dedup     time.Duration // minimum gap between two alerts for one asset
	MaxAssets int           // tracked assets; the stalest is dropped beyond this
}

// DefaultConvergenceConfig returns a five minute window, two traders, one
// minute of de-duplication and 500 tracked assets.
func DefaultConvergenceConfig() ConvergenceConfig {
	return ConvergenceConfig{
		Window:    5 * time.Minute,
		Threshold: 2,
		Dedup:     time.Minute,
		MaxAssets: 500,
	}
}

func (c ConvergenceConfig) withDefaults() ConvergenceConfig {
	def := DefaultConvergenceConfig()
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.Threshold < 2 {
		c.Threshold = def.Threshold
	}
	if c.Dedup <= 0 {
		c.Dedup = def.Dedup
	}
	if c.MaxAssets <= 0 {
		c.MaxAssets = def.MaxAssets
	}
	return c
}

// Convergence is the payload published when several traders pile into the
// same asset within the window.
type Convergence struct {
	AssetID       string          `json:"asset_id"`
	Question      string          `json:"question,omitempty"`
	Outcome       string          `json:"outcome,omitempty"`
	Traders       []string        `json:"traders"`
	TraderCount   int             `json:"trader_count"`
	WindowSeconds int64           `json:"window_seconds"`
	Side          domain.Side     `json:"side"`
	TotalUSDC     decimal.Decimal `json:"total_usdc"`
	DetectedAt    time.Time       `json:"detected_at"`
}

type observation struct {
	trader string
	side   domain.Side
	usdc   decimal.Decimal
	at     time.Time
}

type assetWindow struct {
	trades    []observation
	lastSeen  time.Time
	lastAlert time.Time
}

// ConvergenceDetector tracks recent trades per asset. Time is taken from the
// trade's block timestamp, falling back to the clock for trades without one,
// so replays produce the same alerts as the live tail did.
type ConvergenceDetector struct {
	cfg     ConvergenceConfig
	now     func() time.Time
	windows *xsync.Map[string, assetWindow]
}

// NewConvergenceDetector creates a detector. A zero config field takes its
// default.
func NewConvergenceDetector(cfg ConvergenceConfig) *ConvergenceDetector {
	return &ConvergenceDetector{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		windows: xsync.NewMap[string, assetWindow](),
	}
}

// Observe records t and returns a Convergence when the asset's window holds
// at least Threshold distinct traders and the asset has not alerted within
// Dedup.
func (d *ConvergenceDetector) Observe(t domain.CanonicalTrade) (Convergence, bool) {
	at := t.BlockTimestamp
	if !t.HasTimestamp() {
		at = d.now().UTC()
	}
	obs := observation{trader: t.Trader, side: t.Side, usdc: t.USDCAmount, at: at}

	var (
		out     Convergence
		fired   bool
		created bool
	)
	d.windows.Compute(t.AssetID, func(w assetWindow, loaded bool) (assetWindow, xsync.ComputeOp) {
		created = !loaded
		if at.After(w.lastSeen) {
			w.lastSeen = at
		}
		w.trades = prune(append(w.trades, obs), w.lastSeen.Add(-d.cfg.Window))

		traders := distinctTraders(w.trades)
		if len(traders) < d.cfg.Threshold {
			return w, xsync.UpdateOp
		}
		if !w.lastAlert.IsZero() && at.Sub(w.lastAlert) < d.cfg.Dedup {
			return w, xsync.UpdateOp
		}
		w.lastAlert = at
		out = d.build(t.AssetID, traders, w.trades, at)
		fired = true
		return w, xsync.UpdateOp
	})
	if created {
		d.enforceCap(t.AssetID)
	}
	return out, fired
}

func (d *ConvergenceDetector) build(assetID string, traders []string, trades []observation, at time.Time) Convergence {
	var buys, sells int
	total := decimal.Zero
	for _, o := range trades {
		if o.side == domain.SideBuy {
			buys++
		} else {
			sells++
		}
		total = total.Add(o.usdc)
	}
	side := domain.SideBuy
	if sells > buys {
		side = domain.SideSell
	}
	return Convergence{
		AssetID:       assetID,
		Traders:       traders,
		TraderCount:   len(traders),
		WindowSeconds: int64(d.cfg.Window / time.Second),
		Side:          side,
		TotalUSDC:     total,
		DetectedAt:    at,
	}
}

// Sweep forgets assets with no trade since the window (or twice the dedup
// interval, whichever is longer) before now. It returns how many were removed.
func (d *ConvergenceDetector) Sweep(now time.Time) int {
	keep := d.cfg.Window
	if 2*d.cfg.Dedup > keep {
		keep = 2 * d.cfg.Dedup
	}
	cutoff := now.Add(-keep)
	removed := 0
	d.windows.Range(func(asset string, w assetWindow) bool {
		if w.lastSeen.Before(cutoff) {
			d.windows.Delete(asset)
			removed++
		}
		return true
	})
	return removed
}

// Tracked returns the number of assets currently held.
func (d *ConvergenceDetector) Tracked() int { return d.windows.Size() }

func (d *ConvergenceDetector) enforceCap(keepAsset string) {
	for d.windows.Size() > d.cfg.MaxAssets {
		var (
			oldest   string
			oldestAt time.Time
		)
		d.windows.Range(func(asset string, w assetWindow) bool {
			if asset == keepAsset {
				return true
			}
			if oldest == "" || w.lastSeen.Before(oldestAt) {
				oldest, oldestAt = asset, w.lastSeen
			}
			return true
		})
		if oldest == "" {
			return
		}
		d.windows.Delete(oldest)
	}
}

func prune(trades []observation, cutoff time.Time) []observation {
	kept := trades[:0]
	for _, o := range trades {
		if !o.at.Before(cutoff) {
			kept = append(kept, o)
		}
	}
	if len(kept) > maxObservations {
		kept = append([]observation(nil), kept[len(kept)-maxObservations:]...)
	}
	return kept
}

func distinctTraders(trades []observation) []string {
	seen := make(map[string]struct{}, len(trades))
	out := make([]string, 0, len(trades))
	for _, o := range trades {
		if _, ok := seen[o.trader]; ok {
			continue
		}
		seen[o.trader] = struct{}{}
		out = append(out, o.trader)
	}
	sort.Strings(out)
	return out
}
