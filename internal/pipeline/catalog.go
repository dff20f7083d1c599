package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/alanyoungcy/polydearboard/internal/domain"
	"github.com/alanyoungcy/polydearboard/internal/platform/polymarket"
)

// EventFetcher pages through Gamma events.
type EventFetcher interface {
	GetEvents(ctx context.Context, limit, offset int) ([]polymarket.APIEvent, error)
}

// TokenFetcher looks up markets upstream by token or by condition.
type TokenFetcher interface {
	GetMarketByToken(ctx context.Context, tokenID string) (domain.MarketInfo, error)
	// GetMarketsByCondition returns a condition's tokens by outcome index.
	GetMarketsByCondition(ctx context.Context, conditionID string) ([]domain.MarketInfo, error)
}

// CatalogConfig tunes the market metadata catalog.
type CatalogConfig struct {
	PageSize  int
	MaxTokens int
	Interval  time.Duration
	// LookupTimeout bounds a single Lookup, including any upstream call.
	LookupTimeout time.Duration
	// MissTTL suppresses repeated upstream lookups for an unknown token.
	MissTTL time.Duration
}

func (c CatalogConfig) withDefaults() CatalogConfig {
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 50_000
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Minute
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 2 * time.Second
	}
	if c.MissTTL <= 0 {
		c.MissTTL = 10 * time.Minute
	}
	return c
}

// Catalog keeps outcome-token metadata from Gamma in the market store and
// cache. It is never on the ingestion critical path: lookups are bounded and
// a miss is an ordinary answer.
type Catalog struct {
	store   domain.MarketStore
	cache   domain.MarketCache
	events  EventFetcher
	tokens  TokenFetcher
	misses  *xsync.Map[string, time.Time]
	trigger chan struct{}
	after   []func(context.Context)
	cfg     CatalogConfig
	now     func() time.Time
	logger  *slog.Logger
}

// NewCatalog creates a Catalog. cache, events and tokens may be nil.
func NewCatalog(store domain.MarketStore, cache domain.MarketCache, events EventFetcher, tokens TokenFetcher, cfg CatalogConfig, logger *slog.Logger) *Catalog {
	return &Catalog{
		store:   store,
		cache:   cache,
		events:  events,
		tokens:  tokens,
		misses:  xsync.NewMap[string, time.Time](),
		trigger: make(chan struct{}, 1),
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		logger:  logger.With(slog.String("component", "catalog")),
	}
}

// Refresh pages through Gamma events by 24h volume and stores every token it
// finds, stopping at MaxTokens. It returns the number of tokens seen.
func (c *Catalog) Refresh(ctx context.Context) (int, error) {
	if c.events == nil {
		return 0, nil
	}
	fetched := c.now().UTC()
	total, changed := 0, int64(0)

	for offset := 0; total < c.cfg.MaxTokens; offset += c.cfg.PageSize {
		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("pipeline: catalog refresh: %w", err)
		}
		events, err := c.events.GetEvents(ctx, c.cfg.PageSize, offset)
		if err != nil {
			return total, fmt.Errorf("pipeline: fetch events at offset %d: %w", offset, err)
		}
		if len(events) == 0 {
			break
		}

		// Cap on whole events so a market never lands with only some of
		// its outcome tokens.
		var markets []domain.MarketInfo
		full := false
		for i := range events {
			infos := events[i].ToMarketInfos(fetched)
			if total+len(markets)+len(infos) > c.cfg.MaxTokens {
				full = true
				break
			}
			markets = append(markets, infos...)
		}
		n, err := c.save(ctx, markets)
		if err != nil {
			return total, err
		}
		total += len(markets)
		changed += n

		if full || len(events) < c.cfg.PageSize {
			break
		}
	}

	c.logger.InfoContext(ctx, "catalog refreshed",
		slog.Int("tokens", total),
		slog.Int64("changed", changed),
	)
	for _, fn := range c.after {
		fn(ctx)
	}
	return total, nil
}

// AfterRefresh registers fn to run after every successful Refresh. It must
// be called before RunLoop starts.
func (c *Catalog) AfterRefresh(fn func(context.Context)) {
	c.after = append(c.after, fn)
}

func (c *Catalog) save(ctx context.Context, markets []domain.MarketInfo) (int64, error) {
	if len(markets) == 0 {
		return 0, nil
	}
	n, err := c.store.UpsertBatch(ctx, markets)
	if err != nil {
		return 0, fmt.Errorf("pipeline: upsert %d markets: %w", len(markets), err)
	}
	if c.cache != nil {
		if err := c.cache.SetBatch(ctx, markets); err != nil {
			c.logger.WarnContext(ctx, "market cache update failed", slog.String("error", err.Error()))
		}
	}
	for _, m := range markets {
		c.misses.Delete(m.Prefix())
	}
	return n, nil
}

// Lookup returns metadata for assetID from the cache, then the store, then
// Gamma. It never takes longer than LookupTimeout and reports false on any
// miss or error.
func (c *Catalog) Lookup(ctx context.Context, assetID string) (domain.MarketInfo, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LookupTimeout)
	defer cancel()
	prefix := domain.TokenPrefix(assetID)

	if c.cache != nil {
		if m, err := c.cache.Get(ctx, assetID); err == nil {
			return m, true
		}
	}
	m, err := c.store.GetByPrefix(ctx, prefix)
	if err == nil {
		if c.cache != nil {
			_ = c.cache.SetBatch(ctx, []domain.MarketInfo{m})
		}
		return m, true
	}
	if !errors.Is(err, domain.ErrNotFound) {
		c.logger.DebugContext(ctx, "market store lookup failed",
			slog.String("asset_id", assetID), slog.String("error", err.Error()))
		return domain.MarketInfo{}, false
	}

	if c.tokens == nil {
		return domain.MarketInfo{}, false
	}
	if at, ok := c.misses.Load(prefix); ok && c.now().Sub(at) < c.cfg.MissTTL {
		return domain.MarketInfo{}, false
	}
	m, err = c.tokens.GetMarketByToken(ctx, assetID)
	if err != nil {
		c.misses.Store(prefix, c.now())
		return domain.MarketInfo{}, false
	}
	if _, err := c.save(ctx, []domain.MarketInfo{m}); err != nil {
		c.logger.DebugContext(ctx, "store fetched market failed", slog.String("error", err.Error()))
	}
	return m, true
}

// AssetsForCondition lists a condition's token ids by outcome index, asking
// Gamma when the store does not know the condition yet. Upstream misses are
// remembered for MissTTL like token misses.
func (c *Catalog) AssetsForCondition(ctx context.Context, conditionID string) ([]string, error) {
	markets, err := c.store.ListByCondition(ctx, conditionID)
	if err != nil {
		return nil, err
	}
	if len(markets) == 0 {
		markets, err = c.fetchCondition(ctx, conditionID)
		if err != nil {
			return nil, err
		}
	}
	out := make([]string, len(markets))
	for i, m := range markets {
		out[i] = m.AssetID
	}
	return out, nil
}

func (c *Catalog) fetchCondition(ctx context.Context, conditionID string) ([]domain.MarketInfo, error) {
	notFound := fmt.Errorf("pipeline: condition %s: %w", conditionID, domain.ErrNotFound)
	if c.tokens == nil {
		return nil, notFound
	}
	key := "cond:" + strings.ToLower(conditionID)
	if at, ok := c.misses.Load(key); ok && c.now().Sub(at) < c.cfg.MissTTL {
		return nil, notFound
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LookupTimeout)
	defer cancel()
	markets, err := c.tokens.GetMarketsByCondition(ctx, conditionID)
	if err != nil || len(markets) == 0 {
		c.misses.Store(key, c.now())
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			c.logger.DebugContext(ctx, "gamma condition lookup failed",
				slog.String("condition_id", conditionID), slog.String("error", err.Error()))
		}
		return nil, notFound
	}
	if _, err := c.save(ctx, markets); err != nil {
		c.logger.DebugContext(ctx, "store fetched condition failed", slog.String("error", err.Error()))
	}
	c.misses.Delete(key)
	return markets, nil
}

// RequestRefresh asks a running RunLoop for an immediate refresh. It returns
// false when a request is already pending.
func (c *Catalog) RequestRefresh() bool {
	select {
	case c.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// RunLoop refreshes immediately, then on every interval or request.
func (c *Catalog) RunLoop(ctx context.Context) error {
	if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
		c.logger.Error("catalog refresh failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("catalog loop stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-c.trigger:
			c.logger.Info("catalog refresh requested")
		}
		if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("catalog refresh failed", slog.String("error", err.Error()))
		}
	}
}
