package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polydearboard/internal/aggregate"
	"github.com/alanyoungcy/polydearboard/internal/alert"
	"github.com/alanyoungcy/polydearboard/internal/chain"
	"github.com/alanyoungcy/polydearboard/internal/domain"
	"github.com/alanyoungcy/polydearboard/internal/normalize"
	"github.com/alanyoungcy/polydearboard/internal/notify"
	"github.com/alanyoungcy/polydearboard/internal/pipeline"
	"github.com/alanyoungcy/polydearboard/internal/platform/goldsky"
	"github.com/alanyoungcy/polydearboard/internal/platform/polymarket"
	"github.com/alanyoungcy/polydearboard/internal/resolve"
	"github.com/alanyoungcy/polydearboard/internal/server"
	"github.com/alanyoungcy/polydearboard/internal/server/handler"
)

// janitorInterval is how often idle alert state is swept outside the
// retention cron.
const janitorInterval = time.Minute

// components is the assembled pipeline shared by every mode.
type components struct {
	registry   *normalize.Registry
	deny       *aggregate.DenyList
	catalog    *pipeline.Catalog
	dispatcher *alert.Dispatcher
	triggers   *alert.Triggers
	ingestor   *pipeline.Ingestor
	source     *chain.Source
	notifier   *notify.Notifier
	closers    []func()
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// build assembles the normalizer registry, aggregates, catalog, resolver,
// alerting and ingestor on top of the wired adapters.
func (a *App) build(ctx context.Context, deps *Dependencies) (*components, error) {
	cfg := a.cfg
	c := &components{notifier: a.newNotifier()}

	c.registry = normalize.NewRegistry(domain.ExchangeCTF)
	for _, ex := range cfg.Chain.Exchanges {
		if err := c.registry.Register(cfg.Chain.Network, ex.Address, domain.Exchange(ex.Exchange)); err != nil {
			return nil, err
		}
	}

	deny, err := aggregate.NewDenyList(cfg.Aggregate.DenyList)
	if err != nil {
		return nil, err
	}
	c.deny = deny

	// Market metadata.
	var (
		events pipeline.EventFetcher
		tokens pipeline.TokenFetcher
	)
	if cfg.Gamma.Enabled {
		gamma := polymarket.NewGammaClient(polymarket.GammaConfig{
			BaseURL: cfg.Gamma.BaseURL,
			Timeout: cfg.Gamma.Timeout.Duration,
			Limit:   cfg.Gamma.RateLimit,
			Window:  cfg.Gamma.RateWindow.Duration,
		}, deps.RateLimiter)
		events, tokens = gamma, gamma
	}
	c.catalog = pipeline.NewCatalog(deps.Markets, deps.MarketCache, events, tokens, pipeline.CatalogConfig{
		PageSize:      cfg.Gamma.PageSize,
		MaxTokens:     cfg.Gamma.MaxTokens,
		Interval:      cfg.Gamma.RefreshInterval.Duration,
		LookupTimeout: cfg.Gamma.LookupTimeout.Duration,
		MissTTL:       cfg.Gamma.MissTTL.Duration,
	}, a.logger)

	// Aggregates.
	fanOpts := []aggregate.Option{aggregate.WithLogger(a.logger)}
	if deps.PriceCache != nil || deps.Distinct != nil {
		fanOpts = append(fanOpts, aggregate.WithObserver(
			aggregate.NewCacheObserver(deps.PriceCache, deps.Distinct, a.logger)))
	}
	fanOut := aggregate.NewFanOut(deps.Aggregates, deny, fanOpts...)

	// Triggers.
	ingestDeps := pipeline.IngestorDeps{
		Raw:      deps.Raw,
		Registry: c.registry,
		Ledger:   deps.Ledger,
		FanOut:   fanOut,
		Resolver: resolve.NewResolver(deps.Resolved, c.catalog, a.logger),
		Metrics:  deps.Metrics,
	}
	if cfg.Alerts.Enabled {
		var sinks []alert.Sink
		if deps.NATS != nil {
			sinks = append(sinks, alert.NewSink("nats", deps.NATS))
		}
		if deps.SignalBus != nil {
			sinks = append(sinks, alert.NewSink("redis", deps.SignalBus))
		}
		if len(sinks) == 0 {
			a.logger.WarnContext(ctx, "alerts enabled but no nats or redis sink is configured; triggers are dropped")
		}
		c.dispatcher = alert.NewDispatcher(sinks, cfg.Alerts.Topics, cfg.Alerts.QueueSize, a.logger)
		smart := alert.NewSmartMoney(alert.SmartMoneyConfig{
			Traders: cfg.Alerts.SmartMoneyTraders,
			TopN:    cfg.Alerts.SmartMoneyTopN,
			Refresh: cfg.Alerts.SmartMoneyRefresh.Duration,
			Exclude: deny.Members(cfg.Chain.Network),
		}, deps.Aggregates, a.logger)
		c.triggers = alert.NewTriggers(c.dispatcher, alert.TriggerConfig{
			WhaleThresholdRaw:  uint64(cfg.Alerts.WhaleThresholdRaw),
			LiveWindow:         cfg.Alerts.LiveWindow.Duration,
			ConvergenceEnabled: cfg.Alerts.ConvergenceEnabled,
			SmartMoney:         smart,
			Convergence: alert.ConvergenceConfig{
				Window:    cfg.Alerts.ConvergenceWindow.Duration,
				Threshold: cfg.Alerts.ConvergenceThreshold,
				Dedup:     cfg.Alerts.ConvergenceDedup.Duration,
				MaxAssets: cfg.Alerts.ConvergenceMaxAssets,
			},
		}, deny, c.catalog, a.logger)
		ingestDeps.Triggers = c.triggers
	}

	c.ingestor = pipeline.NewIngestor(ingestDeps, cfg.Ingest.Workers, a.logger)
	c.closers = append(c.closers, c.ingestor.Close)
	c.catalog.AfterRefresh(func(ctx context.Context) { a.retryUnresolved(ctx, c) })

	// Chain source.
	if cfg.NeedsChain() {
		client, err := chain.Dial(ctx, cfg.Chain.RPCURL)
		if err != nil {
			c.close()
			return nil, err
		}
		c.closers = append(c.closers, client.Close)
		c.source = chain.NewSource(client, chain.NewDecoder(cfg.Chain.Network, c.registry), chain.SourceConfig{
			Network:           cfg.Chain.Network,
			MaxRange:          cfg.Chain.MaxRange,
			Confirmations:     cfg.Chain.Confirmations,
			ConditionalTokens: cfg.Chain.ConditionalTokens,
		}, a.logger)
	}

	return c, nil
}

func (a *App) newNotifier() *notify.Notifier {
	var senders []notify.Sender
	if a.cfg.Notify.TelegramToken != "" {
		senders = append(senders, notify.NewTelegramSender("", a.cfg.Notify.TelegramToken, a.cfg.Notify.TelegramChatID))
	}
	if a.cfg.Notify.DiscordWebhook != "" {
		senders = append(senders, notify.NewDiscordSender(a.cfg.Notify.DiscordWebhook))
	}
	if len(senders) == 0 {
		return nil
	}
	return notify.NewNotifier(senders, a.cfg.Notify.Events, a.logger)
}

// notify sends an operator notification. Delivery failures are logged by the
// notifier and otherwise ignored.
func (a *App) notify(ctx context.Context, c *components, event, title, message string) {
	_ = c.notifier.Notify(ctx, event, title, message)
}

// runLoops runs o and reports a crashed loop to the operators.
func (a *App) runLoops(ctx context.Context, c *components, o *pipeline.Orchestrator) error {
	err := o.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.notify(ctx, c, notify.EventLoopFailed,
			fmt.Sprintf("dearboard %s: pipeline stopped", a.cfg.Mode), err.Error())
	}
	return err
}

func (a *App) newTailer(deps *Dependencies, c *components) *pipeline.Tailer {
	return pipeline.NewTailer(c.source, c.ingestor, deps.Cursors, pipeline.TailConfig{
		PollInterval: a.cfg.Ingest.PollInterval.Duration,
		StartBlock:   a.cfg.Ingest.StartBlock,
		BatchBlocks:  a.cfg.Ingest.BatchBlocks,
	}, deps.Metrics, a.logger)
}

func (a *App) newSweeper(deps *Dependencies, c *components) *pipeline.Sweeper {
	s := pipeline.NewSweeper(deps.Ledger, deps.Raw, deps.Archiver, deps.LockManager, pipeline.SweepConfig{
		Retention:  a.cfg.Retention.Window(),
		Cron:       a.cfg.Retention.Cron,
		PageSize:   a.cfg.Retention.PageSize,
		MaxPages:   a.cfg.Retention.MaxPages,
		LockTTL:    a.cfg.Retention.LockTTL.Duration,
		RunTimeout: a.cfg.Retention.RunTimeout.Duration,
	}, deps.Metrics, a.logger)
	if c.triggers != nil {
		s.AddIdle(c.triggers)
	}
	s.OnFailure(func(ctx context.Context, err error) {
		a.notify(ctx, c, notify.EventSweepFailed, "dearboard: retention sweep failed", err.Error())
	})
	return s
}

// newServer builds the ops server, or returns nil when it is disabled.
func (a *App) newServer(deps *Dependencies, c *components, catalogRunning bool) *server.Server {
	if !a.cfg.Server.Enabled {
		return nil
	}
	h := server.Handlers{
		Health: handler.NewHealthHandler(deps.Checks, a.logger),
		Stats:  handler.NewStatsHandler(deps.Aggregates, deps.Resolved, deps.PriceCache, deps.Ledger, a.logger),
	}
	var counters handler.AlertCounters
	if c.dispatcher != nil {
		counters = c.dispatcher
	}
	h.Status = handler.NewStatusHandler(a.cfg.Mode, a.cfg.Chain.Network, pipeline.SourceChain, deps.Cursors, counters, a.logger)
	if a.cfg.Goldsky.Enabled {
		h.Status.Reference = goldsky.NewClient(a.cfg.Goldsky.URL, a.cfg.Goldsky.APIKey, a.cfg.Goldsky.Timeout.Duration)
	}
	var refresher handler.Refresher
	if catalogRunning {
		refresher = c.catalog
	}
	h.Pipeline = handler.NewPipelineHandler(refresher, a.logger)
	if lister, ok := deps.Archiver.(handler.ArchiveLister); ok {
		h.Archive = handler.NewArchiveHandler(lister, a.logger)
	}
	if deps.Metrics != nil {
		h.Metrics = deps.Metrics.Handler()
	}
	return server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		APIKeys:     a.cfg.Server.APIKeys,
		MetricsPath: a.cfg.Metrics.Path,
		RateLimit:   a.cfg.Server.RateLimit,
		Metrics:     deps.Metrics,
	}, h, deps.RateLimiter, a.logger)
}

// addCommon registers the trigger dispatcher and the ops server.
func (a *App) addCommon(o *pipeline.Orchestrator, deps *Dependencies, c *components, catalogRunning bool) {
	if c.dispatcher != nil {
		o.Add("dispatcher", c.dispatcher)
	}
	if srv := a.newServer(deps, c, catalogRunning); srv != nil {
		o.Add("server", srv)
	}
}

// janitor expires idle convergence windows and keeps the smart money
// ranking fresh.
func (a *App) janitor(c *components) pipeline.Runner {
	if c.triggers == nil {
		return nil
	}
	rank := func(ctx context.Context) {
		if err := c.triggers.RefreshSmartMoney(ctx); err != nil && ctx.Err() == nil {
			a.logger.WarnContext(ctx, "smart money ranking failed", slog.String("error", err.Error()))
		}
	}
	return pipeline.RunFunc(func(ctx context.Context) error {
		rank(ctx)
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case now := <-ticker.C:
				if n := c.triggers.Sweep(now); n > 0 {
					a.logger.DebugContext(ctx, "expired convergence windows", slog.Int("assets", n))
				}
				rank(ctx)
			}
		}
	})
}

// retryUnresolved replays resolutions still waiting for their outcome
// tokens. Failures are logged; the next pass retries.
func (a *App) retryUnresolved(ctx context.Context, c *components) {
	if _, err := c.ingestor.RetryUnresolved(ctx, a.cfg.Chain.Network); err != nil && ctx.Err() == nil {
		a.logger.WarnContext(ctx, "pending resolution retry failed", slog.String("error", err.Error()))
	}
}

// resolutionRetrier re-scans pending resolutions on the catalog interval in
// modes where the catalog loop, which does this after each refresh, is not
// running.
func (a *App) resolutionRetrier(c *components) pipeline.Runner {
	every := a.cfg.Gamma.RefreshInterval.Duration
	if every <= 0 {
		every = 30 * time.Minute
	}
	return pipeline.RunFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				a.retryUnresolved(ctx, c)
			}
		}
	})
}

// IngestMode tails the chain and feeds the pipeline until ctx is cancelled.
func (a *App) IngestMode(ctx context.Context, deps *Dependencies, c *components) error {
	a.logger.InfoContext(ctx, "starting ingest mode", slog.String("network", a.cfg.Chain.Network))

	o := pipeline.NewOrchestrator(a.logger).
		Add("tail", a.newTailer(deps, c)).
		Add("janitor", a.janitor(c)).
		Add("resolutions", a.resolutionRetrier(c))
	a.addCommon(o, deps, c, false)
	return a.runLoops(ctx, c, o)
}

// BackfillMode stages, promotes and replays one block range, then exits.
func (a *App) BackfillMode(ctx context.Context, deps *Dependencies, c *components) error {
	from, to := a.cfg.Backfill.FromBlock, a.cfg.Backfill.ToBlock
	a.logger.InfoContext(ctx, "starting backfill mode",
		slog.Uint64("from", from),
		slog.Uint64("to", to),
	)

	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		if c.dispatcher != nil {
			_ = c.dispatcher.Run(dispatchCtx)
		}
	}()
	defer func() {
		stopDispatch()
		<-dispatchDone
	}()

	bf := pipeline.NewBackfiller(c.source, deps.Raw, c.ingestor, deps.LockManager, pipeline.BackfillConfig{
		ChunkBlocks:  a.cfg.Backfill.ChunkBlocks,
		ReplayBatch:  a.cfg.Backfill.ReplayBatch,
		LockTTL:      a.cfg.Backfill.LockTTL.Duration,
		Retention:    a.cfg.Retention.Window(),
		AllowExpired: a.cfg.Backfill.AllowExpired,
	}, a.logger)
	res, err := bf.Run(ctx, from, to)
	if err != nil {
		a.notify(ctx, c, notify.EventBackfillFailed,
			fmt.Sprintf("dearboard: backfill %d-%d failed", from, to), err.Error())
		return fmt.Errorf("backfill %d-%d: %w", from, to, err)
	}
	a.notify(ctx, c, notify.EventBackfillComplete,
		fmt.Sprintf("dearboard: backfill %d-%d complete", from, to),
		fmt.Sprintf("promoted %d raw rows, %d trades inserted, %d duplicates", res.Promoted, res.Replay.Inserted, res.Replay.Duplicate))
	a.logger.InfoContext(ctx, "backfill complete",
		slog.Int("staged_fills", res.StagedFills),
		slog.Int("staged_resolutions", res.StagedRes),
		slog.Int64("promoted", res.Promoted),
		slog.Int64("inserted", res.Replay.Inserted),
		slog.Int64("duplicate", res.Replay.Duplicate),
	)
	return nil
}

// SweepMode runs one retention pass and exits.
func (a *App) SweepMode(ctx context.Context, deps *Dependencies, c *components) error {
	a.logger.InfoContext(ctx, "starting sweep mode", slog.Int("retention_days", a.cfg.Retention.Days))

	res, err := a.newSweeper(deps, c).Sweep(ctx, time.Now())
	if errors.Is(err, domain.ErrLockHeld) {
		a.logger.WarnContext(ctx, "another sweep holds the lock; nothing to do")
		return nil
	}
	if err != nil {
		a.notify(ctx, c, notify.EventSweepFailed, "dearboard: retention sweep failed", err.Error())
		return err
	}
	a.logger.DebugContext(ctx, "sweep mode finished", slog.Int("expired_windows", res.ExpiredWindows))
	return nil
}

// CatalogMode keeps the market metadata catalog fresh.
func (a *App) CatalogMode(ctx context.Context, deps *Dependencies, c *components) error {
	a.logger.InfoContext(ctx, "starting catalog mode")

	o := pipeline.NewOrchestrator(a.logger).
		Add("catalog", pipeline.RunFunc(c.catalog.RunLoop))
	a.addCommon(o, deps, c, true)
	return a.runLoops(ctx, c, o)
}

// FullMode runs the live tail, the retention cron, the catalog refresh and the
// trigger dispatcher together, next to the ops server.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, c *components) error {
	a.logger.InfoContext(ctx, "starting full mode", slog.String("network", a.cfg.Chain.Network))

	o := pipeline.NewOrchestrator(a.logger).
		Add("tail", a.newTailer(deps, c)).
		Add("sweep", pipeline.RunFunc(a.newSweeper(deps, c).RunCron)).
		Add("catalog", pipeline.RunFunc(c.catalog.RunLoop)).
		Add("janitor", a.janitor(c))
	a.addCommon(o, deps, c, true)
	return a.runLoops(ctx, c, o)
}
