package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/polydearboard/internal/aggregate"
	s3blob "github.com/alanyoungcy/polydearboard/internal/blob/s3"
	"github.com/alanyoungcy/polydearboard/internal/cache/redis"
	"github.com/alanyoungcy/polydearboard/internal/config"
	"github.com/alanyoungcy/polydearboard/internal/domain"
	"github.com/alanyoungcy/polydearboard/internal/metrics"
	natspub "github.com/alanyoungcy/polydearboard/internal/pubsub/nats"
	"github.com/alanyoungcy/polydearboard/internal/server/handler"
	"github.com/alanyoungcy/polydearboard/internal/store/clickhouse"
	"github.com/alanyoungcy/polydearboard/internal/store/memory"
	"github.com/alanyoungcy/polydearboard/internal/store/postgres"
)

// AggregateStore is both sides of the aggregate tables plus the PnL ranking.
type AggregateStore interface {
	domain.AggregateReader
	domain.TraderRanker
	aggregate.Store
}

// Dependencies bundles every adapter the modes need. It is constructed by
// Wire and torn down by the returned cleanup function. Optional members are
// nil when their backend is disabled.
type Dependencies struct {
	// Stores
	Raw        domain.RawEventStore
	Ledger     domain.TradeLedger
	Aggregates AggregateStore
	Resolved   domain.ResolvedPriceStore
	Markets    domain.MarketStore
	Cursors    domain.CursorStore

	// Caches
	PriceCache  domain.PriceCache
	MarketCache domain.MarketCache
	Distinct    domain.DistinctEstimator
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	Archiver domain.TradeArchiver

	// Trigger transport
	NATS *natspub.Publisher

	Metrics *metrics.Metrics
	Checks  map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{Checks: map[string]handler.Check{}}
	if cfg.Metrics.Enabled {
		deps.Metrics = metrics.New()
	}

	// --- Ledger, aggregates, metadata ---
	switch strings.ToLower(cfg.StorageBackend) {
	case config.BackendPostgres:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}

		pool := pgClient.Pool()
		deps.Ledger = postgres.NewLedgerStore(pool)
		deps.Aggregates = postgres.NewAggregateStore(pool)
		deps.Resolved = postgres.NewResolvedPriceStore(pool)
		deps.Markets = postgres.NewMarketStore(pool)
		deps.Cursors = postgres.NewCursorStore(pool)
		deps.Checks["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }
	default:
		logger.Warn("storage_backend is memory; aggregates are lost on restart")
		resolved := memory.NewResolvedPriceStore()
		store := memory.NewStore().WithResolved(resolved)
		deps.Ledger = store
		deps.Aggregates = store
		deps.Resolved = resolved
		deps.Markets = memory.NewMarketStore()
		deps.Cursors = memory.NewCursorStore()
	}

	// --- Raw events ---
	if cfg.ClickHouse.Enabled {
		conn, err := clickhouse.New(ctx, clickhouse.Config{
			DSN:          cfg.ClickHouse.DSN,
			DialTimeout:  cfg.ClickHouse.DialTimeout.Duration,
			BatchMaxRows: cfg.ClickHouse.BatchMaxRows,
			MaxRetries:   cfg.ClickHouse.MaxRetries,
			RetryBackoff: cfg.ClickHouse.RetryBackoff.Duration,
		})
		if err != nil {
			return fail("clickhouse", err)
		}
		closers = append(closers, func() { _ = conn.Close() })
		if cfg.ClickHouse.EnsureSchema {
			if err := conn.EnsureSchema(ctx); err != nil {
				return fail("clickhouse schema", err)
			}
		}
		deps.Raw = clickhouse.NewRawStore(conn, logger)
		deps.Checks["clickhouse"] = func(ctx context.Context) error { return conn.Native.Ping(ctx) }
	} else {
		deps.Raw = memory.NewRawStore()
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.MarketCache = redis.NewMarketCache(redisClient, cfg.Redis.MarketTTL.Duration)
		deps.Distinct = redis.NewHyperLogLog(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.DurableSignals)
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- S3 trade archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client))
		deps.Checks["s3"] = s3Client.Health
	}

	// --- NATS ---
	if cfg.NATS.Enabled {
		pub, err := natspub.New(natspub.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Name:          cfg.NATS.Name,
		}, logger)
		if err != nil {
			return fail("nats", err)
		}
		closers = append(closers, func() { _ = pub.Close() })
		deps.NATS = pub
		deps.Checks["nats"] = func(context.Context) error {
			if !pub.Ready() {
				return errors.New("nats: not connected")
			}
			return nil
		}
	}

	return deps, cleanup, nil
}
