// Package config defines the top-level configuration for the dearboard
// pipeline and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/polydearboard/internal/aggregate"
	"github.com/alanyoungcy/polydearboard/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by DEARBOARD_* environment variables.
type Config struct {
	Postgres       PostgresConfig   `toml:"postgres"`
	ClickHouse     ClickHouseConfig `toml:"clickhouse"`
	Redis          RedisConfig      `toml:"redis"`
	S3             S3Config         `toml:"s3"`
	NATS           NATSConfig       `toml:"nats"`
	Chain          ChainConfig      `toml:"chain"`
	Gamma          GammaConfig      `toml:"gamma"`
	Goldsky        GoldskyConfig    `toml:"goldsky"`
	Ingest         IngestConfig     `toml:"ingest"`
	Aggregate      AggregateConfig  `toml:"aggregate"`
	Retention      RetentionConfig  `toml:"retention"`
	Backfill       BackfillConfig   `toml:"backfill"`
	Alerts         AlertsConfig     `toml:"alerts"`
	Notify         NotifyConfig     `toml:"notify"`
	Metrics        MetricsConfig    `toml:"metrics"`
	Server         ServerConfig     `toml:"server"`
	Mode           string           `toml:"mode"`
	StorageBackend string           `toml:"storage_backend"`
	LogLevel       string           `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters for the ledger and
// aggregate tables.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// ClickHouseConfig holds the raw event store settings. When disabled the raw
// store lives in memory.
type ClickHouseConfig struct {
	Enabled      bool     `toml:"enabled"`
	DSN          string   `toml:"dsn"`
	DialTimeout  duration `toml:"dial_timeout"`
	BatchMaxRows int      `toml:"batch_max_rows"`
	MaxRetries   int      `toml:"max_retries"`
	RetryBackoff duration `toml:"retry_backoff"`
	EnsureSchema bool     `toml:"ensure_schema"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	MarketTTL  duration `toml:"market_ttl"`
	// DurableSignals also appends trigger payloads to per-topic streams.
	DurableSignals bool `toml:"durable_signals"`
}

// S3Config holds S3-compatible object storage parameters for the trade
// archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// NATSConfig holds the trigger publisher settings.
type NATSConfig struct {
	Enabled       bool   `toml:"enabled"`
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
	Name          string `toml:"name"`
}

// ExchangeContract maps a contract address to an exchange tag.
type ExchangeContract struct {
	Address  string `toml:"address"`
	Exchange string `toml:"exchange"`
}

// ChainConfig holds the JSON-RPC log source settings.
type ChainConfig struct {
	Network           string             `toml:"network"`
	RPCURL            string             `toml:"rpc_url"`
	MaxRange          uint64             `toml:"max_range"`
	Confirmations     uint64             `toml:"confirmations"`
	ConditionalTokens string             `toml:"conditional_tokens"`
	Exchanges         []ExchangeContract `toml:"exchanges"`
}

// GammaConfig holds the market metadata API and catalog refresh settings.
type GammaConfig struct {
	Enabled         bool     `toml:"enabled"`
	BaseURL         string   `toml:"base_url"`
	Timeout         duration `toml:"timeout"`
	RateLimit       int      `toml:"rate_limit"`
	RateWindow      duration `toml:"rate_window"`
	RefreshInterval duration `toml:"refresh_interval"`
	PageSize        int      `toml:"page_size"`
	MaxTokens       int      `toml:"max_tokens"`
	LookupTimeout   duration `toml:"lookup_timeout"`
	MissTTL         duration `toml:"miss_ttl"`
}

// IngestConfig tunes the live tail.
type IngestConfig struct {
	Workers      int      `toml:"workers"`
	PollInterval duration `toml:"poll_interval"`
	StartBlock   uint64   `toml:"start_block"`
	BatchBlocks  uint64   `toml:"batch_blocks"`
}

// AggregateConfig holds the per-network deny-list of addresses excluded from
// distinct-trader counts and asset volume.
type AggregateConfig struct {
	DenyList map[string][]string `toml:"deny_list"`
}

// RetentionConfig controls the hot-ledger sweep.
type RetentionConfig struct {
	Days       int      `toml:"days"`
	Cron       string   `toml:"cron"`
	PageSize   int      `toml:"page_size"`
	MaxPages   int      `toml:"max_pages"`
	LockTTL    duration `toml:"lock_ttl"`
	RunTimeout duration `toml:"run_timeout"`
}

// BackfillConfig describes one historical range to stage, promote and replay.
type BackfillConfig struct {
	FromBlock   uint64   `toml:"from_block"`
	ToBlock     uint64   `toml:"to_block"`
	ChunkBlocks uint64   `toml:"chunk_blocks"`
	ReplayBatch int      `toml:"replay_batch"`
	LockTTL     duration `toml:"lock_ttl"`
	// AllowExpired promotes fills older than the retention window. Those
	// rows were already swept once, so redelivering them counts them again
	// in the aggregates.
	AllowExpired bool `toml:"allow_expired"`
}

// AlertsConfig controls the trigger dispatcher and the derived alerts.
type AlertsConfig struct {
	Enabled bool `toml:"enabled"`
	// Topics filters what is published; empty means every topic.
	Topics            []string `toml:"topics"`
	QueueSize         int      `toml:"queue_size"`
	WhaleThresholdRaw int64    `toml:"whale_threshold_raw"`

	ConvergenceEnabled   bool     `toml:"convergence_enabled"`
	ConvergenceWindow    duration `toml:"convergence_window"`
	ConvergenceThreshold int      `toml:"convergence_threshold"`
	ConvergenceDedup     duration `toml:"convergence_dedup"`
	ConvergenceMaxAssets int      `toml:"convergence_max_assets"`

	// LiveWindow bounds how far a trade's block time may be from now for
	// the whale and convergence alerts to fire.
	LiveWindow duration `toml:"live_window"`
	// SmartMoneyTraders pins the convergence set; when empty the top
	// SmartMoneyTopN traders by PnL are ranked every SmartMoneyRefresh.
	SmartMoneyTraders []string `toml:"smart_money_traders"`
	SmartMoneyTopN    int      `toml:"smart_money_top_n"`
	SmartMoneyRefresh duration `toml:"smart_money_refresh"`
}

// NotifyConfig sends operator notifications about pipeline runs (backfill
// results, sweep failures, crashed loops). Each channel is active when its
// credentials are set.
type NotifyConfig struct {
	// Events filters what is sent; empty means every event.
	Events         []string `toml:"events"`
	TelegramToken  string   `toml:"telegram_token"`
	TelegramChatID string   `toml:"telegram_chat_id"`
	DiscordWebhook string   `toml:"discord_webhook"`
}

// GoldskyConfig points at the Polymarket orderbook subgraph, used as an
// independent reference head for tail lag.
type GoldskyConfig struct {
	Enabled bool     `toml:"enabled"`
	URL     string   `toml:"url"`
	APIKey  string   `toml:"api_key"`
	Timeout duration `toml:"timeout"`
}

// MetricsConfig controls the Prometheus endpoint on the ops server.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// ServerConfig holds the ops HTTP server settings.
type ServerConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
	// APIKeys guards the /api routes; any listed key is accepted so keys
	// can be rotated without downtime. Empty leaves the routes open.
	APIKeys []string `toml:"api_keys"`
	// RateLimit is requests per minute per API key (per client IP when
	// unauthenticated) on read endpoints; 0 disables it. Requires redis.
	RateLimit int `toml:"rate_limit"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so BurntSushi/toml can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with sensible default values. Values
// from a TOML file are decoded on top of these.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "dearboard",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  20,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		ClickHouse: ClickHouseConfig{
			DSN:          "clickhouse://localhost:9000/default",
			DialTimeout:  duration{5 * time.Second},
			BatchMaxRows: 5000,
			MaxRetries:   3,
			RetryBackoff: duration{200 * time.Millisecond},
			EnsureSchema: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			MarketTTL:  duration{24 * time.Hour},
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "dearboard-archive",
			ForcePathStyle: true,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "dearboard",
			Name:          "polydearboard",
		},
		Chain: ChainConfig{
			Network:           domain.NetworkPolygon,
			MaxRange:          2000,
			Confirmations:     5,
			ConditionalTokens: domain.ConditionalTokensAddress,
			Exchanges: []ExchangeContract{
				{Address: domain.CTFExchangeAddress, Exchange: string(domain.ExchangeCTF)},
				{Address: domain.NegRiskExchangeAddress, Exchange: string(domain.ExchangeNegRisk)},
			},
		},
		Gamma: GammaConfig{
			Enabled:         true,
			BaseURL:         "https://gamma-api.polymarket.com",
			Timeout:         duration{15 * time.Second},
			RateLimit:       10,
			RateWindow:      duration{time.Second},
			RefreshInterval: duration{30 * time.Minute},
			PageSize:        100,
			MaxTokens:       50_000,
			LookupTimeout:   duration{2 * time.Second},
			MissTTL:         duration{10 * time.Minute},
		},
		Goldsky: GoldskyConfig{
			Timeout: duration{10 * time.Second},
		},
		Ingest: IngestConfig{
			Workers:      8,
			PollInterval: duration{4 * time.Second},
			BatchBlocks:  500,
		},
		Aggregate: AggregateConfig{
			DenyList: aggregate.DefaultDenyEntries(),
		},
		Retention: RetentionConfig{
			Days:       3,
			Cron:       "0 * * * *",
			PageSize:   10_000,
			MaxPages:   100,
			LockTTL:    duration{30 * time.Minute},
			RunTimeout: duration{25 * time.Minute},
		},
		Backfill: BackfillConfig{
			ChunkBlocks: 2000,
			ReplayBatch: 1000,
			LockTTL:     duration{10 * time.Minute},
		},
		Alerts: AlertsConfig{
			Enabled:              true,
			QueueSize:            1024,
			WhaleThresholdRaw:    25_000_000_000,
			ConvergenceEnabled:   true,
			ConvergenceWindow:    duration{5 * time.Minute},
			ConvergenceThreshold: 2,
			ConvergenceDedup:     duration{time.Minute},
			ConvergenceMaxAssets: 500,
			LiveWindow:           duration{5 * time.Minute},
			SmartMoneyTopN:       20,
			SmartMoneyRefresh:    duration{10 * time.Minute},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8000,
		},
		Mode:           "full",
		StorageBackend: "postgres",
		LogLevel:       "info",
	}
}

// Modes.
const (
	ModeIngest   = "ingest"
	ModeBackfill = "backfill"
	ModeSweep    = "sweep"
	ModeCatalog  = "catalog"
	ModeFull     = "full"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	ModeIngest:   true,
	ModeBackfill: true,
	ModeSweep:    true,
	ModeCatalog:  true,
	ModeFull:     true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validBackends = map[string]bool{
	BackendMemory:   true,
	BackendPostgres: true,
}

// NeedsChain reports whether the mode reads logs from an RPC node.
func (c *Config) NeedsChain() bool {
	return c.Mode == ModeIngest || c.Mode == ModeBackfill || c.Mode == ModeFull
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: ingest, backfill, sweep, catalog, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if !validBackends[strings.ToLower(c.StorageBackend)] {
		errs = append(errs, fmt.Sprintf("unknown storage_backend %q (valid: memory, postgres)", c.StorageBackend))
	}

	// Postgres
	if strings.EqualFold(c.StorageBackend, BackendPostgres) {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	if c.ClickHouse.Enabled && strings.TrimSpace(c.ClickHouse.DSN) == "" {
		errs = append(errs, "clickhouse: dsn must not be empty when enabled")
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty when enabled")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when enabled")
		}
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, "nats: url must not be empty when enabled")
	}

	// Chain
	if c.Chain.Network == "" {
		errs = append(errs, "chain: network must not be empty")
	}
	if c.NeedsChain() && c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url is required for mode "+c.Mode)
	}
	if c.Chain.ConditionalTokens != "" && !common.IsHexAddress(c.Chain.ConditionalTokens) {
		errs = append(errs, fmt.Sprintf("chain: conditional_tokens %q is not an address", c.Chain.ConditionalTokens))
	}
	if len(c.Chain.Exchanges) == 0 {
		errs = append(errs, "chain: at least one exchange contract is required")
	}
	for i, ex := range c.Chain.Exchanges {
		if !common.IsHexAddress(ex.Address) {
			errs = append(errs, fmt.Sprintf("chain: exchanges[%d].address %q is not an address", i, ex.Address))
		}
		if !domain.Exchange(ex.Exchange).Valid() {
			errs = append(errs, fmt.Sprintf("chain: exchanges[%d].exchange %q must be ctf or neg_risk", i, ex.Exchange))
		}
	}

	if c.Gamma.Enabled {
		if c.Gamma.PageSize < 1 {
			errs = append(errs, "gamma: page_size must be >= 1")
		}
		if c.Gamma.MaxTokens < 1 {
			errs = append(errs, "gamma: max_tokens must be >= 1")
		}
	}

	if c.Ingest.Workers < 1 {
		errs = append(errs, "ingest: workers must be >= 1")
	}
	if c.Ingest.BatchBlocks < 1 {
		errs = append(errs, "ingest: batch_blocks must be >= 1")
	}

	for network, addrs := range c.Aggregate.DenyList {
		for _, a := range addrs {
			if !common.IsHexAddress(a) {
				errs = append(errs, fmt.Sprintf("aggregate: deny_list.%s entry %q is not an address", network, a))
			}
		}
	}

	// Retention
	if c.Retention.Days < 1 || c.Retention.Days > 90 {
		errs = append(errs, fmt.Sprintf("retention: days must be 1-90, got %d", c.Retention.Days))
	}
	if _, err := cron.ParseStandard(c.Retention.Cron); err != nil {
		errs = append(errs, fmt.Sprintf("retention: cron %q: %v", c.Retention.Cron, err))
	}
	if c.Retention.PageSize < 1 {
		errs = append(errs, "retention: page_size must be >= 1")
	}

	if c.Mode == ModeBackfill {
		if c.Backfill.ToBlock < c.Backfill.FromBlock || c.Backfill.ToBlock == 0 {
			errs = append(errs, fmt.Sprintf("backfill: invalid range %d-%d", c.Backfill.FromBlock, c.Backfill.ToBlock))
		}
	}
	if c.Backfill.ChunkBlocks < 1 {
		errs = append(errs, "backfill: chunk_blocks must be >= 1")
	}

	// Alerts
	if c.Alerts.WhaleThresholdRaw <= 0 {
		errs = append(errs, "alerts: whale_threshold_raw must be > 0")
	}
	if c.Alerts.ConvergenceEnabled && c.Alerts.ConvergenceThreshold < 2 {
		errs = append(errs, "alerts: convergence_threshold must be >= 2")
	}
	if c.Alerts.LiveWindow.Duration <= 0 {
		errs = append(errs, "alerts: live_window must be > 0")
	}
	if c.Alerts.SmartMoneyTopN < 1 || c.Alerts.SmartMoneyTopN > 50 {
		errs = append(errs, fmt.Sprintf("alerts: smart_money_top_n must be 1-50, got %d", c.Alerts.SmartMoneyTopN))
	}
	for _, a := range c.Alerts.SmartMoneyTraders {
		if !common.IsHexAddress(a) {
			errs = append(errs, fmt.Sprintf("alerts: smart_money_traders entry %q is not an address", a))
		}
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if c.Goldsky.Enabled && c.Goldsky.URL == "" {
		errs = append(errs, "goldsky: url is required when enabled")
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && !c.Redis.Enabled {
			errs = append(errs, "server: rate_limit requires redis.enabled")
		}
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Sprintf("metrics: path %q must start with /", c.Metrics.Path))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Window is the hot-ledger retention as a duration.
func (r RetentionConfig) Window() time.Duration {
	return time.Duration(r.Days) * 24 * time.Hour
}
