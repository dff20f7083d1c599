package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies DEARBOARD_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known DEARBOARD_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This lets
// operators inject secrets at deploy time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DEARBOARD_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform alias
	setStr(&cfg.Postgres.Host, "DEARBOARD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "DEARBOARD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "DEARBOARD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "DEARBOARD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "DEARBOARD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "DEARBOARD_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "DEARBOARD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "DEARBOARD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "DEARBOARD_POSTGRES_RUN_MIGRATIONS")

	// ── ClickHouse ──
	setBool(&cfg.ClickHouse.Enabled, "DEARBOARD_CLICKHOUSE_ENABLED")
	setStr(&cfg.ClickHouse.DSN, "DEARBOARD_CLICKHOUSE_DSN")
	setInt(&cfg.ClickHouse.BatchMaxRows, "DEARBOARD_CLICKHOUSE_BATCH_MAX_ROWS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "DEARBOARD_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "DEARBOARD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "DEARBOARD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "DEARBOARD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "DEARBOARD_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "DEARBOARD_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "DEARBOARD_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "DEARBOARD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "DEARBOARD_S3_REGION")
	setStr(&cfg.S3.Bucket, "DEARBOARD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "DEARBOARD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "DEARBOARD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "DEARBOARD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "DEARBOARD_S3_FORCE_PATH_STYLE")

	// ── NATS ──
	setBool(&cfg.NATS.Enabled, "DEARBOARD_NATS_ENABLED")
	setStr(&cfg.NATS.URL, "DEARBOARD_NATS_URL")
	setStr(&cfg.NATS.SubjectPrefix, "DEARBOARD_NATS_SUBJECT_PREFIX")

	// ── Chain ──
	setStr(&cfg.Chain.Network, "DEARBOARD_CHAIN_NETWORK")
	setStr(&cfg.Chain.RPCURL, "DEARBOARD_CHAIN_RPC_URL")
	setUint64(&cfg.Chain.MaxRange, "DEARBOARD_CHAIN_MAX_RANGE")
	setUint64(&cfg.Chain.Confirmations, "DEARBOARD_CHAIN_CONFIRMATIONS")

	// ── Gamma ──
	setBool(&cfg.Gamma.Enabled, "DEARBOARD_GAMMA_ENABLED")
	setStr(&cfg.Gamma.BaseURL, "DEARBOARD_GAMMA_BASE_URL")
	setDuration(&cfg.Gamma.RefreshInterval, "DEARBOARD_GAMMA_REFRESH_INTERVAL")
	setInt(&cfg.Gamma.MaxTokens, "DEARBOARD_GAMMA_MAX_TOKENS")

	// ── Ingest ──
	setInt(&cfg.Ingest.Workers, "DEARBOARD_INGEST_WORKERS")
	setDuration(&cfg.Ingest.PollInterval, "DEARBOARD_INGEST_POLL_INTERVAL")
	setUint64(&cfg.Ingest.StartBlock, "DEARBOARD_INGEST_START_BLOCK")
	setUint64(&cfg.Ingest.BatchBlocks, "DEARBOARD_INGEST_BATCH_BLOCKS")

	// ── Retention ──
	setInt(&cfg.Retention.Days, "DEARBOARD_RETENTION_DAYS")
	setStr(&cfg.Retention.Cron, "DEARBOARD_RETENTION_CRON")

	// ── Backfill ──
	setUint64(&cfg.Backfill.FromBlock, "DEARBOARD_BACKFILL_FROM_BLOCK")
	setUint64(&cfg.Backfill.ToBlock, "DEARBOARD_BACKFILL_TO_BLOCK")
	setUint64(&cfg.Backfill.ChunkBlocks, "DEARBOARD_BACKFILL_CHUNK_BLOCKS")
	setBool(&cfg.Backfill.AllowExpired, "DEARBOARD_BACKFILL_ALLOW_EXPIRED")

	// ── Alerts ──
	setBool(&cfg.Alerts.Enabled, "DEARBOARD_ALERTS_ENABLED")
	setStringSlice(&cfg.Alerts.Topics, "DEARBOARD_ALERTS_TOPICS")
	setInt64(&cfg.Alerts.WhaleThresholdRaw, "DEARBOARD_ALERTS_WHALE_THRESHOLD_RAW")
	setBool(&cfg.Alerts.ConvergenceEnabled, "DEARBOARD_ALERTS_CONVERGENCE_ENABLED")
	setDuration(&cfg.Alerts.LiveWindow, "DEARBOARD_ALERTS_LIVE_WINDOW")
	setStringSlice(&cfg.Alerts.SmartMoneyTraders, "DEARBOARD_ALERTS_SMART_MONEY_TRADERS")
	setInt(&cfg.Alerts.SmartMoneyTopN, "DEARBOARD_ALERTS_SMART_MONEY_TOP_N")

	// ── Notify ──
	setStringSlice(&cfg.Notify.Events, "DEARBOARD_NOTIFY_EVENTS")
	setStr(&cfg.Notify.TelegramToken, "DEARBOARD_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "DEARBOARD_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhook, "DEARBOARD_DISCORD_WEBHOOK")

	// ── Goldsky ──
	setBool(&cfg.Goldsky.Enabled, "DEARBOARD_GOLDSKY_ENABLED")
	setStr(&cfg.Goldsky.URL, "DEARBOARD_GOLDSKY_URL")
	setStr(&cfg.Goldsky.APIKey, "DEARBOARD_GOLDSKY_API_KEY")

	// ── Metrics / server ──
	setBool(&cfg.Metrics.Enabled, "DEARBOARD_METRICS_ENABLED")
	setBool(&cfg.Server.Enabled, "DEARBOARD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "DEARBOARD_SERVER_PORT")
	setStringSlice(&cfg.Server.APIKeys, "DEARBOARD_SERVER_API_KEYS")

	// ── Top-level ──
	setStr(&cfg.Mode, "DEARBOARD_MODE")
	setStr(&cfg.StorageBackend, "DEARBOARD_STORAGE_BACKEND")
	setStr(&cfg.LogLevel, "DEARBOARD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
