// Package clickhouse stores raw exchange events in ClickHouse. Each source
// contract gets its own ReplacingMergeTree table keyed by the on-chain event
// identity, so re-delivered events collapse on merge and reads use FINAL.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Config holds the connection and batch-insert settings.
type Config struct {
	DSN          string
	DialTimeout  time.Duration
	BatchMaxRows int
	MaxRetries   int
	RetryBackoff time.Duration
}

func (c *Config) withDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.BatchMaxRows <= 0 {
		c.BatchMaxRows = 5000
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
}

// Conn wraps the native driver connection.
type Conn struct {
	Native driver.Conn
	cfg    Config
}

// New parses the DSN, opens a native connection and pings it.
func New(ctx context.Context, cfg Config) (*Conn, error) {
	cfg.withDefaults()
	opts, err := ch.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: parse dsn: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if opts.Compression == nil {
		opts.Compression = &ch.Compression{Method: ch.CompressionLZ4}
	}
	opts.ClientInfo = ch.ClientInfo{
		Products: []struct{ Name, Version string }{
			{Name: "polydearboard", Version: "0.1.0"},
		},
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}
	return &Conn{Native: conn, cfg: cfg}, nil
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.Native.Close()
}
