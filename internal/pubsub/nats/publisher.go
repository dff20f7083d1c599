// Package nats publishes pipeline triggers on NATS subjects.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

// Config holds the NATS connection settings.
type Config struct {
	URL           string
	SubjectPrefix string
	Name          string
}

// Publisher implements domain.Publisher. Topics map to subjects as
// "<prefix>.<topic>" when a prefix is configured.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

// New connects to cfg.URL with endless reconnects.
func New(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats: url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "polydearboard"
	}
	logger = logger.With(slog.String("component", "nats"))

	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}
	return &Publisher{nc: nc, prefix: cfg.SubjectPrefix, logger: logger}, nil
}

// Subject returns the NATS subject for topic.
func (p *Publisher) Subject(topic string) string {
	if p.prefix == "" {
		return topic
	}
	return p.prefix + "." + topic
}

// Publish sends payload on the topic subject.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats: publish %s: %w", topic, domain.ErrClosed)
	}
	if err := p.nc.Publish(p.Subject(topic), payload); err != nil {
		return fmt.Errorf("nats: publish %s: %w", topic, err)
	}
	return nil
}

// Ready reports whether the connection is up.
func (p *Publisher) Ready() bool {
	return p.nc != nil && p.nc.Status() == nats.CONNECTED
}

// Close drains pending publishes and closes the connection.
func (p *Publisher) Close() error {
	if p.nc == nil || p.nc.IsClosed() {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("nats: drain: %w", err)
	}
	return nil
}

var _ domain.Publisher = (*Publisher)(nil)
