// Package alert publishes the pipeline's trigger points: trade inserted,
// resolved price inserted, whale trades and smart-money convergence. Payloads
// are JSON and go to every configured sink (Redis signal bus, NATS). Delivery
// to end clients happens downstream of the sinks.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

// drainTimeout bounds how long Run keeps flushing queued triggers after its
// context is cancelled.
const drainTimeout = 5 * time.Second

// Sink is one trigger transport.
type Sink interface {
	domain.Publisher
	// Name returns a short identifier for logs (e.g. "redis", "nats").
	Name() string
}

type namedSink struct {
	domain.Publisher
	name string
}

func (s namedSink) Name() string { return s.name }

// NewSink labels a publisher for use as a Sink.
func NewSink(name string, p domain.Publisher) Sink {
	return namedSink{Publisher: p, name: name}
}

type message struct {
	topic string
	build func(ctx context.Context) any
}

// Dispatcher fans trigger payloads out to every sink. Only topics in the
// allowed set are forwarded; an empty set allows everything.
type Dispatcher struct {
	sinks   []Sink
	topics  map[string]bool
	queue   chan message
	dropped atomic.Int64
	sent    atomic.Int64
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher. queueSize bounds the number of pending
// asynchronous triggers; Enqueue drops once it is full.
func NewDispatcher(sinks []Sink, topics []string, queueSize int, logger *slog.Logger) *Dispatcher {
	allowed := make(map[string]bool, len(topics))
	for _, t := range topics {
		if t = strings.TrimSpace(t); t != "" {
			allowed[t] = true
		}
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Dispatcher{
		sinks:  sinks,
		topics: allowed,
		queue:  make(chan message, queueSize),
		logger: logger.With(slog.String("component", "alert_dispatcher")),
	}
}

// Enabled reports whether topic passes the filter.
func (d *Dispatcher) Enabled(topic string) bool {
	return len(d.sinks) > 0 && (len(d.topics) == 0 || d.topics[topic])
}

// Publish marshals v and sends it to every sink synchronously.
func (d *Dispatcher) Publish(ctx context.Context, topic string, v any) error {
	if !d.Enabled(topic) {
		d.logger.DebugContext(ctx, "topic filtered out", slog.String("topic", topic))
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("alert: marshal %s: %w", topic, err)
	}
	return d.dispatch(ctx, topic, payload)
}

// Enqueue schedules a trigger without blocking the caller. build runs on the
// dispatcher goroutine, so it may do best-effort enrichment. It returns false
// when the topic is filtered or the queue is full.
func (d *Dispatcher) Enqueue(topic string, build func(ctx context.Context) any) bool {
	if !d.Enabled(topic) {
		return false
	}
	select {
	case d.queue <- message{topic: topic, build: build}:
		return true
	default:
		if n := d.dropped.Add(1); n == 1 || n%1000 == 0 {
			d.logger.Warn("trigger queue full, dropping",
				slog.String("topic", topic),
				slog.Int64("dropped_total", n),
			)
		}
		return false
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case m := <-d.queue:
			d.deliver(ctx, m)
		case <-ctx.Done():
			d.drain()
			return nil
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case m := <-d.queue:
			d.deliver(ctx, m)
		default:
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, m message) {
	if err := d.Publish(ctx, m.topic, m.build(ctx)); err != nil {
		d.logger.WarnContext(ctx, "trigger delivery failed",
			slog.String("topic", m.topic),
			slog.String("error", err.Error()),
		)
	}
}

// Dropped returns the number of triggers discarded because the queue was full.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Sent returns the number of payloads accepted by at least one sink.
func (d *Dispatcher) Sent() int64 { return d.sent.Load() }

// dispatch sends payload to all sinks. Sink errors are collected; one failing
// sink does not stop delivery to the others.
func (d *Dispatcher) dispatch(ctx context.Context, topic string, payload []byte) error {
	var errs []string
	for _, s := range d.sinks {
		if err := s.Publish(ctx, topic, payload); err != nil {
			d.logger.ErrorContext(ctx, "sink failed",
				slog.String("sink", s.Name()),
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		}
	}
	if len(errs) < len(d.sinks) {
		d.sent.Add(1)
	}
	if len(errs) > 0 {
		return fmt.Errorf("alert: %d sink(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
