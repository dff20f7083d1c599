// Package metrics exposes the pipeline's Prometheus metrics. A nil *Metrics
// is valid and records nothing, so components can be built without it.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dearboard"

// Metrics holds every collector on a private registry.
type Metrics struct {
	// Ingestion
	FillsReceived       *prometheus.CounterVec
	FillsMalformed      *prometheus.CounterVec
	FillsFiltered       *prometheus.CounterVec
	TradesInserted      *prometheus.CounterVec
	TradesDuplicate     *prometheus.CounterVec
	ResolutionsReceived *prometheus.CounterVec
	ResolvedInserted    *prometheus.CounterVec

	// Aggregation
	HandlerMerges *prometheus.CounterVec
	HandlerErrors *prometheus.CounterVec

	// Retention
	Evictions      *prometheus.CounterVec
	ArchivedTrades prometheus.Counter

	// Progress
	CursorBlock   *prometheus.GaugeVec
	BatchSize     *prometheus.HistogramVec
	StageDuration *prometheus.HistogramVec

	// Ops server
	HTTPRequests *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New builds the collectors and registers them, plus the Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.FillsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ingest",
		Name: "fills_received_total",
		Help: "Raw fill events received.",
	}, []string{"network", "exchange"})
	m.FillsMalformed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ingest",
		Name: "fills_malformed_total",
		Help: "Raw fill events dropped as malformed.",
	}, []string{"network"})
	m.FillsFiltered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ingest",
		Name: "fills_filtered_total",
		Help: "Raw fill events without a USDC leg.",
	}, []string{"network"})
	m.TradesInserted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ledger",
		Name: "trades_inserted_total",
		Help: "Canonical trades created in the ledger.",
	}, []string{"network"})
	m.TradesDuplicate = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ledger",
		Name: "trades_duplicate_total",
		Help: "Canonical trades that were already in the ledger.",
	}, []string{"network"})
	m.ResolutionsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ingest",
		Name: "resolutions_received_total",
		Help: "Condition resolution events received.",
	}, []string{"network"})
	m.ResolvedInserted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "resolve",
		Name: "prices_inserted_total",
		Help: "Resolved prices created.",
	}, []string{"network"})

	m.HandlerMerges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "aggregate",
		Name: "merges_total",
		Help: "Aggregate handler claims, by handler and result.",
	}, []string{"handler", "result"})
	m.HandlerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "aggregate",
		Name: "handler_errors_total",
		Help: "Aggregate handler failures.",
	}, []string{"handler"})

	m.Evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "retention",
		Name: "evicted_rows_total",
		Help: "Rows deleted by the retention sweep.",
	}, []string{"table"})
	m.ArchivedTrades = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "retention",
		Name: "archived_trades_total",
		Help: "Ledger rows archived before eviction.",
	})

	m.CursorBlock = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "tail",
		Name: "cursor_block",
		Help: "Last fully processed block.",
	}, []string{"network", "source"})
	m.BatchSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "ingest",
		Name:    "batch_size",
		Help:    "Events per ingested batch.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"kind"})
	m.StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Wall time of pipeline stages.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})

	m.HTTPRequests = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http",
		Name:    "request_duration_seconds",
		Help:    "Ops server latency by route pattern and status code.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "code"})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.FillsReceived, m.FillsMalformed, m.FillsFiltered,
		m.TradesInserted, m.TradesDuplicate,
		m.ResolutionsReceived, m.ResolvedInserted,
		m.HandlerMerges, m.HandlerErrors,
		m.Evictions, m.ArchivedTrades,
		m.CursorBlock, m.BatchSize, m.StageDuration,
		m.HTTPRequests,
	)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) AddReceived(network, exchange string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.FillsReceived.WithLabelValues(network, exchange).Add(float64(n))
}

func (m *Metrics) IncMalformed(network string) {
	if m == nil {
		return
	}
	m.FillsMalformed.WithLabelValues(network).Inc()
}

func (m *Metrics) IncFiltered(network string) {
	if m == nil {
		return
	}
	m.FillsFiltered.WithLabelValues(network).Inc()
}

// ObserveLedger records the outcome of one ledger upsert.
func (m *Metrics) ObserveLedger(network string, fresh bool) {
	if m == nil {
		return
	}
	if fresh {
		m.TradesInserted.WithLabelValues(network).Inc()
		return
	}
	m.TradesDuplicate.WithLabelValues(network).Inc()
}

func (m *Metrics) AddResolutions(network string, received, inserted int) {
	if m == nil {
		return
	}
	m.ResolutionsReceived.WithLabelValues(network).Add(float64(received))
	m.ResolvedInserted.WithLabelValues(network).Add(float64(inserted))
}

// ObserveMerge records one handler claim. result is "merged", "skipped" or
// "error".
func (m *Metrics) ObserveMerge(handler, result string) {
	if m == nil {
		return
	}
	m.HandlerMerges.WithLabelValues(handler, result).Inc()
	if result == "error" {
		m.HandlerErrors.WithLabelValues(handler).Inc()
	}
}

func (m *Metrics) AddEvicted(table string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.Evictions.WithLabelValues(table).Add(float64(n))
}

func (m *Metrics) AddArchived(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ArchivedTrades.Add(float64(n))
}

func (m *Metrics) SetCursor(network, source string, block uint64) {
	if m == nil {
		return
	}
	m.CursorBlock.WithLabelValues(network, source).Set(float64(block))
}

func (m *Metrics) ObserveBatch(kind string, n int) {
	if m == nil {
		return
	}
	m.BatchSize.WithLabelValues(kind).Observe(float64(n))
}

// Time starts a stage timer; call the returned func when the stage ends.
func (m *Metrics) Time(stage string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

// ObserveHTTP records one ops server request.
func (m *Metrics) ObserveHTTP(route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
