package infra

import (
	"net/http"
	"time"

	"market_sync/internal/engine"
	"market_sync/internal/event"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "market_sync"

// Metrics holds the process's prometheus collectors on a private registry so
// tests can build as many as they like. It implements engine.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	eventsProcessed  *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	dispatchLatency  prometheus.Histogram
	resyncs          *prometheus.CounterVec
	deltasReplayed   prometheus.Counter
	deltasDiscarded  prometheus.Counter
	subscriptions    prometheus.Gauge
	books            prometheus.Gauge
	mailboxOverflows *prometheus.CounterVec

	activeConnections prometheus.Gauge
	reconnects        prometheus.Counter
	errorsTotal       *prometheus.CounterVec
}

var _ engine.Recorder = (*Metrics)(nil)

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_processed_total",
			Help:      "Normalized events dispatched by the router, by kind.",
		}, []string{"kind"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_events_total",
			Help:      "Events dropped without changing state, by reason.",
		}, []string{"reason"}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time to apply one event and broadcast the result.",
			Buckets:   []float64{.00001, .00005, .0001, .00025, .0005, .001, .0025, .005, .01},
		}),
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "resyncs_total",
			Help:      "Order book resyncs, by symbol.",
		}, []string{"symbol"}),
		deltasReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "replayed_deltas_total",
			Help:      "Buffered deltas applied after a snapshot.",
		}),
		deltasDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "discarded_deltas_total",
			Help:      "Buffered deltas already covered by a snapshot.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_subscriptions",
			Help:      "Subscriptions currently held by the router.",
		}),
		books: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_books",
			Help:      "Order books currently maintained.",
		}),
		mailboxOverflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "mailbox_overflow_total",
			Help:      "Updates dropped because a consumer mailbox was full, by key.",
		}, []string{"key"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_connections",
			Help:      "Open venue connections.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnects_total",
			Help:      "Venue reconnect attempts.",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "errors_total",
			Help:      "Errors by component.",
		}, []string{"component"}),
	}

	m.registry.MustRegister(
		m.eventsProcessed,
		m.eventsDropped,
		m.dispatchLatency,
		m.resyncs,
		m.deltasReplayed,
		m.deltasDiscarded,
		m.subscriptions,
		m.books,
		m.mailboxOverflows,
		m.activeConnections,
		m.reconnects,
		m.errorsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) EventProcessed(kind event.Kind) {
	m.eventsProcessed.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) EventDropped(reason string) {
	m.eventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) DispatchDuration(d time.Duration) {
	m.dispatchLatency.Observe(d.Seconds())
}

func (m *Metrics) Resync(symbol string) {
	m.resyncs.WithLabelValues(symbol).Inc()
}

func (m *Metrics) DeltasReplayed(n int) {
	m.deltasReplayed.Add(float64(n))
}

func (m *Metrics) DeltasDiscarded(n int) {
	m.deltasDiscarded.Add(float64(n))
}

func (m *Metrics) SubscriptionsActive(n int) {
	m.subscriptions.Set(float64(n))
}

func (m *Metrics) BooksActive(n int) {
	m.books.Set(float64(n))
}

func (m *Metrics) MailboxOverflow(key string) {
	m.mailboxOverflows.WithLabelValues(key).Inc()
}

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	m.activeConnections.Inc()
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Dec()
}

// RecordReconnect counts one reconnect attempt.
func (m *Metrics) RecordReconnect() {
	m.reconnects.Inc()
}

// RecordError records an error occurrence for component.
func (m *Metrics) RecordError(component string) {
	m.errorsTotal.WithLabelValues(component).Inc()
}
