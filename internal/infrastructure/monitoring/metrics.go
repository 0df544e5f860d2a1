package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Every collector lives on a private
// registry so several brokers (or tests) can coexist in one process.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// WebSocket metrics
	WSConnections *prometheus.GaugeVec
	WSMessages    *prometheus.CounterVec
	DroppedFrames prometheus.Counter

	// Registry metrics
	StoresLive  prometheus.Gauge
	Subscribers prometheus.Gauge

	// Forwarding metrics
	ForwardsPending prometheus.Gauge
	Forwards        *prometheus.CounterVec

	// Durable store metrics
	SnapshotSaves *prometheus.CounterVec

	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storebridge_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storebridge_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		WSConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "storebridge_ws_connections",
				Help: "Number of open websocket connections by role",
			},
			[]string{"role"},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storebridge_ws_messages_total",
				Help: "Total number of websocket frames by direction and method",
			},
			[]string{"direction", "method"},
		),
		DroppedFrames: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "storebridge_ws_dropped_frames_total",
				Help: "Outbound frames dropped because a connection queue was full or closed",
			},
		),

		StoresLive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "storebridge_stores_live",
				Help: "Number of stores with an attached host",
			},
		),
		Subscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "storebridge_subscriptions",
				Help: "Number of (store, subscriber) pairs",
			},
		),

		ForwardsPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "storebridge_forwards_pending",
				Help: "Forwarded requests awaiting a host reply",
			},
		),
		Forwards: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storebridge_forwards_total",
				Help: "Forwarded requests by method and outcome",
			},
			[]string{"method", "outcome"},
		),

		SnapshotSaves: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storebridge_snapshot_saves_total",
				Help: "Durable snapshot writes by status",
			},
			[]string{"status"},
		),
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "storebridge_uptime_seconds",
			Help: "Broker uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// Registry exposes the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordWSMessage records a websocket frame. Direction is "in" or "out".
func (m *Metrics) RecordWSMessage(direction, method string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, method).Inc()
}

// IncWSConnections increments open connections for a role
func (m *Metrics) IncWSConnections(role string) {
	if m == nil {
		return
	}
	m.WSConnections.WithLabelValues(role).Inc()
}

// DecWSConnections decrements open connections for a role
func (m *Metrics) DecWSConnections(role string) {
	if m == nil {
		return
	}
	m.WSConnections.WithLabelValues(role).Dec()
}

// IncDroppedFrames counts one dropped outbound frame
func (m *Metrics) IncDroppedFrames() {
	if m == nil {
		return
	}
	m.DroppedFrames.Inc()
}

// SetStoresLive sets the number of live stores
func (m *Metrics) SetStoresLive(count int) {
	if m == nil {
		return
	}
	m.StoresLive.Set(float64(count))
}

// SetSubscribers sets the number of subscriptions
func (m *Metrics) SetSubscribers(count int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(count))
}

// SetForwardsPending sets the number of pending forwards
func (m *Metrics) SetForwardsPending(count int) {
	if m == nil {
		return
	}
	m.ForwardsPending.Set(float64(count))
}

// RecordForward records a forward outcome: "sent", "relayed", "conflict",
// "purged" or "stray".
func (m *Metrics) RecordForward(method, outcome string) {
	if m == nil {
		return
	}
	m.Forwards.WithLabelValues(method, outcome).Inc()
}

// RecordSnapshotSave records a durable write: "ok", "conflict" or "error".
func (m *Metrics) RecordSnapshotSave(status string) {
	if m == nil {
		return
	}
	m.SnapshotSaves.WithLabelValues(status).Inc()
}
