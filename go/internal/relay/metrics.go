package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector defines the interface for collecting relay metrics
type MetricsCollector interface {
	ConnectionOpened()
	ConnectionClosed()
	AuthSucceeded()
	AuthFailed(reason string)
	EventForwarded(recipients int)
	FrameDropped(reason string)
	SlowConsumerDropped()
	BridgeMessage(direction string)
}

// NoOpMetricsCollector is a no-op implementation for when metrics aren't needed
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) ConnectionOpened() {}
func (n *NoOpMetricsCollector) ConnectionClosed() {}
func (n *NoOpMetricsCollector) AuthSucceeded() {}
func (n *NoOpMetricsCollector) AuthFailed(reason string) {}
func (n *NoOpMetricsCollector) EventForwarded(recipients int) {}
func (n *NoOpMetricsCollector) FrameDropped(reason string) {}
func (n *NoOpMetricsCollector) SlowConsumerDropped() {}
func (n *NoOpMetricsCollector) BridgeMessage(direction string) {}

// PrometheusMetrics implements MetricsCollector using Prometheus
type PrometheusMetrics struct {
	registry *prometheus.Registry

	activeConnections prometheus.Gauge
	totalConnections  prometheus.Counter
	authSuccess       prometheus.Counter
	authFailures      *prometheus.CounterVec
	eventsForwarded   prometheus.Counter
	fanOut            prometheus.Histogram
	framesDropped     *prometheus.CounterVec
	slowConsumers     prometheus.Counter
	bridgeMessages    *prometheus.CounterVec
}

// NewPrometheusMetrics registers the relay metrics on a private registry
// together with the Go runtime and process collectors.
func NewPrometheusMetrics() *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		registry: reg,
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "captimer_relay_connections_active",
			Help: "The current number of open relay connections.",
		}),
		totalConnections: factory.NewCounter(prometheus.CounterOpts{
			Name: "captimer_relay_connections_total",
			Help: "The total number of relay connections accepted.",
		}),
		authSuccess: factory.NewCounter(prometheus.CounterOpts{
			Name: "captimer_relay_auth_success_total",
			Help: "The total number of connections that presented a valid credential.",
		}),
		authFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "captimer_relay_auth_failures_total",
			Help: "The total number of connections closed for failed authentication.",
		}, []string{"reason"}),
		eventsForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "captimer_relay_events_forwarded_total",
			Help: "The total number of timer events fanned out.",
		}),
		fanOut: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "captimer_relay_fanout_recipients",
			Help:    "Number of recipients per forwarded timer event.",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
		}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "captimer_relay_frames_dropped_total",
			Help: "The total number of inbound frames dropped.",
		}, []string{"reason"}),
		slowConsumers: factory.NewCounter(prometheus.CounterOpts{
			Name: "captimer_relay_slow_consumers_dropped_total",
			Help: "The total number of connections closed because their send buffer filled up.",
		}),
		bridgeMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "captimer_relay_bridge_messages_total",
			Help: "The total number of events exchanged with other relay instances.",
		}, []string{"direction"}),
	}
}

func (m *PrometheusMetrics) ConnectionOpened() {
	m.activeConnections.Inc()
	m.totalConnections.Inc()
}

func (m *PrometheusMetrics) ConnectionClosed() {
	m.activeConnections.Dec()
}

func (m *PrometheusMetrics) AuthSucceeded() {
	m.authSuccess.Inc()
}

func (m *PrometheusMetrics) AuthFailed(reason string) {
	m.authFailures.WithLabelValues(reason).Inc()
}

func (m *PrometheusMetrics) EventForwarded(recipients int) {
	m.eventsForwarded.Inc()
	m.fanOut.Observe(float64(recipients))
}

func (m *PrometheusMetrics) FrameDropped(reason string) {
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *PrometheusMetrics) SlowConsumerDropped() {
	m.slowConsumers.Inc()
}

func (m *PrometheusMetrics) BridgeMessage(direction string) {
	m.bridgeMessages.WithLabelValues(direction).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
