// Package metrics provides instrumentation for the call engine and
// signaling transports.
//
// A Collector interface keeps the core packages decoupled from any
// particular metrics backend. The Prometheus implementation registers
// against its own registry so multiple collectors can coexist in one
// process (including tests).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector defines the instrumentation hooks used by the call engine
// and the signaling transports. A nil-safe no-op implementation is
// available via NewNopCollector.
type Collector interface {
	// Call lifecycle metrics
	CallStarted(direction string)
	CallEnded(status string, duration time.Duration)

	// Quality metrics
	QualityChanged(level string)

	// Signaling metrics
	SignalSent(msgType string)
	SignalReceived(msgType string)

	// Handler returns an HTTP handler exposing the collected metrics.
	Handler() http.Handler
}

// PrometheusCollector implements Collector using Prometheus primitives.
type PrometheusCollector struct {
	registry *prometheus.Registry

	activeCalls  prometheus.Gauge
	callsStarted *prometheus.CounterVec
	callsEnded   *prometheus.CounterVec
	callDuration prometheus.Histogram

	qualityChanges *prometheus.CounterVec

	signalsSent     *prometheus.CounterVec
	signalsReceived *prometheus.CounterVec
}

// NewPrometheusCollector creates a collector backed by a private
// Prometheus registry.
func NewPrometheusCollector() *PrometheusCollector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &PrometheusCollector{
		registry: registry,

		activeCalls: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callkit_active_calls",
			Help: "Number of call sessions currently in progress",
		}),

		callsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callkit_calls_started_total",
				Help: "Total number of call sessions started",
			},
			[]string{"direction"},
		),

		callsEnded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callkit_calls_ended_total",
				Help: "Total number of call sessions ended, by terminal status",
			},
			[]string{"status"},
		),

		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callkit_call_duration_seconds",
			Help:    "Duration of connected call sessions",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
		}),

		qualityChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callkit_quality_changes_total",
				Help: "Total number of committed network quality level changes",
			},
			[]string{"level"},
		),

		signalsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callkit_signals_sent_total",
				Help: "Total number of signaling messages sent",
			},
			[]string{"type"},
		),

		signalsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callkit_signals_received_total",
				Help: "Total number of signaling messages received",
			},
			[]string{"type"},
		),
	}
}

// CallStarted records a new call session and marks it active.
func (c *PrometheusCollector) CallStarted(direction string) {
	c.callsStarted.WithLabelValues(direction).Inc()
	c.activeCalls.Inc()
}

// CallEnded records a terminal call status and its duration.
func (c *PrometheusCollector) CallEnded(status string, duration time.Duration) {
	c.callsEnded.WithLabelValues(status).Inc()
	c.callDuration.Observe(duration.Seconds())
	c.activeCalls.Dec()
}

// QualityChanged records a committed quality level change.
func (c *PrometheusCollector) QualityChanged(level string) {
	c.qualityChanges.WithLabelValues(level).Inc()
}

// SignalSent records an outbound signaling message.
func (c *PrometheusCollector) SignalSent(msgType string) {
	c.signalsSent.WithLabelValues(msgType).Inc()
}

// SignalReceived records an inbound signaling message.
func (c *PrometheusCollector) SignalReceived(msgType string) {
	c.signalsReceived.WithLabelValues(msgType).Inc()
}

// Handler returns an HTTP handler for the collector's registry.
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// NopCollector is a Collector that discards all measurements.
type NopCollector struct{}

// NewNopCollector creates a collector that does nothing.
func NewNopCollector() *NopCollector { return &NopCollector{} }

func (*NopCollector) CallStarted(string)                {}
func (*NopCollector) CallEnded(string, time.Duration)   {}
func (*NopCollector) QualityChanged(string)             {}
func (*NopCollector) SignalSent(string)                 {}
func (*NopCollector) SignalReceived(string)             {}
func (*NopCollector) Handler() http.Handler             { return http.NotFoundHandler() }
