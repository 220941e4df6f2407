// Package metrics provides Prometheus metrics for the device gateway.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "device_gateway"
)

// Metrics contains all Prometheus metrics for the gateway.
type Metrics struct {
	// Session metrics
	SessionsActive    prometheus.Gauge
	SessionsTotal     prometheus.Counter
	SessionsClosed     *prometheus.CounterVec
	HandshakeLatency  prometheus.Histogram
	HandshakeErrors   *prometheus.CounterVec

	// Frame metrics
	FramesReceived *prometheus.CounterVec
	FramesSent     *prometheus.CounterVec
	FrameErrors    *prometheus.CounterVec

	// Deploy engine metrics
	DeployAttempts prometheus.Counter
	DeployFailures prometheus.Counter
	DeploySuccess  prometheus.Counter
	DeployBytesSent prometheus.Counter

	// Backend bridge metrics
	BackendPublishLatency prometheus.Histogram
	BackendPublishErrors  prometheus.Counter
	BackendSubscribers    prometheus.Gauge

	// Telemetry metrics
	TelemetryRecordsInserted prometheus.Counter
	TelemetryParseErrors     prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered against the
// global Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the
// default Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry, so tests can use a scratch registry instead of the global
// default.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active device sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of device sessions established",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total device sessions closed by reason",
		}, []string{"reason"}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of device handshake latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake errors by type",
		}, []string{"error_type"}),

		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total inbound device frames by opcode",
		}, []string{"opcode"}),
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total outbound device frames by opcode",
		}, []string{"opcode"}),
		FrameErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_errors_total",
			Help:      "Total frame decode/dispatch errors by type",
		}, []string{"error_type"}),

		DeployAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deploy_attempts_total",
			Help:      "Total deploy attempts started",
		}),
		DeployFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deploy_failures_total",
			Help:      "Total deploy attempts that ended in failure",
		}),
		DeploySuccess: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deploy_success_total",
			Help:      "Total deploy attempts that ended in a confirmed install",
		}),
		DeployBytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deploy_bytes_sent_total",
			Help:      "Total program bytes streamed to devices",
		}),

		BackendPublishLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_publish_latency_seconds",
			Help:      "Histogram of backend publish call latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		BackendPublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_publish_errors_total",
			Help:      "Total backend publish errors",
		}),
		BackendSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_subscribers_active",
			Help:      "Number of currently active backend subscriptions",
		}),

		TelemetryRecordsInserted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_records_inserted_total",
			Help:      "Total telemetry records written to the sink",
		}),
		TelemetryParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_parse_errors_total",
			Help:      "Total binary telemetry payloads that failed to parse",
		}),
	}
}

// RecordSessionStart records a new device session.
func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// RecordSessionClose records a device session ending.
func (m *Metrics) RecordSessionClose(reason string) {
	m.SessionsActive.Dec()
	m.SessionsClosed.WithLabelValues(reason).Inc()
}

// RecordHandshake records a successful handshake's latency.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordHandshakeError records a handshake error by type.
func (m *Metrics) RecordHandshakeError(errorType string) {
	m.HandshakeErrors.WithLabelValues(errorType).Inc()
}

// RecordFrameReceived records an inbound frame by opcode.
func (m *Metrics) RecordFrameReceived(opcode string) {
	m.FramesReceived.WithLabelValues(opcode).Inc()
}

// RecordFrameSent records an outbound frame by opcode.
func (m *Metrics) RecordFrameSent(opcode string) {
	m.FramesSent.WithLabelValues(opcode).Inc()
}

// RecordFrameError records a frame decode/dispatch error by type.
func (m *Metrics) RecordFrameError(errorType string) {
	m.FrameErrors.WithLabelValues(errorType).Inc()
}

// RecordDeployAttempt records a deploy attempt starting.
func (m *Metrics) RecordDeployAttempt() {
	m.DeployAttempts.Inc()
}

// RecordDeployFailure records a deploy attempt failing.
func (m *Metrics) RecordDeployFailure() {
	m.DeployFailures.Inc()
}

// RecordDeploySuccess records a deploy attempt succeeding.
func (m *Metrics) RecordDeploySuccess() {
	m.DeploySuccess.Inc()
}

// RecordDeployBytesSent records program bytes streamed to a device.
func (m *Metrics) RecordDeployBytesSent(n int) {
	m.DeployBytesSent.Add(float64(n))
}

// RecordBackendPublish records a backend publish call's latency.
func (m *Metrics) RecordBackendPublish(latencySeconds float64) {
	m.BackendPublishLatency.Observe(latencySeconds)
}

// RecordBackendPublishError records a backend publish error.
func (m *Metrics) RecordBackendPublishError() {
	m.BackendPublishErrors.Inc()
}

// RecordTelemetryInsert records a telemetry record being written.
func (m *Metrics) RecordTelemetryInsert() {
	m.TelemetryRecordsInserted.Inc()
}

// RecordTelemetryParseError records a telemetry parse failure.
func (m *Metrics) RecordTelemetryParseError() {
	m.TelemetryParseErrors.Inc()
}

// RecordSubscribe records a device session subscribing to the backend plane.
func (m *Metrics) RecordSubscribe() {
	m.BackendSubscribers.Inc()
}

// RecordUnsubscribe records a device session dropping its backend subscription.
func (m *Metrics) RecordUnsubscribe() {
	m.BackendSubscribers.Dec()
}
