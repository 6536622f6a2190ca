package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the rtc service
type Metrics struct {
	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Presence Metrics
	presenceWritesTotal    *prometheus.CounterVec
	heartbeatFailuresTotal prometheus.Counter

	// Signaling Metrics
	signalingFallbacksTotal prometheus.Counter
	signalingWatchersActive prometheus.Gauge

	// Call Metrics
	callsTotal    *prometheus.CounterVec
	callsActive   prometheus.Gauge
	callsDuration prometheus.Histogram

	// WebSocket Metrics
	websocketConnections prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with the default
// Prometheus registry
func NewMetrics(serviceName string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, serviceName)
}

// NewMetricsWith creates all metrics against a caller-supplied registerer.
// Tests pass a fresh registry so repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer, serviceName string) *Metrics {
	constLabels := prometheus.Labels{"service": serviceName}
	factory := promauto.With(reg)

	return &Metrics{
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: constLabels,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: constLabels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being served",
				ConstLabels: constLabels,
			},
		),
		presenceWritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "presence_writes_total",
				Help:        "Total number of presence record writes by kind and outcome",
				ConstLabels: constLabels,
			},
			[]string{"kind", "outcome"},
		),
		heartbeatFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "presence_heartbeat_failures_total",
				Help:        "Heartbeat writes that failed because no presence record existed",
				ConstLabels: constLabels,
			},
		),
		signalingFallbacksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "signaling_fallbacks_total",
				Help:        "Number of sessions that switched from the ringing index to per-conversation watchers",
				ConstLabels: constLabels,
			},
		),
		signalingWatchersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "signaling_watchers_active",
				Help:        "Number of live call-slot subscriptions",
				ConstLabels: constLabels,
			},
		),
		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of calls by end reason",
				ConstLabels: constLabels,
			},
			[]string{"end_reason"},
		),
		callsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of calls currently not ended",
				ConstLabels: constLabels,
			},
		),
		callsDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "calls_duration_seconds",
				Help:        "Duration of connected calls in seconds",
				ConstLabels: constLabels,
				Buckets:     []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
		),
		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active WebSocket connections",
				ConstLabels: constLabels,
			},
		),
	}
}

// RecordHTTPRequest records metrics for a completed HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the in-flight request gauge
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the in-flight request gauge
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// RecordPresenceWrite records a presence write by kind (online, heartbeat, offline)
func (m *Metrics) RecordPresenceWrite(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.presenceWritesTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordHeartbeatMiss records a heartbeat that found no presence record
func (m *Metrics) RecordHeartbeatMiss() {
	m.heartbeatFailuresTotal.Inc()
}

// RecordSignalingFallback records a session switching to the fallback strategy
func (m *Metrics) RecordSignalingFallback() {
	m.signalingFallbacksTotal.Inc()
}

// AddSignalingWatchers adjusts the live watcher gauge by delta
func (m *Metrics) AddSignalingWatchers(delta int) {
	m.signalingWatchersActive.Add(float64(delta))
}

// RecordCallStarted increments the active call gauge
func (m *Metrics) RecordCallStarted() {
	m.callsActive.Inc()
}

// RecordCallEnded records a call ending with its reason and connected duration
func (m *Metrics) RecordCallEnded(endReason string, connected time.Duration) {
	m.callsActive.Dec()
	m.callsTotal.WithLabelValues(endReason).Inc()
	if connected > 0 {
		m.callsDuration.Observe(connected.Seconds())
	}
}

// IncrementWebSocketConnections increments the WebSocket connection gauge
func (m *Metrics) IncrementWebSocketConnections() {
	m.websocketConnections.Inc()
}

// DecrementWebSocketConnections decrements the WebSocket connection gauge
func (m *Metrics) DecrementWebSocketConnections() {
	m.websocketConnections.Dec()
}
