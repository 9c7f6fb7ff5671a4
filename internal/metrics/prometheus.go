package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voicebridge"

// Handoff failure reasons
const (
	HandoffTimeout    = "timeout"
	HandoffClientGone = "client_gone"
)

// Metrics contains all Prometheus metrics for the voice bridge
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsDestroyed prometheus.Counter
	SessionDuration   prometheus.Histogram
	SessionsReaped    prometheus.Counter

	// Client socket metrics
	ActiveConnections prometheus.Gauge
	ClientMessages    *prometheus.CounterVec
	ClientRateLimited prometheus.Counter
	HandoffFailures   *prometheus.CounterVec

	// Upstream metrics
	UpstreamEvents       *prometheus.CounterVec
	UpstreamDialFailures prometheus.Counter
	UpstreamDialDuration prometheus.Histogram
	UpstreamDisconnects  prometheus.Counter
	UpstreamErrors       prometheus.Counter

	// Audio reassembly metrics
	FragmentsAppended prometheus.Counter
	FragmentsSkipped  prometheus.Counter
	Flushes           prometheus.Counter
	SamplesRelayed    prometheus.Counter
	UtteranceDuration prometheus.Histogram

	// Responder metrics
	ResponderRequests prometheus.Counter
	ResponderFailures prometheus.Counter
	ResponderDuration prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics on a private registry that also carries
// the Go runtime and process collectors
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return newMetrics(reg)
}

func newMetrics(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// Session metrics
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Current number of session bridges in the registry",
		}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of session bridges created",
		}),
		SessionsDestroyed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_destroyed_total",
			Help:      "Total number of session bridges removed",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of session bridges in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
		SessionsReaped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_reaped_total",
			Help:      "Total number of idle sessions closed by the reaper",
		}),

		// Client socket metrics
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "client_connections",
			Help:      "Current number of open client sockets",
		}),
		ClientMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_messages_total",
			Help:      "Client messages received by kind",
		}, []string{"kind"}),
		ClientRateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_rate_limited_total",
			Help:      "Client messages rejected by the inbound limiter",
		}),
		HandoffFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoff_failures_total",
			Help:      "Outbound client messages that could not be queued",
		}, []string{"reason"}),

		// Upstream metrics
		UpstreamEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_events_total",
			Help:      "Upstream events received by type",
		}, []string{"type"}),
		UpstreamDialFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_dial_failures_total",
			Help:      "Total number of failed upstream connection attempts",
		}),
		UpstreamDialDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_dial_duration_seconds",
			Help:      "Time to establish the upstream connection",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		UpstreamDisconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_disconnects_total",
			Help:      "Upstream connections lost while a session was active",
		}),
		UpstreamErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_error_events_total",
			Help:      "Error events reported by the upstream API",
		}),

		// Audio reassembly metrics
		FragmentsAppended: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_fragments_appended_total",
			Help:      "Response audio fragments buffered",
		}),
		FragmentsSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_fragments_skipped_total",
			Help:      "Response audio fragments dropped because they failed to decode",
		}),
		Flushes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_flushes_total",
			Help:      "Completed responses flushed from the assembler",
		}),
		SamplesRelayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_samples_relayed_total",
			Help:      "PCM samples relayed to clients",
		}),
		UtteranceDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "utterance_duration_seconds",
			Help:      "Audio length of relayed responses at 24kHz",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms to ~32s
		}),

		// Responder metrics
		ResponderRequests: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responder_requests_total",
			Help:      "Transcripts handed to the responder",
		}),
		ResponderFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responder_failures_total",
			Help:      "Responder calls that returned an error",
		}),
		ResponderDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "responder_duration_seconds",
			Help:      "Duration of responder calls",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}),

		// HTTP API metrics
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the underlying registry
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// SetActiveSessions sets the current number of sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
}

// RecordSessionDestroyed increments the sessions destroyed counter and records duration
func (m *Metrics) RecordSessionDestroyed(durationSeconds float64) {
	m.SessionsDestroyed.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionReaped increments the idle reaper counter
func (m *Metrics) RecordSessionReaped() {
	m.SessionsReaped.Inc()
}

// ConnectionOpened increments the open client socket gauge
func (m *Metrics) ConnectionOpened() {
	m.ActiveConnections.Inc()
}

// ConnectionClosed decrements the open client socket gauge
func (m *Metrics) ConnectionClosed() {
	m.ActiveConnections.Dec()
}

// RecordClientMessage counts a client message by kind
func (m *Metrics) RecordClientMessage(kind string) {
	m.ClientMessages.WithLabelValues(kind).Inc()
}

// RecordRateLimited counts a throttled client message
func (m *Metrics) RecordRateLimited() {
	m.ClientRateLimited.Inc()
}

// RecordHandoffFailure counts an outbound message that was not queued
func (m *Metrics) RecordHandoffFailure(reason string) {
	m.HandoffFailures.WithLabelValues(reason).Inc()
}

// RecordUpstreamEvent counts an upstream event by type
func (m *Metrics) RecordUpstreamEvent(eventType string) {
	m.UpstreamEvents.WithLabelValues(eventType).Inc()
}

// RecordUpstreamDial records a dial attempt
func (m *Metrics) RecordUpstreamDial(durationSeconds float64, err error) {
	if err != nil {
		m.UpstreamDialFailures.Inc()
		return
	}
	m.UpstreamDialDuration.Observe(durationSeconds)
}

// RecordUpstreamDisconnect counts an unexpected upstream loss
func (m *Metrics) RecordUpstreamDisconnect() {
	m.UpstreamDisconnects.Inc()
}

// RecordUpstreamError counts an upstream error event
func (m *Metrics) RecordUpstreamError() {
	m.UpstreamErrors.Inc()
}

// RecordFragmentAppended counts a buffered response fragment
func (m *Metrics) RecordFragmentAppended() {
	m.FragmentsAppended.Inc()
}

// RecordFlush records a flushed response
func (m *Metrics) RecordFlush(samples, skipped int, sampleRate int) {
	m.Flushes.Inc()
	m.FragmentsSkipped.Add(float64(skipped))
	m.SamplesRelayed.Add(float64(samples))
	if sampleRate > 0 && samples > 0 {
		m.UtteranceDuration.Observe(float64(samples) / float64(sampleRate))
	}
}

// RecordResponder records a responder call
func (m *Metrics) RecordResponder(durationSeconds float64, err error) {
	m.ResponderRequests.Inc()
	m.ResponderDuration.Observe(durationSeconds)
	if err != nil {
		m.ResponderFailures.Inc()
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
