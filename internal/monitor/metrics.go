package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the execution service.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionErrors   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	PhaseDuration     *prometheus.HistogramVec
	TracedCalls       prometheus.Histogram
	FetchRequests     *prometheus.CounterVec
	FetchDuration     prometheus.Histogram
	ReplayMisses      prometheus.Counter
	SecurityEvents    *prometheus.CounterVec
	RequestsInFlight  prometheus.Gauge
	CodeSizeBytes     prometheus.Histogram
	ResultSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "replay",
				Name:      "executions_total",
				Help:      "Total number of executions by outcome (immediate, replayed, failed).",
			},
			[]string{"status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "replay",
				Name:      "execution_duration_seconds",
				Help:      "End-to-end duration of executions in seconds.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"status"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "replay",
				Name:      "execution_errors_total",
				Help:      "Total failed executions by error kind.",
			},
			[]string{"type"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "replay",
				Name:      "active_executions",
				Help:      "Number of executions currently in progress.",
			},
		),

		PhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "replay",
				Name:      "phase_duration_seconds",
				Help:      "Duration of each execution phase (trace, resolve, replay).",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"phase"},
		),

		TracedCalls: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "replay",
				Name:      "traced_calls",
				Help:      "Number of outbound calls recorded per trace pass.",
				Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256},
			},
		),

		FetchRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "replay",
				Subsystem: "fetch",
				Name:      "requests_total",
				Help:      "Outbound requests by outcome (ok, http_error, transport_error, denied).",
			},
			[]string{"outcome"},
		),

		FetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "replay",
				Subsystem: "fetch",
				Name:      "request_duration_seconds",
				Help:      "Duration of outbound requests in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
		),

		ReplayMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "replay",
				Name:      "replay_misses_total",
				Help:      "Replay-pass calls that had no resolved result.",
			},
		),

		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "replay",
				Name:      "security_events_total",
				Help:      "Total suspicious patterns detected in submitted code.",
			},
			[]string{"type"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "replay",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "replay",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(16, 4, 8),
			},
		),

		ResultSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "replay",
				Name:      "result_size_bytes",
				Help:      "Size of the encoded execution result in bytes.",
				Buckets:   prometheus.ExponentialBuckets(8, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.PhaseDuration,
		m.TracedCalls,
		m.FetchRequests,
		m.FetchDuration,
		m.ReplayMisses,
		m.SecurityEvents,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.ResultSizeBytes,
	)

	return m
}

// RecordExecution records metrics for a finished execution.
func (m *Metrics) RecordExecution(status string, d time.Duration) {
	m.ExecutionsTotal.WithLabelValues(status).Inc()
	m.ExecutionDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordError records a failed execution by error kind.
func (m *Metrics) RecordError(errType string) {
	m.ExecutionErrors.WithLabelValues(errType).Inc()
}

// RecordPhase records the duration of one execution phase.
func (m *Metrics) RecordPhase(phase string, d time.Duration) {
	m.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// RecordTracedCalls records how many calls a trace pass produced.
func (m *Metrics) RecordTracedCalls(n int) {
	m.TracedCalls.Observe(float64(n))
}

// RecordFetch records one outbound request.
func (m *Metrics) RecordFetch(outcome string, d time.Duration) {
	m.FetchRequests.WithLabelValues(outcome).Inc()
	m.FetchDuration.Observe(d.Seconds())
}

// RecordReplayMisses adds n unanswered replay calls.
func (m *Metrics) RecordReplayMisses(n int) {
	m.ReplayMisses.Add(float64(n))
}

// RecordSecurityEvent records a security event.
func (m *Metrics) RecordSecurityEvent(eventType string) {
	m.SecurityEvents.WithLabelValues(eventType).Inc()
}
