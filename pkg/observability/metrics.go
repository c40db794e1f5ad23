// Package observability provides Prometheus metrics and health endpoints for
// the deliberation server.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Deliberation metrics
	roundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conclave_rounds_total",
			Help: "Total number of deliberation rounds by outcome",
		},
		[]string{"status"},
	)

	roundDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conclave_round_duration_seconds",
			Help:    "Wall time of one full deliberation round",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conclave_active_sessions",
			Help: "Number of sessions currently running a round executor",
		},
	)

	// Model invocation metrics
	modelCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conclave_model_calls_total",
			Help: "Total number of model invocations",
		},
		[]string{"provider", "status"},
	)

	modelCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conclave_model_call_duration_seconds",
			Help:    "Model invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	modelTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conclave_model_tokens_total",
			Help: "Total tokens consumed by model invocations",
		},
		[]string{"provider", "direction"},
	)

	// Tool metrics
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conclave_tool_calls_total",
			Help: "Total number of tool invocations",
		},
		[]string{"tool", "status"},
	)

	// Transport metrics
	eventsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conclave_events_emitted_total",
			Help: "Total stream events emitted by type",
		},
		[]string{"type"},
	)

	transportConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conclave_transport_connections",
			Help: "Open transport attachments by kind",
		},
		[]string{"kind"},
	)
)

var registerOnce sync.Once

// InitMetrics registers all metrics with the default registry.
// Safe to call more than once.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			roundsTotal,
			roundDuration,
			activeSessions,
			modelCallsTotal,
			modelCallDuration,
			modelTokensTotal,
			toolCallsTotal,
			eventsEmittedTotal,
			transportConnections,
		)
	})
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordRound records the outcome and duration of one round.
func RecordRound(status string, duration time.Duration) {
	roundsTotal.WithLabelValues(status).Inc()
	if status == "complete" {
		roundDuration.Observe(duration.Seconds())
	}
}

// SessionStarted and SessionStopped track the active-executor gauge.
func SessionStarted() { activeSessions.Inc() }
func SessionStopped() { activeSessions.Dec() }

// RecordModelCall records one model invocation.
func RecordModelCall(provider string, duration time.Duration, inputTokens, outputTokens int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	modelCallsTotal.WithLabelValues(provider, status).Inc()
	modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if err == nil {
		modelTokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
		modelTokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

// RecordToolCall records one tool invocation.
func RecordToolCall(tool string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	toolCallsTotal.WithLabelValues(tool, status).Inc()
}

// RecordEvent counts one emitted stream event.
func RecordEvent(eventType string) {
	eventsEmittedTotal.WithLabelValues(eventType).Inc()
}

// TransportOpened and TransportClosed track open attachments ("sse" or "ws").
func TransportOpened(kind string) { transportConnections.WithLabelValues(kind).Inc() }
func TransportClosed(kind string) { transportConnections.WithLabelValues(kind).Dec() }
