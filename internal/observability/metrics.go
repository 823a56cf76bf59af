package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the orchestrator's Prometheus metrics: inbound
// event flow, outbound send results, OneBot RPC latency, LLM gateway
// calls, analysis pipeline runs, and live connection counts.
type Metrics struct {
	// EventCounter tracks inbound events.
	// Labels: platform (qq|discord), post_type (message|notice|meta_event)
	EventCounter *prometheus.CounterVec

	// SendCounter tracks outbound send attempts.
	// Labels: platform, result (ok|muted|duplicate|error)
	SendCounter *prometheus.CounterVec

	// RPCDuration measures OneBot action round trips in seconds.
	// Labels: action
	RPCDuration *prometheus.HistogramVec

	// LLMRequestCounter counts gateway completions.
	// Labels: profile, status (success|too_large|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures gateway completion latency in seconds.
	// Labels: profile
	LLMRequestDuration *prometheus.HistogramVec

	// AnalysisCounter counts media analysis pipeline runs.
	// Labels: variant, status (success|rejected|error)
	AnalysisCounter *prometheus.CounterVec

	// ActiveConnections tracks live bot connections.
	// Labels: platform
	ActiveConnections *prometheus.GaugeVec

	// HTTPRequestCounter counts admin API requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the default
// registry. Call once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		EventCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nbot_events_total",
				Help: "Total inbound events by platform and post type",
			},
			[]string{"platform", "post_type"},
		),

		SendCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nbot_sends_total",
				Help: "Total outbound send attempts by platform and result",
			},
			[]string{"platform", "result"},
		),

		RPCDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nbot_rpc_duration_seconds",
				Help:    "OneBot action round trip duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15},
			},
			[]string{"action"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nbot_llm_requests_total",
				Help: "Total LLM gateway requests by profile and status",
			},
			[]string{"profile", "status"},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nbot_llm_request_duration_seconds",
				Help:    "LLM gateway request duration in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"profile"},
		),

		AnalysisCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nbot_analysis_runs_total",
				Help: "Total media analysis pipeline runs by variant and status",
			},
			[]string{"variant", "status"},
		),

		ActiveConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nbot_active_connections",
				Help: "Current live bot connections by platform",
			},
			[]string{"platform"},
		),

		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nbot_http_requests_total",
				Help: "Total admin API requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// EventReceived counts one inbound event.
func (m *Metrics) EventReceived(platform, postType string) {
	m.EventCounter.WithLabelValues(platform, postType).Inc()
}

// SendAttempt counts one outbound send with its result.
func (m *Metrics) SendAttempt(platform, result string) {
	m.SendCounter.WithLabelValues(platform, result).Inc()
}

// ObserveRPC records one OneBot action round trip.
func (m *Metrics) ObserveRPC(action string, seconds float64) {
	m.RPCDuration.WithLabelValues(action).Observe(seconds)
}

// RecordLLMRequest records one gateway completion.
func (m *Metrics) RecordLLMRequest(profile, status string, seconds float64) {
	m.LLMRequestCounter.WithLabelValues(profile, status).Inc()
	m.LLMRequestDuration.WithLabelValues(profile).Observe(seconds)
}

// RecordAnalysis counts one analysis pipeline run.
func (m *Metrics) RecordAnalysis(variant, status string) {
	m.AnalysisCounter.WithLabelValues(variant, status).Inc()
}

// ConnectionOpened increments the live connection gauge.
func (m *Metrics) ConnectionOpened(platform string) {
	m.ActiveConnections.WithLabelValues(platform).Inc()
}

// ConnectionClosed decrements the live connection gauge.
func (m *Metrics) ConnectionClosed(platform string) {
	m.ActiveConnections.WithLabelValues(platform).Dec()
}

// RecordHTTPRequest counts one admin API request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
}
