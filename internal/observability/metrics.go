package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the gateway's Prometheus metrics.
//
// Tracked concerns:
//   - Turn lifecycle (started, completed, failed) by channel
//   - Provider request latency, status, and retries
//   - Tool execution counts and latencies by outcome
//   - Active session count and capacity evictions
//   - Scheduled job firings
type Metrics struct {
	// TurnCounter counts turn resolutions.
	// Labels: channel, outcome (completed|failed)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures full turn resolution latency in seconds.
	// Labels: channel
	TurnDuration *prometheus.HistogramVec

	// ProviderRequestCounter counts provider streaming requests.
	// Labels: provider, model, status (success|error)
	ProviderRequestCounter *prometheus.CounterVec

	// ProviderRequestDuration measures provider call latency in seconds.
	// Labels: provider, model
	ProviderRequestDuration *prometheus.HistogramVec

	// ProviderRetryCounter counts pre-content retries of provider requests.
	// Labels: provider
	ProviderRetryCounter *prometheus.CounterVec

	// TokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	TokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|denied|error|timeout)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ActiveSessions is a gauge of sessions currently held by the store.
	ActiveSessions prometheus.Gauge

	// SessionEvictions counts capacity evictions.
	SessionEvictions prometheus.Counter

	// JobFirings counts scheduled job firings.
	// Labels: job_id
	JobFirings *prometheus.CounterVec

	// HTTPRequestCounter counts API requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all gateway metrics with the given
// registerer. Call once at startup; passing prometheus.DefaultRegisterer
// exposes them on the default /metrics handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawgate_turns_total",
				Help: "Total number of turn resolutions by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),

		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clawgate_turn_duration_seconds",
				Help:    "Duration of full turn resolutions in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"channel"},
		),

		ProviderRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawgate_provider_requests_total",
				Help: "Total number of provider streaming requests by status",
			},
			[]string{"provider", "model", "status"},
		),

		ProviderRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clawgate_provider_request_duration_seconds",
				Help:    "Duration of provider streaming requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		ProviderRetryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawgate_provider_retries_total",
				Help: "Total number of provider request retries",
			},
			[]string{"provider"},
		),

		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawgate_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawgate_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clawgate_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "clawgate_active_sessions",
				Help: "Current number of sessions held by the store",
			},
		),

		SessionEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "clawgate_session_evictions_total",
				Help: "Total number of sessions evicted for capacity",
			},
		),

		JobFirings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawgate_job_firings_total",
				Help: "Total number of scheduled job firings",
			},
			[]string{"job_id"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawgate_http_requests_total",
				Help: "Total number of HTTP API requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordTurn records the outcome and duration of one turn resolution.
func (m *Metrics) RecordTurn(channel, outcome string, durationSeconds float64) {
	m.TurnCounter.WithLabelValues(channel, outcome).Inc()
	m.TurnDuration.WithLabelValues(channel).Observe(durationSeconds)
}

// RecordProviderRequest records one provider streaming request.
func (m *Metrics) RecordProviderRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.ProviderRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.ProviderRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}
