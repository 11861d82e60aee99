package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - LLM request performance and token usage
//   - Tool execution patterns and latencies
//   - Turn outcomes and dispatch-cycle counts
//   - HTTP request latency for the analysis API
//   - Active sessions held in memory
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordToolExecution("execute_code", "success", elapsed.Seconds())
type Metrics struct {
	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|openai), model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider and model.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// TurnCounter counts completed turns by outcome.
	// Labels: outcome (complete|model_error|max_iterations|cancelled)
	TurnCounter *prometheus.CounterVec

	// TurnIterations observes how many dispatch cycles each turn needed.
	TurnIterations prometheus.Histogram

	// ChartsExtracted counts chart payloads returned to callers.
	// Labels: chart_type (plotly|png)
	ChartsExtracted *prometheus.CounterVec

	// ErrorCounter tracks errors by type and component.
	// Labels: component (agent|tool|session|gateway), error_type
	ErrorCounter *prometheus.CounterVec

	// ActiveSessions is a gauge tracking sessions held by the store.
	ActiveSessions prometheus.Gauge

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics and registers them with reg.
// A nil reg registers with the default Prometheus registry.
//
// NewMetrics must be called once per registry; tests should pass a fresh
// prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spectra_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spectra_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spectra_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spectra_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spectra_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"tool_name"},
		),

		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spectra_turns_total",
				Help: "Total number of analysis turns by outcome",
			},
			[]string{"outcome"},
		),

		TurnIterations: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "spectra_turn_iterations",
				Help:    "Number of tool dispatch cycles per turn",
				Buckets: []float64{0, 1, 2, 3, 4, 6, 8, 12, 16},
			},
		),

		ChartsExtracted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spectra_charts_extracted_total",
				Help: "Total number of chart payloads returned by chart type",
			},
			[]string{"chart_type"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spectra_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "spectra_active_sessions",
				Help: "Current number of sessions held in memory",
			},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spectra_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spectra_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordLLMRequest records metrics for an LLM API request.
//
// Example:
//
//	start := time.Now()
//	// ... make LLM request ...
//	metrics.RecordLLMRequest("openai", "gpt-4o", "success", time.Since(start).Seconds(), 100, 500)
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordTurn records the outcome of a turn and the number of dispatch cycles it took.
func (m *Metrics) RecordTurn(outcome string, iterations int) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(outcome).Inc()
	m.TurnIterations.Observe(float64(iterations))
}

// RecordCharts adds n to the extracted chart counter.
func (m *Metrics) RecordCharts(chartType string, n int) {
	if m == nil || n <= 0 || chartType == "" {
		return
	}
	m.ChartsExtracted.WithLabelValues(chartType).Add(float64(n))
}

// RecordError increments the error counter for a given component and error type.
//
// Example:
//
//	metrics.RecordError("tool", "timeout")
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
