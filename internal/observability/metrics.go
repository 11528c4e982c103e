package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the process-wide metrics collector. Counters reset on process
// restart; that is the contract.
//
// Tracked:
//   - LLM request counts, latency, and token consumption per model
//   - Tool execution counts and latency per tool
//   - HTTP request counts and latency per route
//   - Webhook delivery outcomes
type Metrics struct {
	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error|timeout)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// TurnRounds observes tool rounds per conversation turn.
	TurnRounds prometheus.Histogram

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// WebhookDeliveryCounter counts webhook delivery attempts.
	// Labels: event, status (success|failure)
	WebhookDeliveryCounter *prometheus.CounterVec

	// RateLimitedCounter counts rejected requests.
	RateLimitedCounter prometheus.Counter
}

// NewMetrics creates and registers all collectors on the given registerer.
// Pass prometheus.DefaultRegisterer in production; a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := func(c prometheus.Collector) prometheus.Collector {
		reg.MustRegister(c)
		return c
	}

	m := &Metrics{
		LLMRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flux_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flux_llm_requests_total",
				Help: "Total LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flux_llm_tokens_total",
				Help: "Total tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutionCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flux_tool_executions_total",
				Help: "Total tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flux_tool_execution_duration_seconds",
				Help:    "Tool execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		TurnRounds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flux_turn_tool_rounds",
				Help:    "Tool rounds per conversation turn",
				Buckets: []float64{0, 1, 2, 3, 5, 8, 10},
			},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flux_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flux_http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		WebhookDeliveryCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flux_webhook_deliveries_total",
				Help: "Webhook delivery attempts by event and status",
			},
			[]string{"event", "status"},
		),
		RateLimitedCounter: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flux_rate_limited_total",
				Help: "Requests rejected by the rate limiter",
			},
		),
	}

	factory(m.LLMRequestDuration)
	factory(m.LLMRequestCounter)
	factory(m.LLMTokensUsed)
	factory(m.ToolExecutionCounter)
	factory(m.ToolExecutionDuration)
	factory(m.TurnRounds)
	factory(m.HTTPRequestDuration)
	factory(m.HTTPRequestCounter)
	factory(m.WebhookDeliveryCounter)
	factory(m.RateLimitedCounter)

	return m
}

// NewTestMetrics creates metrics on a private registry for tests.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
