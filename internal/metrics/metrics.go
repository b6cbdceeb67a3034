package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workforce_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workforce_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// Conversation sync
	SyncSubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workforce_sync_subscriptions_active",
			Help: "Conversation channels currently connected",
		},
	)

	SyncRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workforce_sync_retries_total",
			Help: "Conversation channel reconnect attempts scheduled",
		},
	)

	SyncFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workforce_sync_failures_total",
			Help: "Conversation channels abandoned after exhausting retries",
		},
	)

	SyncEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workforce_sync_events_total",
			Help: "Remote message events delivered to subscribers",
		},
		[]string{"type"},
	)

	// Message sending
	SendAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workforce_send_attempts_total",
			Help: "Message insert attempts",
		},
		[]string{"result"}, // "ok" or "error"
	)

	SendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workforce_send_failures_total",
			Help: "Messages that could not be stored after all attempts",
		},
	)

	// Tool dispatch
	ToolDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workforce_tool_dispatch_total",
			Help: "Tool invocations by outcome",
		},
		[]string{"tool", "outcome"},
	)

	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workforce_tool_dispatch_duration_seconds",
			Help:    "Tool invocation latency",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"tool"},
	)

	// Usage
	UsageTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workforce_usage_tokens_total",
			Help: "Tokens consumed",
		},
		[]string{"provider", "model", "direction"}, // direction: "input" or "output"
	)

	UsageCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workforce_usage_cost_total",
			Help: "Accumulated generation cost",
		},
		[]string{"provider", "model"},
	)

	// Infrastructure
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workforce_store_latency_seconds",
			Help:    "Persistence operation latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5},
		},
		[]string{"backend", "op"},
	)
)
