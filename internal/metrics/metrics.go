// Package metrics registers the Prometheus metrics used by the router.
// The metrics are registered at package initialisation; the router package
// imports this package and updates them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request-level counters and histograms.
var (
	// RequestsTotal counts completed requests labelled by provider, model, and
	// outcome ("success", "error", "rejected").
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_requests_total",
			Help: "Total number of requests processed by the router.",
		},
		[]string{"provider", "model", "outcome"},
	)

	// RequestDuration observes end-to-end request latency in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "router_request_duration_seconds",
			Help:    "End-to-end request duration in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "model"},
	)

	// TokensInput counts total prompt tokens sent to providers.
	TokensInput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_tokens_input_total",
			Help: "Total prompt tokens sent to providers.",
		},
		[]string{"provider", "model"},
	)

	// TokensOutput counts total completion tokens received from providers.
	TokensOutput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_tokens_output_total",
			Help: "Total completion tokens received from providers.",
		},
		[]string{"provider", "model"},
	)

	// ProviderErrors counts errors broken down by provider and error type
	// ("provider_error", "circuit_open", "timeout").
	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_provider_errors_total",
			Help: "Total provider errors by type.",
		},
		[]string{"provider", "error_type"},
	)

	// CircuitBreakerState tracks per-model circuit breaker state as a gauge:
	// 0=closed, 1=open, 2=half_open, 3=permanently_unavailable.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "router_circuit_breaker_state",
			Help: "Circuit breaker state per model (0=closed 1=open 2=half_open 3=permanently_unavailable).",
		},
		[]string{"model"},
	)

	// RateLimitRejections counts requests denied by the per-model rate
	// limiter, labelled by model.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_rate_limit_rejections_total",
			Help: "Total requests rejected by the per-model rate limiter.",
		},
		[]string{"model"},
	)

	// FallbacksUsedTotal counts requests that were served by the configured
	// last-resort fallback model.
	FallbacksUsedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "router_fallbacks_used_total",
			Help: "Total requests served by the fallback model.",
		},
	)
)
