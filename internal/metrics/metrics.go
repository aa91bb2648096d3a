// Package metrics defines prometheus metrics to expose
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragops_api_request_duration_seconds",
			Help:    "Total time taken for requests in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120},
		},
		[]string{"endpoint"},
	)

	TimeToFirstToken = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragops_api_time_to_first_token_seconds",
			Help:    "Time to first streamed token in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60},
		},
		[]string{"endpoint"},
	)

	GenerationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragops_api_generation_latency_seconds",
			Help:    "Latency of generation backend calls in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120},
		},
		[]string{"mode"},
	)

	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragops_api_request_count_total",
			Help: "Total number of answer requests processed",
		},
		[]string{"endpoint", "outcome"},
	)

	CacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragops_api_cache_events_total",
			Help: "Semantic cache lookups and writes",
		},
		[]string{"op", "result"},
	)

	RateLimitedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragops_api_rate_limited_total",
			Help: "Requests denied by the rate limiter",
		},
		[]string{"endpoint"},
	)

	CircuitState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ragops_api_circuit_open",
			Help: "1 while the generation circuit breaker is open",
		},
	)

	OpenStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ragops_api_open_streams",
			Help: "Currently open SSE streams",
		},
	)

	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragops_api_error_count",
			Help: "Error count by origin",
		},
		[]string{"from"},
	)

	ResponseCodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragops_api_status_code",
			Help: "Status Codes",
		},
		[]string{"path", "status_code"},
	)
)
