// Package metrics defines prometheus metrics to expose
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "multillm_api_request_duration_seconds",
			Help:    "Total time taken for requests in seconds",
			Buckets: []float64{1, 2.5, 5, 10, 15, 20, 25, 30, 40, 50, 75, 100, 150, 200, 350, 400, 500, 600},
		},
		[]string{"provider", "model"},
	)

	TimeToFirstToken = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "multillm_api_time_to_first_token_seconds",
			Help:    "Time to first token in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 15, 20, 25, 30, 40, 50, 75, 100, 150, 200, 350, 400, 500, 600},
		},
		[]string{"provider", "model"},
	)

	PromptTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "multillm_api_prompt_tokens_total",
			Help: "Total number of prompt tokens used",
		},
		[]string{"provider", "model"},
	)

	CompletionTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "multillm_api_completion_tokens_total",
			Help: "Total number of completion tokens used",
		},
		[]string{"provider", "model"},
	)

	TotalTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "multillm_api_total_tokens_total",
			Help: "Total number of tokens used",
		},
		[]string{"provider", "model"},
	)

	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "multillm_api_request_count_total",
			Help: "Total number of requests processed",
		},
		[]string{"provider", "model", "status"},
	)

	CreditUsage = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "multillm_api_credit_usage_total",
			Help: "Total credits used",
		},
		[]string{"provider", "model"},
	)

	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "multillm_api_error_count",
			Help: "Error count",
		},
		[]string{"provider", "model", "from"},
	)

	ResponseCodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "multillm_api_status_code",
			Help: "Status Codes",
		},
		[]string{"path", "status_code"},
	)

	DedupHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "multillm_api_dedup_hits_total",
			Help: "Requests collapsed into an existing in-flight call",
		},
		[]string{"provider"},
	)

	DedupEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "multillm_api_dedup_evictions_total",
			Help: "In-flight entries evicted before settling",
		},
		[]string{"reason"},
	)

	DedupActiveEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "multillm_api_dedup_active_entries",
			Help: "Current size of the dedup active set",
		},
	)

	DedupTimeSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "multillm_api_dedup_time_saved_seconds_total",
			Help: "Estimated upstream time saved by collapsing duplicates",
		},
	)

	ProviderHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "multillm_api_provider_healthy",
			Help: "Provider health from last probe (1 healthy, 0 unhealthy)",
		},
		[]string{"provider"},
	)
)
