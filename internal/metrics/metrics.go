package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelscript_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reelscript_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	ProviderAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelscript_provider_attempts_total",
			Help: "Generation attempts per provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	ProviderFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reelscript_provider_fallbacks_total",
			Help: "Times the orchestrator fell through to a lower-priority provider.",
		},
	)

	GenerationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelscript_generations_total",
			Help: "Quota-safe generation transactions by plan and outcome.",
		},
		[]string{"plan", "outcome"},
	)

	QuotaDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelscript_quota_denials_total",
			Help: "Entitlement denials by reason.",
		},
		[]string{"reason"},
	)

	GenerationCostUSDTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelscript_generation_cost_usd_total",
			Help: "Estimated generation cost in USD per provider.",
		},
		[]string{"provider"},
	)

	JobQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reelscript_job_queue_depth",
			Help: "Jobs waiting in the generation queue.",
		},
	)

	JobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelscript_jobs_processed_total",
			Help: "Queue jobs processed by type and outcome.",
		},
		[]string{"type", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ProviderAttemptsTotal,
		ProviderFallbacksTotal,
		GenerationsTotal,
		QuotaDenialsTotal,
		GenerationCostUSDTotal,
		JobQueueDepth,
		JobsProcessedTotal,
	)
}
