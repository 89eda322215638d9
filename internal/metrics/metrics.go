package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codeexec_executions_total",
			Help: "Total number of code executions by terminal status",
		},
		[]string{"language", "status"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codeexec_execution_duration_ms",
			Help:    "Execution duration in milliseconds, compile and run included",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 20000},
		},
		[]string{"language"},
	)

	ActiveExecutions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codeexec_active_executions",
			Help: "Number of executions currently holding a workspace",
		},
	)

	StagingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codeexec_staging_failures_total",
			Help: "Workspace I/O failures that survived a retry",
		},
	)

	RuntimeRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codeexec_runtime_restarts_total",
			Help: "Times the runtime container was created or restarted",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codeexec_rate_limit_hits_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)
)
