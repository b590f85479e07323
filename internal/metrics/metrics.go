package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	JobsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infq_jobs_submitted_total",
			Help: "Total number of jobs submitted",
		},
		[]string{"kind"}, // text, image, model
	)

	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "infq_cache_hits_total",
			Help: "Submissions answered from the result cache",
		},
	)

	DedupAttachTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "infq_dedup_attach_total",
			Help: "Submissions attached to an in-flight job with the same fingerprint",
		},
	)

	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infq_attempts_total",
			Help: "Provider execution attempts by outcome",
		},
		[]string{"provider", "outcome"}, // success, transient, permanent, cancelled
	)

	RetriesScheduledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "infq_retries_scheduled_total",
			Help: "Attempts requeued with a backoff delay",
		},
	)

	JobsTerminalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infq_jobs_terminal_total",
			Help: "Jobs reaching a terminal state",
		},
		[]string{"state"}, // succeeded, failed, cancelled
	)

	PoolSaturatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "infq_pool_saturated_total",
			Help: "Dispatch deferrals because no provider slot freed up in time",
		},
	)

	RecoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "infq_recovered_total",
			Help: "Stuck dispatched jobs returned to pending by recovery",
		},
	)

	// Gauges
	PendingDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "infq_pending_depth",
			Help: "Jobs currently pending dispatch",
		},
	)

	WorkersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "infq_workers_busy",
			Help: "Worker slots currently executing attempts",
		},
	)

	// Histogram for attempt duration
	AttemptDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "infq_attempt_duration_seconds",
			Help:    "Provider attempt duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15), // 10ms to ~163s
		},
		[]string{"provider"},
	)
)
