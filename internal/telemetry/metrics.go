package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued       = prometheus.NewCounter(prometheus.CounterOpts{Name: "clips_jobs_enqueued_total", Help: "Jobs created by discovery or submission"})
	JobsCompleted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "clips_jobs_completed_total", Help: "Jobs completed with an uploaded result"})
	JobsRetried        = prometheus.NewCounter(prometheus.CounterOpts{Name: "clips_jobs_retried_total", Help: "Failed attempts scheduled for retry"})
	JobsFailedTerminal = prometheus.NewCounter(prometheus.CounterOpts{Name: "clips_jobs_failed_terminal_total", Help: "Jobs that failed permanently"})
	JobsReleased       = prometheus.NewCounter(prometheus.CounterOpts{Name: "clips_jobs_released_total", Help: "Jobs handed back after a platform quota refusal"})
	JobsReclaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "clips_jobs_reclaimed_total", Help: "Stale claimed/processing jobs returned to pending"})
	AdmissionDenials   = prometheus.NewCounter(prometheus.CounterOpts{Name: "clips_admission_denials_total", Help: "Claims refused by the upload quota"})
	SubmitRejects      = prometheus.NewCounter(prometheus.CounterOpts{Name: "clips_submit_rate_limit_rejects_total", Help: "Submissions rejected by the token bucket"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "clips_jobs_inflight", Help: "Jobs currently held by local workers"})
	HealthStatus       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "clips_health_status", Help: "0 ok, 1 degraded, 2 critical"})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "clips_jobs", Help: "Jobs per status at last count"}, []string{"status"})
	QuotaUsed  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "clips_quota_used", Help: "Admissions recorded in the current bucket"}, []string{"scope"})
	TaskRuns   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "clips_task_runs_total", Help: "Scheduled task executions by outcome"}, []string{"task", "outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsRetried,
			JobsFailedTerminal,
			JobsReleased,
			JobsReclaimed,
			AdmissionDenials,
			SubmitRejects,
			InFlightGauge,
			HealthStatus,
			QueueDepth,
			QuotaUsed,
			TaskRuns,
		)
	})
	return promhttp.Handler()
}
