package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued      = prometheus.NewCounter(prometheus.CounterOpts{Name: "crawl_jobs_enqueued_total", Help: "Jobs enqueued (deduplicated reuses excluded)"})
	JobsClaimed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "crawl_jobs_claimed_total", Help: "Jobs claimed by workers"})
	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "crawl_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "crawl_jobs_failed_total", Help: "Job attempts that failed"})
	JobsRetried       = prometheus.NewCounter(prometheus.CounterOpts{Name: "crawl_jobs_retried_total", Help: "Retry successors spawned after failures"})
	StaleLocksReaped  = prometheus.NewCounter(prometheus.CounterOpts{Name: "crawl_stale_locks_reaped_total", Help: "Expired locks failed by the recovery sweep"})
	SchedulesExecuted = prometheus.NewCounter(prometheus.CounterOpts{Name: "crawl_schedules_executed_total", Help: "Schedule definitions executed"})
	CrawlsSubmitted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "crawl_submissions_total", Help: "Crawl work submitted to the crawler service"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "crawl_rate_limit_rejects_total", Help: "API requests rejected by the rate limiter"})
	PendingJobsGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "crawl_jobs_pending", Help: "Jobs currently due and pending"})
	SchedulesDueGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "crawl_schedules_due", Help: "Schedule definitions due at the last tick"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsClaimed,
			JobsCompleted,
			JobsFailed,
			JobsRetried,
			StaleLocksReaped,
			SchedulesExecuted,
			CrawlsSubmitted,
			RateLimitRejects,
			PendingJobsGauge,
			SchedulesDueGauge,
		)
	})
	return promhttp.Handler()
}
