package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_submitted_total", Help: "Jobs accepted by the API"})
	JobsDispatched     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_dispatched_total", Help: "Dispatch attempts sent to workers"})
	JobsCompleted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs that reached completed"})
	JobsFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that reached a failed or error state"})
	JobsRetried        = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Attempts routed to retry_pending"})
	JobsReclaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_reclaimed_total", Help: "Stale in-flight jobs recovered"})
	JobsDeferred       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_deferred_total", Help: "Claims released because no worker capacity was available"})
	CallbacksDelivered = prometheus.NewCounter(prometheus.CounterOpts{Name: "callbacks_delivered_total", Help: "Terminal-status callbacks delivered"})
	CallbacksDropped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "callbacks_dropped_total", Help: "Callbacks dropped after exhausting their retry budget"})
	RateLimited        = prometheus.NewCounter(prometheus.CounterOpts{Name: "submissions_rate_limited_total", Help: "Submissions rejected by the admission filter"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently dispatched to workers"})
	StatusCounts       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_by_status", Help: "Current job counts per lifecycle state"}, []string{"status"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsDispatched,
			JobsCompleted,
			JobsFailed,
			JobsRetried,
			JobsReclaimed,
			JobsDeferred,
			CallbacksDelivered,
			CallbacksDropped,
			RateLimited,
			InFlightGauge,
			StatusCounts,
		)
	})
	return promhttp.Handler()
}
