package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EnqueueTotal counts EnqueuePublication / EnqueuePost outcomes.
	// Labels: result = "claimed", "locked", "nothing_eligible", "error".
	EnqueueTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "publisher_enqueue_total",
		Help: "Publication and post enqueue attempts by result",
	}, []string{"result"})

	PostOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "publisher_post_outcomes_total",
		Help: "Settled posts by platform and outcome",
	}, []string{"platform", "outcome"})

	PublicationsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "publisher_publications_finalized_total",
		Help: "Publications whose aggregate status was resolved, by status",
	}, []string{"status"})

	// SchedulerExpired counts expiries. Labels: kind = "publication", "post".
	SchedulerExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "publisher_scheduler_expired_total",
		Help: "Due items expired by the scheduler",
	}, []string{"kind"})

	SchedulerTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "publisher_scheduler_tick_duration_seconds",
		Help:    "Duration of one scheduler tick",
		Buckets: prometheus.DefBuckets,
	})

	GatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "publisher_gateway_request_duration_seconds",
		Help:    "Publishing gateway call latency",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"operation", "code"})

	// QueueJobs counts job executions. Labels: result = "completed", "retried", "failed".
	QueueJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "publisher_queue_jobs_total",
		Help: "Job queue executions by result",
	}, []string{"result"})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
