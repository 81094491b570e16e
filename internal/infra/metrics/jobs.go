package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(jobsProcessedTotal, jobDurationSeconds, queueDepth, cancellationsTotal)
}

var jobsProcessedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "appforge_jobs_processed_total",
		Help: "Background jobs processed, labeled by queue and outcome.",
	},
	[]string{"queue", "status"}, // 'completed', 'failed', 'cancelled'
)

var jobDurationSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "appforge_job_duration_seconds",
		Help:    "Wall time of one job execution.",
		Buckets: []float64{1, 5, 15, 60, 180, 600, 1800, 3600},
	},
	[]string{"queue"},
)

var queueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "appforge_queue_depth",
		Help: "Jobs currently waiting per queue.",
	},
	[]string{"queue"},
)

var cancellationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "appforge_cancellations_total",
		Help: "Cancellation signals observed by workers.",
	},
	[]string{"queue"},
)

func IncJob(queue, status string) {
	jobsProcessedTotal.WithLabelValues(norm(queue), norm(status)).Inc()
}

func ObserveJobDuration(queue string, seconds float64) {
	jobDurationSeconds.WithLabelValues(norm(queue)).Observe(seconds)
}

func SetQueueDepth(queue string, n int) {
	queueDepth.WithLabelValues(norm(queue)).Set(float64(n))
}

func IncCancellation(queue string) {
	cancellationsTotal.WithLabelValues(norm(queue)).Inc()
}
