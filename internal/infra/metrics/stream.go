package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(sseEventsTotal, sseParseErrorsTotal, jobCostUSD)
}

var sseEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "appforge_sandbox_events_total",
		Help: "SSE frames consumed from sandbox streams, by queue and event type.",
	},
	[]string{"queue", "type"},
)

var sseParseErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "appforge_sandbox_event_parse_errors_total",
		Help: "Malformed SSE frames that were logged and skipped.",
	},
	[]string{"queue"},
)

var jobCostUSD = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "appforge_job_cost_usd_total",
		Help: "Accumulated job cost in USD, by queue.",
	},
	[]string{"queue"},
)

func IncSandboxEvent(queue, eventType string) {
	sseEventsTotal.WithLabelValues(norm(queue), norm(eventType)).Inc()
}

func IncParseError(queue string) {
	sseParseErrorsTotal.WithLabelValues(norm(queue)).Inc()
}

func AddJobCost(queue string, usd float64) {
	if usd > 0 {
		jobCostUSD.WithLabelValues(norm(queue)).Add(usd)
	}
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
