// Package metrics holds the Prometheus collector catalogue for all four
// binaries. Collectors register on the default registry at init; each binary
// exposes whichever subset it actually moves through promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bifrost"

var (
	// ExecutionsTotal counts terminal executions by status.
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "executions_total",
		Help:      "Terminal executions by status.",
	}, []string{"status"})

	// ExecutionDuration observes wall-clock execution time in seconds.
	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "execution_duration_seconds",
		Help:      "Wall-clock duration of terminal executions.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms .. ~7m
	})

	// PublishesTotal counts broker publishes by destination queue or exchange.
	PublishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "publishes_total",
		Help:      "Broker publishes by destination.",
	}, []string{"destination"})

	// WebhookRequestsTotal counts webhook ingress requests by outcome
	// (deliver, validation, rejected, ignored, unknown).
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "webhook_requests_total",
		Help:      "Webhook ingress requests by adapter outcome.",
	}, []string{"outcome"})

	// WebSocketSessions gauges currently connected WebSocket sessions.
	WebSocketSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "websocket",
		Name:      "active_sessions",
		Help:      "Currently connected WebSocket sessions.",
	})

	// SchedulerJobRuns counts scheduler job completions by job and outcome.
	SchedulerJobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "job_runs_total",
		Help:      "Scheduler job completions by outcome.",
	}, []string{"job", "outcome"})

	// QueuedExecutions gauges the size of the queue-tracking set as last
	// sampled by the worker.
	QueuedExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "queued_executions",
		Help:      "Executions currently tracked as queued.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
