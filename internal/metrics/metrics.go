// Package metrics provides Prometheus metrics for the load coordination layer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LoadTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pullload_load_tasks_total",
			Help: "Total number of load task execution attempts by terminal state",
		},
		[]string{"state"},
	)
	LoadTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pullload_load_task_duration_seconds",
			Help:    "Load task execution attempt duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"state"},
	)
	ExecStatusReports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pullload_exec_status_reports_total",
			Help: "Total number of backend status reports by dispatch outcome",
		},
		[]string{"outcome"},
	)
	LoadTasksEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pullload_load_tasks_enqueued_total",
			Help: "Total number of load tasks enqueued",
		},
	)
	RegistryEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pullload_registry_entries",
			Help: "Current number of registered executions",
		},
	)
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pullload_queue_depth",
			Help: "Current depth of the pending load task queue",
		},
	)
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pullload_workers_active",
			Help: "Number of worker slots currently executing a load task",
		},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pullload_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pullload_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordLoadTask(state string, duration time.Duration) {
	LoadTasksTotal.WithLabelValues(state).Inc()
	LoadTaskDuration.WithLabelValues(state).Observe(duration.Seconds())
}

func RecordExecStatusReport(outcome string) {
	ExecStatusReports.WithLabelValues(outcome).Inc()
}

func RecordLoadTaskEnqueued() {
	LoadTasksEnqueued.Inc()
}

func UpdateRegistryEntries(n int) {
	RegistryEntries.Set(float64(n))
}

func UpdateQueueDepth(depth int) {
	QueueDepth.Set(float64(depth))
}

func IncActiveWorkers() {
	WorkersActive.Inc()
}

func DecActiveWorkers() {
	WorkersActive.Dec()
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
