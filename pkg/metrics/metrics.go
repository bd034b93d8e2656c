package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "magpie_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	TasksSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magpie_tasks_submitted_total",
			Help: "Total number of tasks submitted by format",
		},
		[]string{"format"},
	)

	TasksCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "magpie_tasks_completed_total",
			Help: "Total number of tasks that reached completed",
		},
	)

	TasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magpie_tasks_failed_total",
			Help: "Total number of failed tasks by error code",
		},
		[]string{"code"},
	)

	TaskRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "magpie_task_retries_total",
			Help: "Total number of task retry attempts",
		},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "magpie_task_duration_seconds",
			Help:    "End-to-end task duration in seconds by format",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"format"},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "magpie_queue_depth",
			Help: "Number of jobs waiting in the priority queue",
		},
	)

	ActiveDownloads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "magpie_active_downloads",
			Help: "Number of downloads currently claimed by workers",
		},
	)

	WorkerRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "magpie_worker_restarts_total",
			Help: "Total number of worker restarts after a crash",
		},
	)

	WorkersQuarantined = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "magpie_workers_quarantined",
			Help: "Number of workers currently quarantined after repeated crashes",
		},
	)

	QueueWaitTime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "magpie_queue_wait_seconds",
			Help:    "Time jobs spend queued before a worker claims them",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Subprocess metrics
	ProcessesLaunched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magpie_processes_launched_total",
			Help: "Total number of child processes launched by binary",
		},
		[]string{"binary"},
	)

	ProcessesKilled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magpie_processes_killed_total",
			Help: "Total number of child processes force-killed by reason",
		},
		[]string{"reason"},
	)

	ProcessMemoryMB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "magpie_process_memory_mb",
			Help: "Resident memory of tracked child processes in MB",
		},
		[]string{"binary"},
	)

	// Coordination metrics
	RedisUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "magpie_redis_up",
			Help: "Whether the coordination store is reachable (1 = up)",
		},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "magpie_breaker_state",
			Help: "Circuit breaker state by name (0 = closed, 1 = half-open, 2 = open)",
		},
		[]string{"name"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magpie_api_requests_total",
			Help: "Total number of API requests by method, path and status",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "magpie_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "magpie_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)

	// Cleanup metrics
	FilesDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "magpie_files_deleted_total",
			Help: "Total number of artifact files removed by the cleanup sweep",
		},
	)

	BytesReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "magpie_bytes_reclaimed_total",
			Help: "Total bytes reclaimed by the cleanup sweep",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksSubmitted)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(TaskRetries)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ActiveDownloads)
	prometheus.MustRegister(WorkerRestarts)
	prometheus.MustRegister(WorkersQuarantined)
	prometheus.MustRegister(QueueWaitTime)
	prometheus.MustRegister(ProcessesLaunched)
	prometheus.MustRegister(ProcessesKilled)
	prometheus.MustRegister(ProcessMemoryMB)
	prometheus.MustRegister(RedisUp)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(RateLimited)
	prometheus.MustRegister(FilesDeleted)
	prometheus.MustRegister(BytesReclaimed)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
