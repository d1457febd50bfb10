// Package metrics exposes cnagent's prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksDispatchedTotal counts dispatches accepted by the runner, by queue and task name.
	TasksDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cnagent_tasks_dispatched_total",
			Help: "Total number of tasks dispatched to workers",
		},
		[]string{"queue", "task"},
	)

	// TasksFinishedTotal counts terminal outcomes, by queue, task, and outcome (finished|failed).
	TasksFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cnagent_tasks_finished_total",
			Help: "Total number of tasks that reached a terminal state",
		},
		[]string{"queue", "task", "outcome"},
	)

	// TasksInFlight tracks the current in-flight worker count per queue.
	TasksInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cnagent_tasks_in_flight",
			Help: "Number of workers currently running per queue",
		},
		[]string{"queue"},
	)

	// QueueRejectedTotal counts dispatches rejected due to queue concurrency limits.
	QueueRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cnagent_queue_rejected_total",
			Help: "Total number of dispatches rejected because the owning queue was saturated",
		},
		[]string{"queue"},
	)

	// TaskDurationSeconds observes wall-clock duration of a completed task.
	TaskDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cnagent_task_duration_seconds",
			Help:    "Task duration from dispatch to terminal event",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue", "task"},
	)

	// HistoryEvictedTotal counts history entries evicted by the bounded ring buffer.
	HistoryEvictedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cnagent_history_evicted_total",
			Help: "Total number of history entries evicted due to the retention cap",
		},
	)

	// SamplerRefreshesTotal counts completed status sampler refresh cycles.
	SamplerRefreshesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cnagent_sampler_refreshes_total",
			Help: "Total number of successful status sampler refreshes",
		},
	)

	// SamplerRefreshErrorsTotal counts failed refresh cycles.
	SamplerRefreshErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cnagent_sampler_refresh_errors_total",
			Help: "Total number of status sampler refresh cycles that failed",
		},
	)

	// SamplerSkipsTotal counts refreshes skipped because one was already in flight.
	SamplerSkipsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cnagent_sampler_skips_total",
			Help: "Total number of status sampler refreshes skipped because one was already running",
		},
	)

	// ControllerPostsTotal counts outbound controller POSTs, by kind and outcome.
	ControllerPostsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cnagent_controller_posts_total",
			Help: "Total number of outbound controller requests",
		},
		[]string{"kind", "outcome"},
	)
)

// Timer measures an operation's wall-clock duration for a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time since NewTimer against the given observer.
func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(time.Since(t.start).Seconds())
}

// Handler returns the HTTP handler that serves the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
