package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Turn metrics
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentconsole_turns_total",
			Help: "Total number of conversation turns",
		},
		[]string{"sender", "status"},
	)

	turnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentconsole_turn_duration_seconds",
			Help:    "Conversation turn duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sender"},
	)

	// Process channel metrics
	channelRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentconsole_channel_restarts_total",
			Help: "Total number of subprocess restarts",
		},
	)

	channelStartupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentconsole_channel_startup_duration_seconds",
			Help:    "Time until the subprocess printed its ready marker",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	// Scheduler metrics
	taskExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentconsole_task_executions_total",
			Help: "Total number of scheduled task executions",
		},
		[]string{"status"},
	)

	taskExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentconsole_task_execution_duration_seconds",
			Help:    "Scheduled task execution duration in seconds, nudges included",
			Buckets: prometheus.DefBuckets,
		},
	)

	tasksScheduled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentconsole_tasks_scheduled",
			Help: "Number of scheduled tasks",
		},
	)

	// Monitor metrics
	nudgesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentconsole_nudges_total",
			Help: "Total number of automatic follow-up prompts",
		},
	)

	// Session metrics
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentconsole_active_sessions",
			Help: "Number of live sessions",
		},
	)

	eventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentconsole_events_dropped_total",
			Help: "Events dropped because a subscriber was not keeping up",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the collectors with the default Prometheus registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			turnsTotal,
			turnDuration,
			channelRestartsTotal,
			channelStartupDuration,
			taskExecutionsTotal,
			taskExecutionDuration,
			tasksScheduled,
			nudgesTotal,
			activeSessions,
			eventsDroppedTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordTurn records a completed or failed conversation turn.
func RecordTurn(sender, status string, duration time.Duration) {
	turnsTotal.WithLabelValues(sender, status).Inc()
	turnDuration.WithLabelValues(sender).Observe(duration.Seconds())
}

// RecordChannelRestart counts a subprocess restart.
func RecordChannelRestart() {
	channelRestartsTotal.Inc()
}

// RecordChannelStartup records how long a subprocess took to become ready.
func RecordChannelStartup(status string, duration time.Duration) {
	channelStartupDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordTaskExecution records a scheduled task execution.
func RecordTaskExecution(status string, duration time.Duration) {
	taskExecutionsTotal.WithLabelValues(status).Inc()
	taskExecutionDuration.Observe(duration.Seconds())
}

// SetTasksScheduled sets the scheduled tasks gauge
func SetTasksScheduled(count int) {
	tasksScheduled.Set(float64(count))
}

// RecordNudge counts an automatic follow-up prompt.
func RecordNudge() {
	nudgesTotal.Inc()
}

// SetActiveSessions sets the live sessions gauge
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}

// RecordDroppedEvent counts an event that a subscriber missed.
func RecordDroppedEvent() {
	eventsDroppedTotal.Inc()
}
