package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksSubmitted tracks tasks accepted by Submit per kind
	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
		[]string{"kind"},
	)

	// TasksFinished tracks terminal transitions per kind and outcome
	// (completed, degraded, failed, rejected)
	TasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_tasks_finished_total",
			Help: "Total number of tasks that reached a terminal state",
		},
		[]string{"kind", "outcome"},
	)

	// TaskRetries tracks task-level reschedules
	TaskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_task_retries_total",
			Help: "Total number of task retries",
		},
		[]string{"kind"},
	)

	// TaskDuration tracks executor wall time per attempt
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentd_task_duration_seconds",
			Help:    "Executor attempt duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// TasksInFlight tracks currently running executors
	TasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentd_tasks_in_flight",
			Help: "Number of executors currently running",
		},
	)

	// BreakerOpen is 1 while the kind's circuit breaker is open
	BreakerOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentd_breaker_open",
			Help: "Whether the circuit breaker for a kind is open",
		},
		[]string{"kind"},
	)

	// SinkDropped tracks task records dropped because the sink queue was full
	SinkDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentd_sink_dropped_total",
			Help: "Total number of task records dropped by the sink queue",
		},
	)

	// SinkErrors tracks failed sink writes
	SinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_sink_errors_total",
			Help: "Total number of failed sink writes",
		},
		[]string{"sink"},
	)

	// IntakeReceived tracks task requests received per source
	IntakeReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_intake_received_total",
			Help: "Total number of task requests received",
		},
		[]string{"source", "result"},
	)

	// DBConnectionPoolUsage tracks open connections as a percentage of the pool limit
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentd_db_connection_pool_usage_percent",
			Help: "Open database connections as a percentage of the maximum",
		},
	)
)
