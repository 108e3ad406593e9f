package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DirectivesCompiled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_directives_compiled_total",
			Help: "Total number of exception directives synthesized",
		},
		[]string{"family"},
	)

	CommandValidationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_command_validation_failures_total",
			Help: "Total number of operator commands rejected by validation",
		},
		[]string{"family", "kind"},
	)

	DirectiveDeployments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_directive_deployments_total",
			Help: "Total number of directive deployment attempts",
		},
		[]string{"family", "outcome"},
	)

	DeploymentDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warden_directive_deployment_duration_seconds",
			Help:    "Time taken by the WAF control API to accept a directive",
			Buckets: prometheus.DefBuckets,
		},
	)

	AlertsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_alerts_ingested_total",
			Help: "Total number of alert events attached to cases",
		},
		[]string{"outcome"},
	)

	CasesOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_cases_opened_total",
			Help: "Total number of cases opened",
		},
	)

	CasesClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_cases_closed_total",
			Help: "Total number of cases closed",
		},
		[]string{"path"},
	)

	FalsePositivesMarked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_false_positives_marked_total",
			Help: "Total number of alerts reclassified as false positive",
		},
	)

	StoreMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_store_mutations_total",
			Help: "Total number of persisted store mutations",
		},
		[]string{"store", "operation", "outcome"},
	)

	CaseBackendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_case_backend_requests_total",
			Help: "Total number of case backend calls",
		},
		[]string{"operation", "outcome"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"name"},
	)

	LogSourceQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_log_source_queries_total",
			Help: "Total number of request lookups against the log source",
		},
		[]string{"outcome"},
	)

	ClassifierRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_classifier_requests_total",
			Help: "Total number of classifier calls",
		},
		[]string{"outcome"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_events_published_total",
			Help: "Total number of case lifecycle events published",
		},
		[]string{"type", "outcome"},
	)

	ChatEventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_chat_events_received_total",
			Help: "Total number of chat events received",
		},
		[]string{"disposition"},
	)

	SlashCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_slash_commands_total",
			Help: "Total number of slash commands handled",
		},
		[]string{"command"},
	)

	WorkerPoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_worker_pool_active_workers",
			Help: "Number of running workers per pool",
		},
		[]string{"pool"},
	)

	WorkerPoolQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_worker_pool_queue_size",
			Help: "Number of queued tasks per pool",
		},
		[]string{"pool"},
	)

	WorkerPoolTasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_worker_pool_tasks_processed_total",
			Help: "Total number of tasks processed per pool",
		},
		[]string{"pool", "outcome"},
	)

	WorkerPoolTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_worker_pool_task_duration_seconds",
			Help:    "Background task execution time",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pool"},
	)
)

// CircuitStateValue maps a circuit breaker state name to its gauge value
func CircuitStateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half_open":
		return 1
	default:
		return 0
	}
}
