package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Queue metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kubebroker_queue_depth",
			Help: "Number of commands waiting for an executor, by cluster",
		},
		[]string{"cluster"},
	)

	CommandsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubebroker_commands_enqueued_total",
			Help: "Total number of commands accepted into a cluster queue",
		},
		[]string{"cluster"},
	)

	CommandsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubebroker_commands_rejected_total",
			Help: "Total number of commands rejected before queueing by reason",
		},
		[]string{"reason"}, // queue_full, invalid
	)

	CommandsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubebroker_commands_dispatched_total",
			Help: "Total number of commands handed to an executor",
		},
		[]string{"cluster"},
	)

	CommandsExpiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubebroker_commands_expired_total",
			Help: "Total number of commands that aged out of the queue undelivered",
		},
		[]string{"cluster"},
	)

	CommandsRequeuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubebroker_commands_requeued_total",
			Help: "Total number of commands returned to the head of the queue after a failed handoff",
		},
		[]string{"cluster"},
	)

	// Result metrics
	ResultsStoredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kubebroker_results_stored_total",
			Help: "Total number of results accepted from executors",
		},
	)

	ResultsDuplicateTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kubebroker_results_duplicate_total",
			Help: "Total number of results rejected because one was already stored",
		},
	)

	// Execute path
	ExecuteOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubebroker_execute_outcomes_total",
			Help: "Total number of client execute calls by outcome",
		},
		[]string{"outcome"}, // success, failure, queue_full, delivery_timeout, result_timeout, cancelled
	)

	ExecuteDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubebroker_execute_duration_seconds",
			Help:    "Time from submit to result for client execute calls",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"outcome"},
	)

	// Executor presence
	ExecutorHeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubebroker_executor_heartbeats_total",
			Help: "Total number of executor polls and capability reports by cluster",
		},
		[]string{"cluster"},
	)

	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubebroker_auth_failures_total",
			Help: "Total number of rejected credentials by realm",
		},
		[]string{"realm"}, // api_key, agent_token, admin
	)
)

// RecordEnqueued records a command accepted into clusterID's queue.
func RecordEnqueued(clusterID string, depth int) {
	CommandsEnqueuedTotal.WithLabelValues(clusterID).Inc()
	QueueDepth.WithLabelValues(clusterID).Set(float64(depth))
}

// RecordDispatched records a command handed to an executor.
func RecordDispatched(clusterID string, depth int) {
	CommandsDispatchedTotal.WithLabelValues(clusterID).Inc()
	QueueDepth.WithLabelValues(clusterID).Set(float64(depth))
}

// RecordExecute records the outcome and latency of one execute call.
func RecordExecute(outcome string, elapsed time.Duration) {
	ExecuteOutcomesTotal.WithLabelValues(outcome).Inc()
	ExecuteDurationSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
}
