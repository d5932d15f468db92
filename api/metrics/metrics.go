// Package metrics holds the Prometheus collectors for rollouts and the
// history queue.
package metrics

import (
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// QueueDepth is the number of events waiting in a local history queue.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "skald_history_queue_depth",
			Help: "Events persisted locally and not yet written to the coordination store",
		},
		[]string{"topic"},
	)

	// EventsFlushed counts events written to the coordination store.
	EventsFlushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skald_history_events_flushed_total",
			Help: "History events written to the coordination store",
		},
		[]string{"topic"},
	)

	// EventsDuplicate counts re-deliveries that found the event already written.
	EventsDuplicate = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skald_history_events_duplicate_total",
			Help: "History events that were already present remotely when flushed",
		},
		[]string{"topic"},
	)

	// RemoteErrors counts failed attempts to write to the coordination store.
	RemoteErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skald_history_remote_errors_total",
			Help: "Failed attempts to write history to the coordination store",
		},
		[]string{"topic"},
	)

	// PublishErrors counts failed side-channel publishes.
	PublishErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skald_history_publish_errors_total",
			Help: "Failed best-effort publishes to the event stream",
		},
		[]string{"topic"},
	)

	// RolloutTransitions counts committed status transitions by target state.
	RolloutTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skald_rollout_transitions_total",
			Help: "Committed deployment group status transitions",
		},
		[]string{"state"},
	)

	// TaskOutcomes counts executed rollout tasks by action and outcome.
	TaskOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skald_rollout_tasks_total",
			Help: "Executed rollout tasks",
		},
		[]string{"action", "outcome"},
	)

	StatusConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "skald_rollout_status_conflicts_total",
			Help: "Status writes rejected because another writer moved the version",
		},
	)

	ActiveGroups = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "skald_rollout_active_groups",
			Help: "Deployment groups with a coordinator loop in this process",
		},
	)

	// DependencyUp is 1 when the last probe of a dependency succeeded.
	DependencyUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "skald_dependency_up",
			Help: "Result of the last health probe per dependency",
		},
		[]string{"dependency"},
	)
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) error {
	var result error
	for _, c := range []prometheus.Collector{
		QueueDepth, EventsFlushed, EventsDuplicate, RemoteErrors, PublishErrors,
		RolloutTransitions, TaskOutcomes, StatusConflicts, ActiveGroups, DependencyUp,
	} {
		if err := reg.Register(c); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}
