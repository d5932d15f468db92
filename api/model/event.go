package model

import "time"

type EventType string

const (
	EventRolloutStarted    EventType = "rollout.started"
	EventRolloutSuperseded EventType = "rollout.superseded"
	EventPlanningFailed    EventType = "rollout.planning_failed"
	EventRolloutPlanned    EventType = "rollout.planned"
	EventTaskSucceeded     EventType = "task.succeeded"
	EventTaskFailed        EventType = "task.failed"
	EventTaskSkipped       EventType = "task.skipped"
	EventRolloutFailed     EventType = "rollout.failed"
	EventRolloutDone       EventType = "rollout.done"
	EventGroupDeleted      EventType = "group.deleted"
)

// DeploymentGroupEvent is an immutable fact about a deployment group's
// rollout. Events for one group are published in the order they occurred.
// Actor names the authenticated caller for events an operator caused.
type DeploymentGroupEvent struct {
	DeploymentGroup string       `json:"deploymentGroup"`
	RolloutID       string       `json:"rolloutId"`
	Timestamp       time.Time    `json:"timestamp"`
	Type            EventType    `json:"type"`
	State           RolloutState `json:"state"`
	Version         int64        `json:"version"`
	TaskIndex       int          `json:"taskIndex"`
	Task            *RolloutTask `json:"task,omitempty"`
	Target          string       `json:"target,omitempty"`
	Message         string       `json:"message,omitempty"`
	Actor           string       `json:"actor,omitempty"`
}

// NewEvent builds an event describing status right after a transition.
func NewEvent(status DeploymentGroupStatus, typ EventType, at time.Time) DeploymentGroupEvent {
	return DeploymentGroupEvent{
		DeploymentGroup: status.DeploymentGroup.Name,
		RolloutID:       status.RolloutID,
		Timestamp:       at,
		Type:            typ,
		State:           status.State,
		Version:         status.Version,
		TaskIndex:       status.TaskIndex,
	}
}

func (e DeploymentGroupEvent) WithTask(t RolloutTask) DeploymentGroupEvent {
	e.Task = &t
	e.Target = t.Target
	return e
}

func (e DeploymentGroupEvent) WithMessage(msg string) DeploymentGroupEvent {
	e.Message = msg
	return e
}

func (e DeploymentGroupEvent) WithActor(actor string) DeploymentGroupEvent {
	e.Actor = actor
	return e
}
