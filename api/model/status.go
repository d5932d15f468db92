package model

import (
	"errors"
	"fmt"
	"sort"
)

type RolloutState string

const (
	StatePlanningRollout RolloutState = "PLANNING_ROLLOUT"
	StateRollingOut      RolloutState = "ROLLING_OUT"
	StateFailed          RolloutState = "FAILED"
	StateDone            RolloutState = "DONE"
)

// ErrInvalidTransition is returned when a transition is applied to a
// status in a state that does not allow it.
var ErrInvalidTransition = errors.New("invalid rollout transition")

// DeploymentGroupStatus is the versioned record of one rollout lineage.
// Values are treated as immutable: every transition returns a copy whose
// Version is exactly one higher than the receiver's.
type DeploymentGroupStatus struct {
	DeploymentGroup      DeploymentGroup `json:"deploymentGroup"`
	RolloutID            string          `json:"rolloutId"`
	State                RolloutState    `json:"state"`
	RolloutTasks         []RolloutTask   `json:"rolloutTasks"`
	TaskIndex            int             `json:"taskIndex"`
	SuccessfulIterations int             `json:"successfulIterations"`
	FailedTargets        []string        `json:"failedTargets"`
	Error                string          `json:"error,omitempty"`
	Version              int64           `json:"version"`
}

// NewPlanningStatus starts a fresh rollout lineage for group. When prev is
// set the new version continues above it so readers can tell the new
// lineage supersedes the old one.
func NewPlanningStatus(group DeploymentGroup, rolloutID string, prev *DeploymentGroupStatus) DeploymentGroupStatus {
	var version int64 = 1
	if prev != nil {
		version = prev.Version + 1
	}
	return DeploymentGroupStatus{
		DeploymentGroup: group,
		RolloutID:       rolloutID,
		State:           StatePlanningRollout,
		RolloutTasks:    []RolloutTask{},
		FailedTargets:   []string{},
		Version:         version,
	}
}

// Replan starts a new lineage for the same group, keeping the count of
// successful iterations.
func (s DeploymentGroupStatus) Replan(rolloutID string) DeploymentGroupStatus {
	next := NewPlanningStatus(s.DeploymentGroup, rolloutID, &s)
	next.SuccessfulIterations = s.SuccessfulIterations
	return next
}

func (s DeploymentGroupStatus) Terminal() bool {
	return s.State == StateDone || s.State == StateFailed
}

// CurrentTask returns the task at TaskIndex while rolling out.
func (s DeploymentGroupStatus) CurrentTask() (RolloutTask, bool) {
	if s.State != StateRollingOut || s.TaskIndex >= len(s.RolloutTasks) {
		return RolloutTask{}, false
	}
	return s.RolloutTasks[s.TaskIndex], true
}

// Planned commits a plan. An empty plan finishes the rollout immediately.
func (s DeploymentGroupStatus) Planned(tasks []RolloutTask) (DeploymentGroupStatus, error) {
	if s.State != StatePlanningRollout {
		return s, fmt.Errorf("%w: plan committed in state %s", ErrInvalidTransition, s.State)
	}
	next := s.next()
	next.RolloutTasks = append([]RolloutTask{}, tasks...)
	next.TaskIndex = 0
	next.FailedTargets = []string{}
	next.Error = ""
	if len(tasks) == 0 {
		next.State = StateDone
	} else {
		next.State = StateRollingOut
	}
	return next, nil
}

// PlanningFailed marks the rollout FAILED before any task ran.
func (s DeploymentGroupStatus) PlanningFailed(msg string) (DeploymentGroupStatus, error) {
	if s.State != StatePlanningRollout {
		return s, fmt.Errorf("%w: planning failure in state %s", ErrInvalidTransition, s.State)
	}
	next := s.next()
	next.State = StateFailed
	next.Error = msg
	return next, nil
}

// TaskSucceeded advances past the current task.
func (s DeploymentGroupStatus) TaskSucceeded() (DeploymentGroupStatus, error) {
	if _, ok := s.CurrentTask(); !ok {
		return s, fmt.Errorf("%w: no current task in state %s at index %d", ErrInvalidTransition, s.State, s.TaskIndex)
	}
	next := s.next()
	if next.TaskIndex == next.lastAwaitIndex() {
		next.SuccessfulIterations++
	}
	next.advance()
	return next, nil
}

// TaskFailed records target as failed. The rollout fails when the failed
// targets exceed the group's tolerance; otherwise it moves on.
func (s DeploymentGroupStatus) TaskFailed(target, msg string) (DeploymentGroupStatus, error) {
	if _, ok := s.CurrentTask(); !ok {
		return s, fmt.Errorf("%w: no current task in state %s at index %d", ErrInvalidTransition, s.State, s.TaskIndex)
	}
	next := s.next()
	next.FailedTargets = addTarget(next.FailedTargets, target)
	if len(next.FailedTargets) > next.DeploymentGroup.Options.FailureThreshold {
		next.State = StateFailed
		next.Error = msg
		return next, nil
	}
	next.advance()
	return next, nil
}

// TaskSkipped advances past a task whose target already failed without
// counting it as a success.
func (s DeploymentGroupStatus) TaskSkipped() (DeploymentGroupStatus, error) {
	task, ok := s.CurrentTask()
	if !ok {
		return s, fmt.Errorf("%w: no current task in state %s at index %d", ErrInvalidTransition, s.State, s.TaskIndex)
	}
	if !s.HasFailed(task.Target) {
		return s, fmt.Errorf("%w: target %s has not failed", ErrInvalidTransition, task.Target)
	}
	next := s.next()
	next.advance()
	return next, nil
}

// HasFailed reports whether target is among the failed targets.
func (s DeploymentGroupStatus) HasFailed(target string) bool {
	i := sort.SearchStrings(s.FailedTargets, target)
	return i < len(s.FailedTargets) && s.FailedTargets[i] == target
}

// Validate checks the structural invariants of a status.
func (s DeploymentGroupStatus) Validate() error {
	switch s.State {
	case StatePlanningRollout, StateRollingOut, StateFailed, StateDone:
	default:
		return fmt.Errorf("unknown state %q", s.State)
	}
	if s.TaskIndex < 0 || s.TaskIndex > len(s.RolloutTasks) {
		return fmt.Errorf("taskIndex %d out of range [0, %d]", s.TaskIndex, len(s.RolloutTasks))
	}
	if len(s.RolloutTasks) > 0 && (s.TaskIndex == len(s.RolloutTasks)) != (s.State == StateDone) {
		return fmt.Errorf("taskIndex %d of %d in state %s", s.TaskIndex, len(s.RolloutTasks), s.State)
	}
	if s.State == StateRollingOut && len(s.RolloutTasks) == 0 {
		return errors.New("rolling out with an empty plan")
	}
	if (s.State == StateFailed) != (s.Error != "") {
		return fmt.Errorf("error %q in state %s", s.Error, s.State)
	}
	if s.Version < 1 {
		return fmt.Errorf("version %d must be positive", s.Version)
	}
	return nil
}

func (s DeploymentGroupStatus) next() DeploymentGroupStatus {
	next := s
	next.RolloutTasks = append([]RolloutTask{}, s.RolloutTasks...)
	next.FailedTargets = append([]string{}, s.FailedTargets...)
	next.Version = s.Version + 1
	return next
}

func (s *DeploymentGroupStatus) advance() {
	s.TaskIndex++
	if s.TaskIndex == len(s.RolloutTasks) {
		s.State = StateDone
	}
}

func (s DeploymentGroupStatus) lastAwaitIndex() int {
	for i := len(s.RolloutTasks) - 1; i >= 0; i-- {
		if s.RolloutTasks[i].Action == ActionAwaitRunning {
			return i
		}
	}
	return -1
}

func addTarget(targets []string, target string) []string {
	for _, t := range targets {
		if t == target {
			return targets
		}
	}
	targets = append(targets, target)
	sort.Strings(targets)
	return targets
}
