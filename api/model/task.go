package model

import "fmt"

type TaskAction string

const (
	ActionDeploy       TaskAction = "DEPLOY_JOB"
	ActionUndeploy     TaskAction = "UNDEPLOY_JOB"
	ActionAwaitRunning TaskAction = "AWAIT_RUNNING"
)

// RolloutTask is one atomic per-host step of a rollout plan.
type RolloutTask struct {
	Action TaskAction `json:"action"`
	Target string     `json:"target"`
	Job    JobRef     `json:"job"`
}

func (t RolloutTask) String() string {
	return fmt.Sprintf("%s %s on %s", t.Action, t.Job.ID(), t.Target)
}
