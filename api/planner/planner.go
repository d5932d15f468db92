// Package planner turns a deployment group and a fleet snapshot into an
// ordered rollout plan. It is pure: the same inputs always give the same plan.
package planner

import (
	"errors"
	"fmt"
	"sort"

	"skald/api/model"
)

var (
	// ErrNoEligibleHosts means the group's selectors matched no host.
	ErrNoEligibleHosts = errors.New("no eligible hosts")
	// ErrInvalidSelector means a host selector could not be evaluated.
	ErrInvalidSelector = errors.New("invalid host selector")
)

// NoEligibleHostsError is returned by Plan when no host matches. Undeploys
// holds the tasks that still remove the group's job from hosts that ran it.
type NoEligibleHostsError struct {
	Group     string
	Undeploys []model.RolloutTask
}

func (e *NoEligibleHostsError) Error() string {
	return fmt.Sprintf("%v for deployment group %s", ErrNoEligibleHosts, e.Group)
}

func (e *NoEligibleHostsError) Unwrap() error { return ErrNoEligibleHosts }

// Plan computes the rollout tasks for group over fleet. Matching hosts are
// sorted by ID and deployed in batches of the group's parallelism; each
// batch deploys every host and then awaits every host before the next batch
// starts. Hosts that no longer match but still run the group's job are
// undeployed at the end. When nothing matches, the error is a
// *NoEligibleHostsError carrying those undeploys.
func Plan(group model.DeploymentGroup, fleet []model.Host) ([]model.RolloutTask, error) {
	for _, s := range group.HostSelectors {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSelector, err)
		}
	}

	hosts := dedupe(fleet)
	var matched, leaving []model.Host
	for _, h := range hosts {
		switch {
		case h.Matches(group.HostSelectors):
			matched = append(matched, h)
		case len(groupJobs(h, group.Job.Name)) > 0:
			leaving = append(leaving, h)
		}
	}
	if len(matched) == 0 {
		return nil, &NoEligibleHostsError{Group: group.Name, Undeploys: undeploys(leaving, group.Job.Name)}
	}

	size := group.Options.BatchSize()
	var tasks []model.RolloutTask
	for start := 0; start < len(matched); start += size {
		end := start + size
		if end > len(matched) {
			end = len(matched)
		}
		batch := matched[start:end]
		for _, h := range batch {
			for _, old := range groupJobs(h, group.Job.Name) {
				if old.Version == group.Job.Version {
					continue
				}
				tasks = append(tasks, model.RolloutTask{Action: model.ActionUndeploy, Target: h.ID, Job: old})
			}
			tasks = append(tasks, model.RolloutTask{Action: model.ActionDeploy, Target: h.ID, Job: group.Job})
		}
		for _, h := range batch {
			tasks = append(tasks, model.RolloutTask{Action: model.ActionAwaitRunning, Target: h.ID, Job: group.Job})
		}
	}

	return append(tasks, undeploys(leaving, group.Job.Name)...), nil
}

func undeploys(hosts []model.Host, name string) []model.RolloutTask {
	var tasks []model.RolloutTask
	for _, h := range hosts {
		for _, old := range groupJobs(h, name) {
			tasks = append(tasks, model.RolloutTask{Action: model.ActionUndeploy, Target: h.ID, Job: old})
		}
	}
	return tasks
}

// Targets returns the sorted IDs of the hosts group currently selects.
func Targets(group model.DeploymentGroup, fleet []model.Host) []string {
	var ids []string
	for _, h := range dedupe(fleet) {
		if h.Matches(group.HostSelectors) {
			ids = append(ids, h.ID)
		}
	}
	return ids
}

// PlannedTargets returns the sorted IDs of the hosts a plan deploys to.
func PlannedTargets(tasks []model.RolloutTask) []string {
	return actionTargets(tasks, model.ActionDeploy)
}

// UndeployTargets returns the sorted IDs of the hosts a plan removes jobs from.
func UndeployTargets(tasks []model.RolloutTask) []string {
	return actionTargets(tasks, model.ActionUndeploy)
}

func actionTargets(tasks []model.RolloutTask, action model.TaskAction) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, t := range tasks {
		if t.Action != action || seen[t.Target] {
			continue
		}
		seen[t.Target] = true
		ids = append(ids, t.Target)
	}
	sort.Strings(ids)
	return ids
}

// dedupe drops repeated host IDs, keeping the first, and sorts by ID.
func dedupe(fleet []model.Host) []model.Host {
	seen := make(map[string]bool, len(fleet))
	hosts := make([]model.Host, 0, len(fleet))
	for _, h := range fleet {
		if h.ID == "" || seen[h.ID] {
			continue
		}
		seen[h.ID] = true
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].ID < hosts[j].ID })
	return hosts
}

// groupJobs returns the host's jobs belonging to the named job, sorted by
// version so plans do not depend on the order the fleet reported them in.
func groupJobs(h model.Host, name string) []model.JobRef {
	var jobs []model.JobRef
	for _, j := range h.Jobs {
		if j.Name == name {
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Version < jobs[j].Version })
	return jobs
}
