// Package validate dry-runs deployment groups: it reports every problem a
// submit would hit and previews the rollout plan against the current fleet.
package validate

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"skald/api/model"
	"skald/api/planner"
)

var validGroupName = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Fleet lists the hosts a group could target.
type Fleet interface {
	Hosts(ctx context.Context) ([]model.Host, error)
}

type Validator struct {
	Fleet Fleet
}

func (v *Validator) Validate(ctx context.Context, group model.DeploymentGroup) *model.ValidationResult {
	result := &model.ValidationResult{
		Group:    group.Name,
		Findings: []model.ValidationFinding{},
		Targets:  []string{},
		Tasks:    []model.RolloutTask{},
	}
	checkStructure(group, result)
	if result.Valid() {
		v.checkFleet(ctx, group, result)
	}
	return result
}

func checkStructure(g model.DeploymentGroup, r *model.ValidationResult) {
	// Name
	if g.Name == "" {
		r.Add(model.ValidationFinding{
			Check:    "group.name.required",
			Severity: model.SeverityError,
			Message:  "deployment group name is required",
			Field:    "name",
		})
	} else if !validGroupName.MatchString(g.Name) {
		r.Add(model.ValidationFinding{
			Check:    "group.name.format",
			Severity: model.SeverityError,
			Message:  fmt.Sprintf("name %q must match [a-z0-9][a-z0-9-]*", g.Name),
			Field:    "name",
		})
	}

	// Job
	if g.Job.Name == "" {
		r.Add(model.ValidationFinding{
			Check:    "job.name.required",
			Severity: model.SeverityError,
			Message:  "job name is required",
			Field:    "job.name",
		})
	}
	if g.Job.Version == "" {
		r.Add(model.ValidationFinding{
			Check:    "job.version.required",
			Severity: model.SeverityError,
			Message:  "job version is required",
			Field:    "job.version",
		})
	}
	if g.Job.Image == "" && g.Job.Name != "" && g.Job.Version != "" {
		r.Add(model.ValidationFinding{
			Check:    "job.image.default",
			Severity: model.SeverityInfo,
			Message:  fmt.Sprintf("no image given, hosts will run %s:%s", g.Job.Name, g.Job.Version),
			Field:    "job.image",
		})
	}

	// Selectors
	if len(g.HostSelectors) == 0 {
		r.Add(model.ValidationFinding{
			Check:    "selectors.empty",
			Severity: model.SeverityWarning,
			Message:  "no host selectors, the group targets every host in the fleet",
			Field:    "hostSelectors",
		})
	}
	for i, s := range g.HostSelectors {
		if err := s.Validate(); err != nil {
			r.Add(model.ValidationFinding{
				Check:    "selectors.invalid",
				Severity: model.SeverityError,
				Message:  fmt.Sprintf("hostSelectors[%d]: %v", i, err),
				Field:    "hostSelectors",
			})
		}
	}

	// Options
	o := g.Options
	if o.Parallelism < 0 {
		r.Add(model.ValidationFinding{
			Check:    "options.parallelism.negative",
			Severity: model.SeverityError,
			Message:  "parallelism must not be negative",
			Field:    "rolloutOptions.parallelism",
		})
	}
	if o.MaxRetries != nil && *o.MaxRetries < 0 {
		r.Add(model.ValidationFinding{
			Check:    "options.maxRetries.negative",
			Severity: model.SeverityError,
			Message:  "maxRetries must not be negative",
			Field:    "rolloutOptions.maxRetries",
		})
	}
	if o.FailureThreshold < 0 {
		r.Add(model.ValidationFinding{
			Check:    "options.failureThreshold.negative",
			Severity: model.SeverityError,
			Message:  "failureThreshold must not be negative",
			Field:    "rolloutOptions.failureThreshold",
		})
	}
	if o.Timeout != "" {
		if d, err := time.ParseDuration(o.Timeout); err != nil || d <= 0 {
			r.Add(model.ValidationFinding{
				Check:    "options.timeout.invalid",
				Severity: model.SeverityError,
				Message:  fmt.Sprintf("timeout %q is not a positive duration", o.Timeout),
				Field:    "rolloutOptions.timeout",
			})
		}
	}
}

func (v *Validator) checkFleet(ctx context.Context, g model.DeploymentGroup, r *model.ValidationResult) {
	if v.Fleet == nil {
		r.Add(model.ValidationFinding{
			Check:    "fleet.unavailable",
			Severity: model.SeverityWarning,
			Message:  "no fleet configured, plan not previewed",
		})
		return
	}
	hosts, err := v.Fleet.Hosts(ctx)
	if err != nil {
		r.Add(model.ValidationFinding{
			Check:    "fleet.unavailable",
			Severity: model.SeverityWarning,
			Message:  fmt.Sprintf("listing hosts failed, plan not previewed: %v", err),
		})
		return
	}

	tasks, err := planner.Plan(g, hosts)
	var noHosts *planner.NoEligibleHostsError
	switch {
	case errors.As(err, &noHosts):
		sev, msg := model.SeverityError, "selectors match no host, the rollout would fail"
		switch {
		case g.Options.AllowNoHosts && len(noHosts.Undeploys) > 0:
			sev, msg = model.SeverityWarning, fmt.Sprintf("selectors match no host, the rollout would only undeploy %s from %d hosts", g.Job.Name, len(planner.UndeployTargets(noHosts.Undeploys)))
		case g.Options.AllowNoHosts:
			sev, msg = model.SeverityWarning, "selectors match no host, the rollout would finish without changes"
		}
		r.Add(model.ValidationFinding{Check: "fleet.no-match", Severity: sev, Message: msg, Field: "hostSelectors"})
		return
	case err != nil:
		r.Add(model.ValidationFinding{
			Check:    "plan.failed",
			Severity: model.SeverityError,
			Message:  err.Error(),
		})
		return
	}

	r.Tasks = tasks
	if targets := planner.Targets(g, hosts); targets != nil {
		r.Targets = targets
	}
	matched := len(r.Targets)

	if g.Options.BatchSize() > matched && matched > 0 {
		r.Add(model.ValidationFinding{
			Check:    "options.parallelism.exceeds",
			Severity: model.SeverityInfo,
			Message:  fmt.Sprintf("parallelism %d exceeds the %d matched hosts, all deploy in one batch", g.Options.BatchSize(), matched),
			Field:    "rolloutOptions.parallelism",
		})
	}
	if g.Options.FailureThreshold >= matched && matched > 0 {
		r.Add(model.ValidationFinding{
			Check:    "options.failureThreshold.exceeds",
			Severity: model.SeverityWarning,
			Message:  fmt.Sprintf("failureThreshold %d tolerates every one of the %d matched hosts failing", g.Options.FailureThreshold, matched),
			Field:    "rolloutOptions.failureThreshold",
		})
	}
}
