package model

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ErrInvalidGroup is returned for deployment groups that fail validation.
var ErrInvalidGroup = errors.New("invalid deployment group")

const (
	DefaultParallelism = 1
	DefaultMaxRetries  = 3
	DefaultStepTimeout = 5 * time.Minute
)

var groupNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// JobRef identifies the job version a deployment group rolls out.
type JobRef struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
	Image   string `json:"image,omitempty" yaml:"image,omitempty"`
}

func (j JobRef) ID() string {
	return j.Name + ":" + j.Version
}

func (j JobRef) String() string {
	return j.ID()
}

// RolloutOptions controls pacing and failure tolerance of a rollout.
type RolloutOptions struct {
	// Parallelism is the number of hosts deployed per batch.
	Parallelism int `json:"parallelism,omitempty" yaml:"parallelism,omitempty"`
	// Timeout bounds each host action, e.g. "5m".
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// MaxRetries is how many times a failed deploy/undeploy is retried.
	MaxRetries *int `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	// FailureThreshold is the number of failed targets tolerated before
	// the rollout is marked FAILED. Zero means any failure fails it.
	FailureThreshold int `json:"failureThreshold,omitempty" yaml:"failureThreshold,omitempty"`
	// AllowNoHosts lets a rollout whose selector matches nothing finish
	// as DONE instead of FAILED.
	AllowNoHosts bool `json:"allowNoHosts,omitempty" yaml:"allowNoHosts,omitempty"`
}

// StepTimeout returns the parsed per-step timeout or the default.
func (o RolloutOptions) StepTimeout() time.Duration {
	if o.Timeout == "" {
		return DefaultStepTimeout
	}
	d, err := time.ParseDuration(o.Timeout)
	if err != nil || d <= 0 {
		return DefaultStepTimeout
	}
	return d
}

func (o RolloutOptions) BatchSize() int {
	if o.Parallelism <= 0 {
		return DefaultParallelism
	}
	return o.Parallelism
}

func (o RolloutOptions) Retries() int {
	if o.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *o.MaxRetries
}

// DeploymentGroup binds a host selector to a job version. It is never
// mutated in place; redeploying submits a new value.
type DeploymentGroup struct {
	Name          string         `json:"name" yaml:"name"`
	HostSelectors []HostSelector `json:"hostSelectors" yaml:"hostSelectors"`
	Job           JobRef         `json:"job" yaml:"job"`
	Options       RolloutOptions `json:"rolloutOptions" yaml:"rolloutOptions"`
}

// NewDeploymentGroup builds a group from selector expressions and validates it.
func NewDeploymentGroup(name string, selectors []string, job JobRef, opts RolloutOptions) (DeploymentGroup, error) {
	g := DeploymentGroup{Name: name, Job: job, Options: opts}
	for _, expr := range selectors {
		sel, err := ParseHostSelector(expr)
		if err != nil {
			return DeploymentGroup{}, fmt.Errorf("%w: %v", ErrInvalidGroup, err)
		}
		g.HostSelectors = append(g.HostSelectors, sel)
	}
	if err := g.Validate(); err != nil {
		return DeploymentGroup{}, err
	}
	return g, nil
}

// Validate checks everything that can be checked without a fleet.
func (g DeploymentGroup) Validate() error {
	if g.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidGroup)
	}
	if !groupNameRe.MatchString(g.Name) {
		return fmt.Errorf("%w: name %q must match %s", ErrInvalidGroup, g.Name, groupNameRe)
	}
	if g.Job.Name == "" || g.Job.Version == "" {
		return fmt.Errorf("%w: job name and version are required", ErrInvalidGroup)
	}
	if g.Options.Parallelism < 0 {
		return fmt.Errorf("%w: parallelism must not be negative", ErrInvalidGroup)
	}
	if g.Options.FailureThreshold < 0 {
		return fmt.Errorf("%w: failureThreshold must not be negative", ErrInvalidGroup)
	}
	if g.Options.MaxRetries != nil && *g.Options.MaxRetries < 0 {
		return fmt.Errorf("%w: maxRetries must not be negative", ErrInvalidGroup)
	}
	if g.Options.Timeout != "" {
		d, err := time.ParseDuration(g.Options.Timeout)
		if err != nil {
			return fmt.Errorf("%w: timeout: %v", ErrInvalidGroup, err)
		}
		if d <= 0 {
			return fmt.Errorf("%w: timeout must be positive", ErrInvalidGroup)
		}
	}
	for _, s := range g.HostSelectors {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidGroup, err)
		}
	}
	return nil
}
