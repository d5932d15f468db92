package model

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Host is one member of the fleet as seen at planning time.
type Host struct {
	ID     string            `json:"id"`
	Labels map[string]string `json:"labels,omitempty"`
	// Jobs are the skald-managed jobs currently placed on the host.
	Jobs []JobRef `json:"jobs,omitempty"`
}

// Matches reports whether the host satisfies every selector.
func (h Host) Matches(selectors []HostSelector) bool {
	for _, s := range selectors {
		if !s.Matches(h.Labels) {
			return false
		}
	}
	return true
}

// ParseDeploymentGroup decodes a YAML or JSON deployment group and validates it.
func ParseDeploymentGroup(data []byte) (DeploymentGroup, error) {
	var g DeploymentGroup
	if err := yaml.Unmarshal(data, &g); err != nil {
		return DeploymentGroup{}, fmt.Errorf("%w: %v", ErrInvalidGroup, err)
	}
	if err := g.Validate(); err != nil {
		return DeploymentGroup{}, err
	}
	return g, nil
}
