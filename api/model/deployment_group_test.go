package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHostSelector(t *testing.T) {
	tests := []struct {
		expr    string
		want    HostSelector
		wantErr bool
	}{
		{expr: "role=web", want: HostSelector{Label: "role", Operator: OpEquals, Operands: []string{"web"}}},
		{expr: " env != prod ", want: HostSelector{Label: "env", Operator: OpNotEquals, Operands: []string{"prod"}}},
		{expr: "zone in (a, b)", want: HostSelector{Label: "zone", Operator: OpIn, Operands: []string{"a", "b"}}},
		{expr: "zone notin (c)", want: HostSelector{Label: "zone", Operator: OpNotIn, Operands: []string{"c"}}},
		{expr: "role", wantErr: true},
		{expr: "=web", wantErr: true},
		{expr: "role=", wantErr: true},
		{expr: "zone in ()", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := ParseHostSelector(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHostSelectorMatches(t *testing.T) {
	labels := map[string]string{"role": "web", "zone": "a"}
	tests := []struct {
		expr string
		want bool
	}{
		{"role=web", true},
		{"role=db", false},
		{"role!=db", true},
		{"env!=prod", true},
		{"zone in (a, b)", true},
		{"zone in (c)", false},
		{"zone notin (c)", true},
		{"env in (prod)", false},
		{"env notin (prod)", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			sel, err := ParseHostSelector(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sel.Matches(labels))
		})
	}
}

func TestNewDeploymentGroup(t *testing.T) {
	g, err := NewDeploymentGroup("web", []string{"role=web"}, JobRef{Name: "web", Version: "1"}, RolloutOptions{Parallelism: 2})
	require.NoError(t, err)
	assert.Len(t, g.HostSelectors, 1)
	assert.Equal(t, 2, g.Options.BatchSize())
	assert.Equal(t, DefaultStepTimeout, g.Options.StepTimeout())
	assert.Equal(t, DefaultMaxRetries, g.Options.Retries())

	_, err = NewDeploymentGroup("web", []string{"role"}, JobRef{Name: "web", Version: "1"}, RolloutOptions{})
	assert.True(t, errors.Is(err, ErrInvalidGroup))
}

func TestDeploymentGroupValidate(t *testing.T) {
	negative := -1
	tests := []struct {
		name  string
		group DeploymentGroup
	}{
		{"missing name", DeploymentGroup{Job: JobRef{Name: "a", Version: "1"}}},
		{"bad name", DeploymentGroup{Name: "Web_1", Job: JobRef{Name: "a", Version: "1"}}},
		{"missing version", DeploymentGroup{Name: "web", Job: JobRef{Name: "a"}}},
		{"negative parallelism", DeploymentGroup{Name: "web", Job: JobRef{Name: "a", Version: "1"}, Options: RolloutOptions{Parallelism: -1}}},
		{"negative retries", DeploymentGroup{Name: "web", Job: JobRef{Name: "a", Version: "1"}, Options: RolloutOptions{MaxRetries: &negative}}},
		{"bad timeout", DeploymentGroup{Name: "web", Job: JobRef{Name: "a", Version: "1"}, Options: RolloutOptions{Timeout: "soon"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.Is(tt.group.Validate(), ErrInvalidGroup))
		})
	}
}

func TestParseDeploymentGroupYAML(t *testing.T) {
	data := []byte(`
name: web
hostSelectors:
  - role=web
  - label: zone
    operator: in
    operands: [a, b]
job:
  name: web
  version: "42"
  image: registry.local/web:42
rolloutOptions:
  parallelism: 2
  timeout: 30s
  maxRetries: 0
  failureThreshold: 1
`)
	g, err := ParseDeploymentGroup(data)
	require.NoError(t, err)
	assert.Equal(t, "web", g.Name)
	require.Len(t, g.HostSelectors, 2)
	assert.Equal(t, OpEquals, g.HostSelectors[0].Operator)
	assert.Equal(t, OpIn, g.HostSelectors[1].Operator)
	assert.Equal(t, "42", g.Job.Version)
	assert.Equal(t, 30*time.Second, g.Options.StepTimeout())
	assert.Equal(t, 0, g.Options.Retries())
	assert.Equal(t, 1, g.Options.FailureThreshold)
}

func TestParseDeploymentGroupJSON(t *testing.T) {
	g, err := ParseDeploymentGroup([]byte(`{"name":"api","hostSelectors":["env!=prod"],"job":{"name":"api","version":"7"}}`))
	require.NoError(t, err)
	require.Len(t, g.HostSelectors, 1)
	assert.Equal(t, OpNotEquals, g.HostSelectors[0].Operator)

	_, err = ParseDeploymentGroup([]byte(`{"name":"api","job":{"name":"api"}}`))
	assert.True(t, errors.Is(err, ErrInvalidGroup))
}
