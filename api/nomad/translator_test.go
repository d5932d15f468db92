package nomad

import (
	"errors"
	"fmt"
	"testing"

	nomadapi "github.com/hashicorp/nomad/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skald/api/model"
	"skald/api/rollout"
)

var (
	_ rollout.HostActions = (*Client)(nil)
	_ rollout.Fleet       = (*Client)(nil)
)

func TestTranslate(t *testing.T) {
	job := Translate("node-a", model.JobRef{Name: "web", Version: "1.4.0"}, []string{"dc1"}, "global")

	require.NotNil(t, job.ID)
	assert.Equal(t, "skald-web-node-a", *job.ID)
	assert.Equal(t, "service", *job.Type)
	assert.Equal(t, []string{"dc1"}, job.Datacenters)

	require.Len(t, job.Constraints, 1)
	c := job.Constraints[0]
	assert.Equal(t, "${node.unique.name}", c.LTarget)
	assert.Equal(t, "=", c.Operand)
	assert.Equal(t, "node-a", c.RTarget)

	assert.Equal(t, "web", job.Meta[metaJob])
	assert.Equal(t, "1.4.0", job.Meta[metaVersion])
	assert.Equal(t, "node-a", job.Meta[metaHost])

	require.Len(t, job.TaskGroups, 1)
	tg := job.TaskGroups[0]
	assert.Equal(t, 1, *tg.Count)
	require.Len(t, tg.Tasks, 1)
	assert.Equal(t, "docker", tg.Tasks[0].Driver)
	assert.Equal(t, "web:1.4.0", tg.Tasks[0].Config["image"])
}

func TestTranslateExplicitImage(t *testing.T) {
	job := Translate("node-a", model.JobRef{Name: "web", Version: "2", Image: "ghcr.io/acme/web@sha256:abc"}, []string{"dc1"}, "global")
	assert.Equal(t, "ghcr.io/acme/web@sha256:abc", job.TaskGroups[0].Tasks[0].Config["image"])
}

func TestJobRefFromMeta(t *testing.T) {
	job := Translate("node-a", model.JobRef{Name: "web", Version: "3"}, nil, "global")
	ref, ok := jobRef(job.Meta)
	require.True(t, ok)
	assert.Equal(t, model.JobRef{Name: "web", Version: "3"}, ref)

	_, ok = jobRef(map[string]string{"owner": "someone-else"})
	assert.False(t, ok)
	assert.True(t, managed(*job.ID))
	assert.False(t, managed("traefik"))
}

func TestHostFromNode(t *testing.T) {
	h := hostFromNode(&nomadapi.Node{
		Name:       "node-a",
		Datacenter: "fra1",
		NodeClass:  "edge",
		Meta:       map[string]string{"role": "web"},
	})
	assert.Equal(t, "node-a", h.ID)
	assert.Equal(t, map[string]string{"role": "web", "datacenter": "fra1", "class": "edge"}, h.Labels)

	sel, err := model.ParseHostSelector("role=web")
	require.NoError(t, err)
	assert.True(t, h.Matches([]model.HostSelector{sel}))
}

type codedError int

func (e codedError) Error() string   { return fmt.Sprintf("Unexpected response code: %d", int(e)) }
func (e codedError) StatusCode() int { return int(e) }

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(codedError(404)))
	assert.True(t, isNotFound(fmt.Errorf("job info: %w", codedError(404))))
	assert.False(t, isNotFound(codedError(500)))
	assert.True(t, isNotFound(errors.New("Unexpected response code: 404 (job not found)")))
	assert.False(t, isNotFound(nil))
}
