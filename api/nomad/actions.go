package nomad

import (
	"context"
	"fmt"

	nomadapi "github.com/hashicorp/nomad/api"

	"skald/api/model"
)

// Deploy registers the host's job at the given version.
func (c *Client) Deploy(ctx context.Context, host string, job model.JobRef) error {
	nj := Translate(host, job, c.datacenters, c.region)
	if _, _, err := c.api.Jobs().Register(nj, c.write(ctx)); err != nil {
		return fmt.Errorf("register %s: %w", *nj.ID, err)
	}
	return nil
}

// Undeploy stops the host's job if it still runs the given version. A job
// that is gone or already runs another version is left alone.
func (c *Client) Undeploy(ctx context.Context, host string, job model.JobRef) error {
	id := JobID(host, job.Name)
	current, err := c.registered(ctx, id)
	if err != nil {
		return err
	}
	if current == nil || current.Meta[metaVersion] != job.Version {
		return nil
	}
	if _, _, err := c.api.Jobs().Deregister(id, false, c.write(ctx)); err != nil {
		return fmt.Errorf("deregister %s: %w", id, err)
	}
	return nil
}

// IsRunning reports whether the host's job runs the given version with a
// healthy allocation of the current job version.
func (c *Client) IsRunning(ctx context.Context, host string, job model.JobRef) (bool, error) {
	id := JobID(host, job.Name)
	current, err := c.registered(ctx, id)
	if err != nil || current == nil {
		return false, err
	}
	if current.Meta[metaVersion] != job.Version || current.Version == nil {
		return false, nil
	}

	allocs, _, err := c.api.Jobs().Allocations(id, false, c.query(ctx))
	if err != nil {
		return false, fmt.Errorf("allocations of %s: %w", id, err)
	}
	for _, a := range allocs {
		if a.JobVersion != *current.Version || a.ClientStatus != "running" {
			continue
		}
		if a.DeploymentStatus != nil && a.DeploymentStatus.Healthy != nil && *a.DeploymentStatus.Healthy {
			return true, nil
		}
	}
	return false, nil
}

// registered returns the job, or nil when it does not exist or is stopped.
func (c *Client) registered(ctx context.Context, id string) (*nomadapi.Job, error) {
	job, _, err := c.api.Jobs().Info(id, c.query(ctx))
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("job info %s: %w", id, err)
	}
	if job.Stop != nil && *job.Stop {
		return nil, nil
	}
	return job, nil
}
