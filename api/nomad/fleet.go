package nomad

import (
	"context"
	"fmt"

	nomadapi "github.com/hashicorp/nomad/api"

	"skald/api/model"
)

// Hosts lists ready, eligible Nomad nodes as rollout hosts. A host's labels
// are its node meta plus datacenter and class; its jobs are the skald jobs
// pinned to it.
func (c *Client) Hosts(ctx context.Context) ([]model.Host, error) {
	stubs, _, err := c.api.Nodes().List(c.query(ctx))
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	jobs, err := c.managedJobs(ctx)
	if err != nil {
		return nil, err
	}

	var hosts []model.Host
	for _, stub := range stubs {
		if stub.Status != "ready" || stub.SchedulingEligibility != "eligible" {
			continue
		}
		node, _, err := c.api.Nodes().Info(stub.ID, c.query(ctx))
		if err != nil {
			return nil, fmt.Errorf("node info %s: %w", stub.ID, err)
		}
		h := hostFromNode(node)
		h.Jobs = jobs[h.ID]
		hosts = append(hosts, h)
	}
	return hosts, nil
}

func hostFromNode(node *nomadapi.Node) model.Host {
	labels := make(map[string]string, len(node.Meta)+2)
	for k, v := range node.Meta {
		labels[k] = v
	}
	labels["datacenter"] = node.Datacenter
	if node.NodeClass != "" {
		labels["class"] = node.NodeClass
	}
	return model.Host{ID: node.Name, Labels: labels}
}

// managedJobs maps host names to the skald jobs registered for them.
func (c *Client) managedJobs(ctx context.Context) (map[string][]model.JobRef, error) {
	q := c.query(ctx)
	q.Prefix = jobPrefix
	stubs, _, err := c.api.Jobs().List(q)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make(map[string][]model.JobRef)
	for _, stub := range stubs {
		if !managed(stub.ID) || stub.Stop {
			continue
		}
		job, err := c.registered(ctx, stub.ID)
		if err != nil {
			return nil, err
		}
		if job == nil {
			continue
		}
		ref, ok := jobRef(job.Meta)
		host := job.Meta[metaHost]
		if !ok || host == "" {
			continue
		}
		out[host] = append(out[host], ref)
	}
	return out, nil
}
