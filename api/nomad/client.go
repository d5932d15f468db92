// Package nomad runs deployment group jobs on Nomad clients. Every host of
// a group gets its own service job pinned to that node, so a rollout can
// deploy, undeploy and check hosts one at a time.
package nomad

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	nomadapi "github.com/hashicorp/nomad/api"
)

type Client struct {
	api         *nomadapi.Client
	datacenters []string
	region      string
}

func NewClient(addr string, datacenters []string, region string) (*Client, error) {
	cfg := nomadapi.DefaultConfig()
	cfg.Address = addr
	if region != "" {
		cfg.Region = region
	}

	client, err := nomadapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("nomad client: %w", err)
	}
	if len(datacenters) == 0 {
		datacenters = []string{"dc1"}
	}
	if region == "" {
		region = "global"
	}
	return &Client{api: client, datacenters: datacenters, region: region}, nil
}

// Healthy checks connectivity to Nomad.
func (c *Client) Healthy() error {
	_, err := c.api.Agent().NodeName()
	return err
}

func (c *Client) query(ctx context.Context) *nomadapi.QueryOptions {
	return (&nomadapi.QueryOptions{}).WithContext(ctx)
}

func (c *Client) write(ctx context.Context) *nomadapi.WriteOptions {
	return (&nomadapi.WriteOptions{}).WithContext(ctx)
}

// isNotFound reports a 404 from the Nomad API. Older agents return the code
// only in the error text.
func isNotFound(err error) bool {
	var coded interface{ StatusCode() int }
	if errors.As(err, &coded) {
		return coded.StatusCode() == http.StatusNotFound
	}
	return err != nil && strings.Contains(err.Error(), "404")
}
