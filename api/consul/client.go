package consul

import (
	"fmt"
	"time"

	consulapi "github.com/hashicorp/consul/api"
)

// Client is a coord.Store backed by the Consul KV store.
type Client struct {
	api      *consulapi.Client
	waitTime time.Duration
}

func NewClient(addr string) (*Client, error) {
	cfg := consulapi.DefaultConfig()
	cfg.Address = addr

	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &Client{api: client, waitTime: 5 * time.Minute}, nil
}

// Healthy checks connectivity to Consul.
func (c *Client) Healthy() error {
	_, err := c.api.Status().Leader()
	return err
}
