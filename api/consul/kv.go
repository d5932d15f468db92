package consul

import (
	"context"
	"fmt"
	"sort"
	"strings"

	consulapi "github.com/hashicorp/consul/api"

	"skald/api/coord"
)

// Consul keys carry no leading slash.
func key(path string) string {
	return strings.Trim(path, "/")
}

func (c *Client) query(ctx context.Context) *consulapi.QueryOptions {
	return (&consulapi.QueryOptions{RequireConsistent: true}).WithContext(ctx)
}

func (c *Client) Get(ctx context.Context, path string) ([]byte, uint64, error) {
	pair, _, err := c.api.KV().Get(key(path), c.query(ctx))
	if err != nil {
		return nil, 0, fmt.Errorf("consul get %s: %w", path, err)
	}
	if pair == nil {
		return nil, 0, coord.ErrNotFound
	}
	return pair.Value, pair.ModifyIndex, nil
}

// CompareAndSet uses Consul's check-and-set on ModifyIndex. Index 0 is
// Consul's own create-only mode.
func (c *Client) CompareAndSet(ctx context.Context, path string, expected uint64, value []byte) error {
	pair := &consulapi.KVPair{Key: key(path), Value: value, ModifyIndex: expected}
	ok, _, err := c.api.KV().CAS(pair, (&consulapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return fmt.Errorf("consul cas %s: %w", path, err)
	}
	if ok {
		return nil
	}
	if expected == 0 {
		return coord.ErrConflict
	}
	// Consul does not say why a CAS failed.
	if _, _, err := c.Get(ctx, path); err != nil {
		return err
	}
	return coord.ErrConflict
}

func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	prefix := key(path) + "/"
	keys, _, err := c.api.KV().Keys(prefix, "/", c.query(ctx))
	if err != nil {
		return nil, fmt.Errorf("consul keys %s: %w", path, err)
	}
	seen := make(map[string]bool, len(keys))
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		name := strings.TrimSuffix(strings.TrimPrefix(k, prefix), "/")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *Client) Delete(ctx context.Context, path string) error {
	if _, err := c.api.KV().Delete(key(path), (&consulapi.WriteOptions{}).WithContext(ctx)); err != nil {
		return fmt.Errorf("consul delete %s: %w", path, err)
	}
	return nil
}

func (c *Client) DeleteTree(ctx context.Context, path string) error {
	w := (&consulapi.WriteOptions{}).WithContext(ctx)
	if _, err := c.api.KV().DeleteTree(key(path)+"/", w); err != nil {
		return fmt.Errorf("consul delete tree %s: %w", path, err)
	}
	return c.Delete(ctx, path)
}

// Watch runs a blocking query on the key prefix. Consul may return a
// blocking query early without a change; those wake-ups are swallowed.
func (c *Client) Watch(ctx context.Context, prefix string, index uint64) (uint64, error) {
	for {
		q := (&consulapi.QueryOptions{WaitIndex: index, WaitTime: c.waitTime}).WithContext(ctx)
		_, meta, err := c.api.KV().Keys(key(prefix), "", q)
		if err != nil {
			if ctx.Err() != nil {
				return index, ctx.Err()
			}
			return index, fmt.Errorf("consul watch %s: %w", prefix, err)
		}
		if index == 0 || meta.LastIndex != index {
			return meta.LastIndex, nil
		}
	}
}

var _ coord.Store = (*Client)(nil)
