// Package etcd implements coord.Store on etcd v3. Store versions are key
// mod revisions; watch indexes are cluster revisions.
package etcd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"skald/api/coord"
)

type Client struct {
	cli *clientv3.Client
}

func NewClient(endpoints []string, dialTimeout time.Duration) (*Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Healthy checks that the first endpoint answers a status request.
func (c *Client) Healthy(ctx context.Context) error {
	endpoints := c.cli.Endpoints()
	if len(endpoints) == 0 {
		return fmt.Errorf("etcd: no endpoints")
	}
	_, err := c.cli.Status(ctx, endpoints[0])
	return err
}

func (c *Client) Get(ctx context.Context, path string) ([]byte, uint64, error) {
	resp, err := c.cli.Get(ctx, path)
	if err != nil {
		return nil, 0, fmt.Errorf("etcd get %s: %w", path, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, coord.ErrNotFound
	}
	kv := resp.Kvs[0]
	return kv.Value, uint64(kv.ModRevision), nil
}

func (c *Client) CompareAndSet(ctx context.Context, path string, expected uint64, value []byte) error {
	cmp := clientv3.Compare(clientv3.ModRevision(path), "=", int64(expected))
	if expected == 0 {
		cmp = clientv3.Compare(clientv3.CreateRevision(path), "=", 0)
	}
	resp, err := c.cli.Txn(ctx).
		If(cmp).
		Then(clientv3.OpPut(path, string(value))).
		Else(clientv3.OpGet(path, clientv3.WithCountOnly())).
		Commit()
	if err != nil {
		return fmt.Errorf("etcd cas %s: %w", path, err)
	}
	if resp.Succeeded {
		return nil
	}
	if expected != 0 && len(resp.Responses) > 0 && resp.Responses[0].GetResponseRange().GetCount() == 0 {
		return coord.ErrNotFound
	}
	return coord.ErrConflict
}

func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	prefix := strings.TrimSuffix(path, "/") + "/"
	resp, err := c.cli.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("etcd children %s: %w", path, err)
	}
	seen := make(map[string]bool)
	var names []string
	for _, kv := range resp.Kvs {
		name := strings.SplitN(strings.TrimPrefix(string(kv.Key), prefix), "/", 2)[0]
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
	if _, err := c.cli.Delete(ctx, path); err != nil {
		return fmt.Errorf("etcd delete %s: %w", path, err)
	}
	return nil
}

func (c *Client) DeleteTree(ctx context.Context, path string) error {
	if _, err := c.cli.Delete(ctx, strings.TrimSuffix(path, "/")+"/", clientv3.WithPrefix()); err != nil {
		return fmt.Errorf("etcd delete tree %s: %w", path, err)
	}
	return c.Delete(ctx, path)
}

func (c *Client) Watch(ctx context.Context, prefix string, index uint64) (uint64, error) {
	if index == 0 {
		resp, err := c.cli.Get(ctx, prefix, clientv3.WithCountOnly())
		if err != nil {
			return 0, fmt.Errorf("etcd watch %s: %w", prefix, err)
		}
		return uint64(resp.Header.Revision), nil
	}

	wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	defer cancel()
	for wr := range c.cli.Watch(wctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(int64(index)+1)) {
		if err := wr.Err(); err != nil {
			return index, fmt.Errorf("etcd watch %s: %w", prefix, err)
		}
		if len(wr.Events) > 0 {
			return uint64(wr.Header.Revision), nil
		}
	}
	if ctx.Err() != nil {
		return index, ctx.Err()
	}
	return index, fmt.Errorf("etcd watch %s: channel closed", prefix)
}

var _ coord.Store = (*Client)(nil)
