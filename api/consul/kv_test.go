package consul

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"skald/api/coord"
	"skald/api/coord/coordtest"
)

func getTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("SKALD_TEST_CONSUL_ADDR")
	if addr == "" {
		addr = "http://localhost:8500"
	}
	c, err := NewClient(addr)
	if err != nil {
		t.Skipf("skipping consul test (client): %v", err)
	}
	if err := c.Healthy(); err != nil {
		t.Skipf("skipping consul test (cannot connect): %v", err)
	}
	c.waitTime = 2 * time.Second
	return c
}

func TestKVContract(t *testing.T) {
	c := getTestClient(t)
	coordtest.Run(t, func(t *testing.T) (coord.Store, string) {
		root := fmt.Sprintf("/skald-test/%d", time.Now().UnixNano())
		t.Cleanup(func() { c.DeleteTree(context.Background(), root) })
		return c, root
	})
}

func TestKey(t *testing.T) {
	if got := key("/deployment-groups/web/status"); got != "deployment-groups/web/status" {
		t.Errorf("key = %q", got)
	}
}
