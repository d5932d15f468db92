package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"skald/api/history"
)

func getTestClient(t *testing.T) *Client {
	t.Helper()
	endpoint := os.Getenv("SKALD_TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("skipping S3 test (SKALD_TEST_S3_ENDPOINT not set)")
	}
	c, err := NewClient(Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("SKALD_TEST_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("SKALD_TEST_S3_SECRET_KEY"),
		Bucket:    fmt.Sprintf("skald-test-%d", time.Now().UnixNano()),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.EnsureBucket(ctx); err != nil {
		t.Skipf("skipping S3 test (cannot create bucket): %v", err)
	}
	return c
}

func TestObjectKey(t *testing.T) {
	got := ObjectKey(history.Message{Topic: history.DeploymentGroupTopic, Key: "web", Sequence: 1700000000000000001})
	want := "skald.deployment-group-events/web/01700000000000000001.json"
	if got != want {
		t.Errorf("ObjectKey = %q, want %q", got, want)
	}
}

func TestPublishArchivesEvent(t *testing.T) {
	c := getTestClient(t)
	ctx := context.Background()
	msg := history.Message{Topic: history.DeploymentGroupTopic, Key: "web", Sequence: 7, Payload: []byte(`{"version":7}`)}

	if err := c.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got, err := c.Get(ctx, ObjectKey(msg))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"version":7}` {
		t.Errorf("archived %q", got)
	}
}
