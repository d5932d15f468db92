package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotBeforeFirstPoll(t *testing.T) {
	p := &Poller{}
	p.Register("consul", true, func(context.Context) error { return nil })

	results, ok := p.Snapshot()
	require.Len(t, results, 1)
	assert.Equal(t, "unknown", results[0].Status)
	assert.True(t, ok)
}

func TestPollAllRecordsResults(t *testing.T) {
	p := &Poller{}
	p.Register("consul", true, func(context.Context) error { return nil })
	p.Register("s3", false, func(context.Context) error { return errors.New("connection refused") })

	p.PollAll(context.Background())

	results, ok := p.Snapshot()
	assert.True(t, ok, "only a non-critical dependency is down")
	require.Len(t, results, 2)
	assert.Equal(t, "consul", results[0].Name)
	assert.Equal(t, "up", results[0].Status)
	assert.Equal(t, "s3", results[1].Name)
	assert.Equal(t, "down", results[1].Status)
	assert.Equal(t, "connection refused", results[1].Details)
}

func TestCriticalFailureIsUnhealthy(t *testing.T) {
	p := &Poller{}
	p.Register("consul", true, func(context.Context) error { return errors.New("no leader") })
	p.PollAll(context.Background())

	_, ok := p.Snapshot()
	assert.False(t, ok)
}

func TestProbeTimeout(t *testing.T) {
	p := &Poller{Timeout: 10 * time.Millisecond}
	p.Register("nomad", false, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	p.PollAll(context.Background())

	results, _ := p.Snapshot()
	assert.Equal(t, "down", results[0].Status)
}

func TestRunStopsOnCancel(t *testing.T) {
	p := &Poller{Interval: time.Millisecond}
	calls := make(chan struct{}, 100)
	p.Register("etcd", true, func(context.Context) error {
		select {
		case calls <- struct{}{}:
		default:
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(calls) >= 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
