package rollout

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skald/api/coord"
	"skald/api/model"
)

// countingStore counts reads and child listings per path.
type countingStore struct {
	coord.Store
	mu       sync.Mutex
	gets     map[string]int
	children map[string]int
}

func newCountingStore(s coord.Store) *countingStore {
	return &countingStore{Store: s, gets: map[string]int{}, children: map[string]int{}}
}

func (s *countingStore) Get(ctx context.Context, path string) ([]byte, uint64, error) {
	s.mu.Lock()
	s.gets[path]++
	s.mu.Unlock()
	return s.Store.Get(ctx, path)
}

func (s *countingStore) Children(ctx context.Context, path string) ([]string, error) {
	s.mu.Lock()
	s.children[path]++
	s.mu.Unlock()
	return s.Store.Children(ctx, path)
}

func (s *countingStore) counts(get, list string) (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets[get], s.children[list]
}

func TestManagerDrivesGroupsAndFollowsFleet(t *testing.T) {
	h := newHarness(t, webHosts(2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(h.c, 50*time.Millisecond, hclog.NewNullLogger())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	_, err := h.c.SubmitSpec(ctx, webGroup(t, "1", 1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := h.c.GetStatus(ctx, "web")
		return err == nil && st.State == model.StateDone && st.SuccessfulIterations == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"web"}, m.Running())

	h.fleet.set(webHosts(3))
	require.Eventually(t, func() bool {
		st, err := h.c.GetStatus(ctx, "web")
		return err == nil && st.State == model.StateDone && st.SuccessfulIterations == 2
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.host.count(model.ActionDeploy, "host-3", "web:1"))

	require.NoError(t, h.c.DeleteGroup(ctx, "web", true))
	require.Eventually(t, func() bool {
		return len(m.Running()) == 0
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestManagerStopsOnHistoryFailure(t *testing.T) {
	h := newHarness(t, webHosts(1))
	ctx := context.Background()

	_, err := h.c.SubmitSpec(ctx, webGroup(t, "1", 1))
	require.NoError(t, err)
	h.sink.mu.Lock()
	h.sink.err = errDiskFull
	h.sink.mu.Unlock()

	m := NewManager(h.c, time.Second, nil)
	err = m.Run(ctx)
	assert.ErrorIs(t, err, ErrEventSink)
}

func TestManagerIgnoresHistoryWritesForRunningGroups(t *testing.T) {
	h := newHarness(t, webHosts(1))
	store := newCountingStore(h.store)
	h.groups = coord.NewGroups(store)
	h.c = h.newCoordinator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := h.c.SubmitSpec(ctx, webGroup(t, "1", 1))
	require.NoError(t, err)
	h.drive(t, "web")

	m := NewManager(h.c, time.Hour, nil)
	m.settle = 20 * time.Millisecond
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	status, root := coord.StatusPath("web"), coord.GroupsRoot()
	require.Eventually(t, func() bool {
		_, lists := store.counts(status, root)
		return lists >= 1 && len(m.Running()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	gets, lists := store.counts(status, root)

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("%s/%020d", coord.HistoryPath("web"), 1000+i)
		require.NoError(t, h.store.CompareAndSet(ctx, key, 0, []byte("{}")))
	}
	require.Eventually(t, func() bool {
		_, n := store.counts(status, root)
		return n > lists
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	afterGets, afterLists := store.counts(status, root)
	assert.Equal(t, gets, afterGets, "a running DONE group is not re-read")
	assert.Less(t, afterLists-lists, 20, "writes in a burst share one sync")

	cancel()
	assert.NoError(t, <-done)
}
