package rollout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"skald/api/coord"
	"skald/api/model"
)

var errDiskFull = errors.New("disk full")

type staticFleet struct {
	mu    sync.Mutex
	hosts []model.Host
}

func (f *staticFleet) Hosts(ctx context.Context) ([]model.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Host(nil), f.hosts...), nil
}

func (f *staticFleet) set(hosts []model.Host) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hosts = hosts
}

func webHosts(n int) []model.Host {
	hosts := make([]model.Host, n)
	for i := range hosts {
		hosts[i] = model.Host{ID: fmt.Sprintf("host-%d", i+1), Labels: map[string]string{"role": "web"}}
	}
	return hosts
}

type call struct {
	Action model.TaskAction
	Host   string
	Job    string
}

// fakeHost records host actions. A job runs on a host once deployed.
type fakeHost struct {
	mu       sync.Mutex
	calls    []call
	running  map[string]bool
	failHost map[string]bool
	// onDeploy, when set, runs before every deploy and may return an error.
	onDeploy func(host string, job model.JobRef) error
	// blockAwait makes IsRunning report false for these "host/name:version" keys.
	blockAwait map[string]bool
	polls      map[string]int
}

func newFakeHost() *fakeHost {
	return &fakeHost{running: map[string]bool{}, failHost: map[string]bool{}, blockAwait: map[string]bool{}, polls: map[string]int{}}
}

func (f *fakeHost) record(a model.TaskAction, host string, job model.JobRef) {
	f.calls = append(f.calls, call{Action: a, Host: host, Job: job.ID()})
}

func (f *fakeHost) Deploy(ctx context.Context, host string, job model.JobRef) error {
	f.mu.Lock()
	f.record(model.ActionDeploy, host, job)
	hook := f.onDeploy
	fail := f.failHost[host]
	f.mu.Unlock()

	if hook != nil {
		if err := hook(host, job); err != nil {
			return err
		}
	}
	if fail {
		return errors.New("allocation failed")
	}
	f.mu.Lock()
	f.running[host+"/"+job.ID()] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeHost) Undeploy(ctx context.Context, host string, job model.JobRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(model.ActionUndeploy, host, job)
	delete(f.running, host+"/"+job.ID())
	return nil
}

func (f *fakeHost) IsRunning(ctx context.Context, host string, job model.JobRef) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls[host]++
	if f.blockAwait[host+"/"+job.ID()] {
		return false, nil
	}
	return f.running[host+"/"+job.ID()], nil
}

func (f *fakeHost) pollCount(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls[host]
}

func (f *fakeHost) mutations() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeHost) count(action model.TaskAction, host, job string) int {
	n := 0
	for _, c := range f.mutations() {
		if c.Action == action && c.Host == host && c.Job == job {
			n++
		}
	}
	return n
}

type memSink struct {
	mu     sync.Mutex
	events []model.DeploymentGroupEvent
	err    error
}

func (s *memSink) SaveHistoryItem(ctx context.Context, e model.DeploymentGroupEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.events = append(s.events, e)
	return nil
}

func (s *memSink) types() []model.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

type harness struct {
	store  *coord.MemStore
	groups *coord.Groups
	fleet  *staticFleet
	host   *fakeHost
	sink   *memSink
	c      *Coordinator
}

func newHarness(t *testing.T, hosts []model.Host) *harness {
	t.Helper()
	h := &harness{
		store: coord.NewMemStore(),
		fleet: &staticFleet{hosts: hosts},
		host:  newFakeHost(),
		sink:  &memSink{},
	}
	h.groups = coord.NewGroups(h.store)
	h.c = h.newCoordinator()
	return h
}

func (h *harness) newCoordinator() *Coordinator {
	return New(Config{
		Groups:           h.groups,
		Fleet:            h.fleet,
		Actions:          h.host,
		Events:           h.sink,
		Logger:           hclog.NewNullLogger(),
		PollInterval:     5 * time.Millisecond,
		RetryInterval:    time.Millisecond,
		MaxRetryInterval: 5 * time.Millisecond,
	})
}

func webGroup(t *testing.T, version string, parallelism int, opts ...func(*model.RolloutOptions)) model.DeploymentGroup {
	t.Helper()
	retries := 2
	o := model.RolloutOptions{Parallelism: parallelism, Timeout: "200ms", MaxRetries: &retries}
	for _, fn := range opts {
		fn(&o)
	}
	g, err := model.NewDeploymentGroup("web", []string{"role=web"}, model.JobRef{Name: "web", Version: version}, o)
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	return g
}

// drive steps the group until it reaches a terminal state.
func (h *harness) drive(t *testing.T, name string) model.DeploymentGroupStatus {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		st, err := h.c.Step(ctx, name)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if st.Terminal() {
			return st
		}
	}
	t.Fatalf("group %s did not finish", name)
	return model.DeploymentGroupStatus{}
}
