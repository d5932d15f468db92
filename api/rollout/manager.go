package rollout

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"skald/api/coord"
	"skald/api/metrics"
	"skald/api/model"
	"skald/api/planner"
)

// FollowFleet re-plans a DONE group whose selectors now match a different
// set of hosts than its last plan deployed to. It reports whether a new
// rollout was started.
func (c *Coordinator) FollowFleet(ctx context.Context, name string) (bool, error) {
	rec, err := c.groups.ReadStatus(ctx, name)
	if err != nil {
		return false, err
	}
	st := rec.Status
	if st.State != model.StateDone {
		return false, nil
	}
	hosts, err := c.fleet.Hosts(ctx)
	if err != nil {
		return false, err
	}
	want := planner.Targets(st.DeploymentGroup, hosts)
	have := planner.PlannedTargets(st.RolloutTasks)
	if slices.Equal(want, have) {
		return false, nil
	}

	next := st.Replan(c.newID())
	e := model.NewEvent(next, model.EventRolloutStarted, c.now()).
		WithMessage("host set changed")
	committed, err := c.commit(ctx, rec, next, []model.DeploymentGroupEvent{e})
	if err != nil || !committed {
		return false, err
	}
	c.log.Info("fleet changed, re-planning", "group", name, "rollout", next.RolloutID, "hosts", len(want))
	return true, nil
}

// Manager runs one coordinator loop per deployment group found in the
// coordination store.
type Manager struct {
	coord  *Coordinator
	groups *coord.Groups
	log    hclog.Logger
	resync time.Duration
	// settle is how long Run lets a burst of store writes accumulate after
	// a watch wakes before it syncs.
	settle time.Duration

	mu      sync.Mutex
	loops   map[string]*loop
	wg      sync.WaitGroup
	fatal   error
	stopAll context.CancelFunc
}

type loop struct {
	cancel context.CancelFunc
}

func NewManager(c *Coordinator, resync time.Duration, logger hclog.Logger) *Manager {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if resync <= 0 {
		resync = time.Minute
	}
	return &Manager{
		coord:  c,
		groups: c.groups,
		log:    logger.Named("manager"),
		resync: resync,
		settle: 250 * time.Millisecond,
		loops:  make(map[string]*loop),
	}
}

// Run watches the groups root until ctx ends. Changes start loops for new
// groups; every resync interval also re-plans groups whose fleet moved.
// It returns the first fatal error of any group loop.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.stopAll = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.wg.Wait()
	}()

	m.log.Info("rollout manager started", "resync", m.resync)
	var index uint64
	lastResync := time.Now()
	m.sync(ctx, true)
	for {
		wctx, wcancel := context.WithTimeout(ctx, m.resync)
		next, err := m.groups.WatchAll(wctx, index)
		wcancel()

		if ctx.Err() != nil {
			return m.err()
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			m.log.Warn("watching deployment groups failed", "error", err)
			select {
			case <-ctx.Done():
				return m.err()
			case <-time.After(time.Second):
			}
		}
		if err == nil {
			index = next
			select {
			case <-ctx.Done():
				return m.err()
			case <-time.After(m.settle):
			}
		}

		replan := time.Since(lastResync) >= m.resync
		if replan {
			lastResync = time.Now()
		}
		m.sync(ctx, replan)
	}
}

func (m *Manager) err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatal
}

// Running returns the names of groups with a live loop.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.loops))
	for name := range m.loops {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (m *Manager) sync(ctx context.Context, replan bool) {
	names, err := m.groups.List(ctx)
	if err != nil {
		m.log.Warn("listing deployment groups failed", "error", err)
		return
	}
	listed := make(map[string]bool, len(names))
	for _, name := range names {
		listed[name] = true
		if !replan && m.running(name) {
			continue
		}
		rec, err := m.groups.ReadStatus(ctx, name)
		if errors.Is(err, coord.ErrNotFound) {
			continue
		}
		if err != nil {
			m.log.Warn("reading status failed", "group", name, "error", err)
			continue
		}
		m.ensure(ctx, name)
		if replan && rec.Status.State == model.StateDone {
			if _, err := m.coord.FollowFleet(ctx, name); err != nil {
				m.log.Warn("fleet follow failed", "group", name, "error", err)
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, l := range m.loops {
		if !listed[name] {
			l.cancel()
		}
	}
}

func (m *Manager) running(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.loops[name]
	return ok
}

func (m *Manager) ensure(ctx context.Context, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loops[name]; ok {
		return
	}
	lctx, cancel := context.WithCancel(ctx)
	l := &loop{cancel: cancel}
	m.loops[name] = l
	metrics.ActiveGroups.Inc()
	m.log.Debug("starting rollout loop", "group", name)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.coord.Run(lctx, name)
		cancel()

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.loops[name] == l {
			delete(m.loops, name)
			metrics.ActiveGroups.Dec()
		}
		if err != nil && m.fatal == nil {
			m.fatal = err
			m.log.Error("rollout loop failed", "group", name, "error", err)
			if m.stopAll != nil {
				m.stopAll()
			}
		}
	}()
}
