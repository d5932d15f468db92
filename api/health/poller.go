// Package health probes the services skald depends on.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"skald/api/metrics"
)

// Probe reports whether a dependency is reachable.
type Probe func(ctx context.Context) error

// Result is the outcome of the latest probe of one dependency.
type Result struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"` // up, down, unknown
	Details   string    `json:"details,omitempty"`
	Critical  bool      `json:"critical"`
	CheckedAt time.Time `json:"checkedAt,omitempty"`
}

type check struct {
	probe    Probe
	critical bool
}

// Poller periodically runs registered probes and keeps their latest results.
type Poller struct {
	Interval time.Duration
	Timeout  time.Duration
	Logger   hclog.Logger

	mu      sync.RWMutex
	checks  map[string]check
	results map[string]Result
}

// Register adds a probe. A failing critical probe makes the process unhealthy;
// others only degrade it.
func (p *Poller) Register(name string, critical bool, probe Probe) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.checks == nil {
		p.checks = make(map[string]check)
		p.results = make(map[string]Result)
	}
	p.checks[name] = check{probe: probe, critical: critical}
	p.results[name] = Result{Name: name, Status: "unknown", Critical: critical}
}

// Run starts the polling loop. It blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	if p.Interval == 0 {
		p.Interval = 30 * time.Second
	}
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	// Run once immediately on start
	p.PollAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollAll(ctx)
		}
	}
}

// PollAll probes every dependency concurrently and waits for the results.
func (p *Poller) PollAll(ctx context.Context) {
	p.mu.RLock()
	checks := make(map[string]check, len(p.checks))
	for name, c := range p.checks {
		checks[name] = c
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for name, c := range checks {
		wg.Add(1)
		go func(name string, c check) {
			defer wg.Done()
			p.checkOne(ctx, name, c)
		}(name, c)
	}
	wg.Wait()
}

func (p *Poller) checkOne(ctx context.Context, name string, c check) {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := Result{Name: name, Status: "up", Critical: c.critical, CheckedAt: time.Now()}
	if err := c.probe(ctx); err != nil {
		res.Status = "down"
		res.Details = err.Error()
		metrics.DependencyUp.WithLabelValues(name).Set(0)
	} else {
		metrics.DependencyUp.WithLabelValues(name).Set(1)
	}

	p.mu.Lock()
	prev := p.results[name]
	p.results[name] = res
	p.mu.Unlock()

	if prev.Status != res.Status && p.Logger != nil {
		p.Logger.Named("health").Info("dependency status changed", "dependency", name, "from", prev.Status, "to", res.Status, "details", res.Details)
	}
}

// Snapshot returns the latest results sorted by name and whether every
// critical dependency is up.
func (p *Poller) Snapshot() ([]Result, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Result, 0, len(p.results))
	ok := true
	for _, r := range p.results {
		out = append(out, r)
		if r.Critical && r.Status == "down" {
			ok = false
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, ok
}
