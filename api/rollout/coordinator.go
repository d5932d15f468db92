// Package rollout drives deployment group rollouts. A Coordinator owns the
// status of each group in the coordination store and moves it through
// PLANNING_ROLLOUT, ROLLING_OUT and a terminal DONE or FAILED state, one
// compare-and-set per transition.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"skald/api/auth"
	"skald/api/coord"
	"skald/api/metrics"
	"skald/api/model"
	"skald/api/planner"
)

// ErrEventSink wraps failures to persist history. The coordinator cannot
// keep its no-loss guarantee past one, so Run stops.
var ErrEventSink = errors.New("history sink failed")

// HostActions performs job changes on individual hosts.
type HostActions interface {
	Deploy(ctx context.Context, host string, job model.JobRef) error
	Undeploy(ctx context.Context, host string, job model.JobRef) error
	IsRunning(ctx context.Context, host string, job model.JobRef) (bool, error)
}

// Fleet lists the hosts a rollout can be planned against.
type Fleet interface {
	Hosts(ctx context.Context) ([]model.Host, error)
}

// EventSink durably records history events.
type EventSink interface {
	SaveHistoryItem(ctx context.Context, e model.DeploymentGroupEvent) error
}

type Config struct {
	Groups  *coord.Groups
	Fleet   Fleet
	Actions HostActions
	Events  EventSink
	Logger  hclog.Logger

	// PollInterval is how often AWAIT_RUNNING checks a host.
	PollInterval time.Duration
	// RetryInterval is the first backoff between attempts of a failed
	// host action or store operation.
	RetryInterval time.Duration
	MaxRetryInterval time.Duration
}

type Coordinator struct {
	groups  *coord.Groups
	fleet   Fleet
	actions HostActions
	events  EventSink
	log     hclog.Logger

	pollInterval     time.Duration
	retryInterval    time.Duration
	maxRetryInterval time.Duration

	now   func() time.Time
	newID func() string
}

func New(cfg Config) *Coordinator {
	c := &Coordinator{
		groups:           cfg.Groups,
		fleet:            cfg.Fleet,
		actions:          cfg.Actions,
		events:           cfg.Events,
		log:              cfg.Logger,
		pollInterval:     cfg.PollInterval,
		retryInterval:    cfg.RetryInterval,
		maxRetryInterval: cfg.MaxRetryInterval,
		now:              time.Now,
		newID:            uuid.NewString,
	}
	if c.log == nil {
		c.log = hclog.NewNullLogger()
	}
	c.log = c.log.Named("coordinator")
	if c.pollInterval <= 0 {
		c.pollInterval = 2 * time.Second
	}
	if c.retryInterval <= 0 {
		c.retryInterval = time.Second
	}
	if c.maxRetryInterval <= 0 {
		c.maxRetryInterval = 30 * time.Second
	}
	return c
}

// SubmitSpec starts a new rollout lineage for group, superseding whatever
// rollout is current. The returned status is the committed PLANNING_ROLLOUT
// status.
func (c *Coordinator) SubmitSpec(ctx context.Context, group model.DeploymentGroup) (model.DeploymentGroupStatus, error) {
	if err := group.Validate(); err != nil {
		return model.DeploymentGroupStatus{}, err
	}
	actor := auth.FromContext(ctx).Subject
	for {
		rec, err := c.groups.ReadStatus(ctx, group.Name)
		if err != nil && !errors.Is(err, coord.ErrNotFound) {
			return model.DeploymentGroupStatus{}, fmt.Errorf("read status of %s: %w", group.Name, err)
		}

		var prev *model.DeploymentGroupStatus
		if rec != nil {
			prev = &rec.Status
		}
		next := model.NewPlanningStatus(group, c.newID(), prev)

		var events []model.DeploymentGroupEvent
		if prev != nil && !prev.Terminal() {
			events = append(events, model.NewEvent(*prev, model.EventRolloutSuperseded, c.now()).
				WithMessage("superseded by rollout "+next.RolloutID).WithActor(actor))
		}
		events = append(events, model.NewEvent(next, model.EventRolloutStarted, c.now()).
			WithMessage("deploying "+group.Job.ID()).WithActor(actor))

		committed, err := c.commit(ctx, rec, next, events)
		if err != nil {
			return model.DeploymentGroupStatus{}, err
		}
		if committed {
			c.log.Info("rollout submitted", "group", group.Name, "rollout", next.RolloutID, "job", group.Job.ID(), "version", next.Version, "by", actor)
			return next, nil
		}
	}
}

// GetStatus returns the group's current status or coord.ErrNotFound.
func (c *Coordinator) GetStatus(ctx context.Context, name string) (model.DeploymentGroupStatus, error) {
	rec, err := c.groups.ReadStatus(ctx, name)
	if err != nil {
		return model.DeploymentGroupStatus{}, err
	}
	return rec.Status, nil
}

func (c *Coordinator) History(ctx context.Context, name string) ([]model.DeploymentGroupEvent, error) {
	return c.groups.History(ctx, name)
}

// DeleteGroup removes the group's status, which stops its rollout loop.
// History is kept unless purge is set.
func (c *Coordinator) DeleteGroup(ctx context.Context, name string, purge bool) error {
	rec, err := c.groups.ReadStatus(ctx, name)
	if err != nil {
		return err
	}
	if purge {
		err = c.groups.Delete(ctx, name)
	} else {
		err = c.groups.DeleteStatus(ctx, name)
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	actor := auth.FromContext(ctx).Subject
	c.log.Info("deployment group deleted", "group", name, "purge", purge, "by", actor)
	if purge {
		return nil
	}
	return c.record(ctx, model.NewEvent(rec.Status, model.EventGroupDeleted, c.now()).WithActor(actor))
}

// Step performs at most one transition of the group's rollout and returns
// the status it left behind. Losing a compare-and-set race is not an
// error; the caller sees the status it read and steps again.
func (c *Coordinator) Step(ctx context.Context, name string) (model.DeploymentGroupStatus, error) {
	rec, err := c.groups.ReadStatus(ctx, name)
	if err != nil {
		return model.DeploymentGroupStatus{}, err
	}
	return c.step(ctx, rec)
}

func (c *Coordinator) step(ctx context.Context, rec *coord.StatusRecord) (model.DeploymentGroupStatus, error) {
	switch rec.Status.State {
	case model.StatePlanningRollout:
		return c.plan(ctx, rec)
	case model.StateRollingOut:
		return c.execute(ctx, rec)
	default:
		return rec.Status, nil
	}
}

func (c *Coordinator) plan(ctx context.Context, rec *coord.StatusRecord) (model.DeploymentGroupStatus, error) {
	st := rec.Status
	group := st.DeploymentGroup

	hosts, err := c.fleet.Hosts(ctx)
	if err != nil {
		return st, fmt.Errorf("list fleet for %s: %w", group.Name, err)
	}

	tasks, err := planner.Plan(group, hosts)
	var next model.DeploymentGroupStatus
	var events []model.DeploymentGroupEvent
	var noHosts *planner.NoEligibleHostsError
	switch {
	case errors.As(err, &noHosts) && group.Options.AllowNoHosts:
		next, err = st.Planned(noHosts.Undeploys)
		if err != nil {
			return st, err
		}
		msg := "no eligible hosts"
		if n := len(noHosts.Undeploys); n > 0 {
			msg = fmt.Sprintf("no eligible hosts, %d undeploys", n)
		}
		events = append(events, model.NewEvent(next, model.EventRolloutPlanned, c.now()).WithMessage(msg))
		if next.State == model.StateDone {
			events = append(events, model.NewEvent(next, model.EventRolloutDone, c.now()))
		}
	case err != nil:
		msg := err.Error()
		next, err = st.PlanningFailed(msg)
		if err != nil {
			return st, err
		}
		events = append(events, model.NewEvent(next, model.EventPlanningFailed, c.now()).WithMessage(msg))
	default:
		next, err = st.Planned(tasks)
		if err != nil {
			return st, err
		}
		events = append(events, model.NewEvent(next, model.EventRolloutPlanned, c.now()).
			WithMessage(fmt.Sprintf("%d tasks on %d hosts", len(tasks), len(planner.PlannedTargets(tasks)))))
	}

	committed, err := c.commit(ctx, rec, next, events)
	if err != nil || !committed {
		return st, err
	}
	c.log.Info("rollout planned", "group", group.Name, "rollout", next.RolloutID, "state", next.State, "tasks", len(next.RolloutTasks))
	return next, nil
}

// commit writes next over rec and then records events. It reports false
// without error when another writer moved the status first.
func (c *Coordinator) commit(ctx context.Context, rec *coord.StatusRecord, next model.DeploymentGroupStatus, events []model.DeploymentGroupEvent) (bool, error) {
	err := c.groups.UpdateStatus(ctx, rec, next)
	switch {
	case errors.Is(err, coord.ErrConflict), errors.Is(err, coord.ErrNotFound):
		metrics.StatusConflicts.Inc()
		c.log.Debug("status moved under us, re-reading", "group", next.DeploymentGroup.Name, "version", next.Version)
		return false, nil
	case err != nil:
		return false, fmt.Errorf("write status of %s: %w", next.DeploymentGroup.Name, err)
	}
	metrics.RolloutTransitions.WithLabelValues(string(next.State)).Inc()
	return true, c.record(ctx, events...)
}

// record saves events for a transition that is already committed. The
// caller's cancellation does not apply past that point.
func (c *Coordinator) record(ctx context.Context, events ...model.DeploymentGroupEvent) error {
	ctx = context.WithoutCancel(ctx)
	for _, e := range events {
		if err := c.events.SaveHistoryItem(ctx, e); err != nil {
			return fmt.Errorf("%w: %v", ErrEventSink, err)
		}
	}
	return nil
}

// Run drives the named group until its status is deleted or ctx ends. It
// returns an error only when history can no longer be recorded.
func (c *Coordinator) Run(ctx context.Context, name string) error {
	log := c.log.With("group", name)
	b := c.newBackoff()
	for {
		rec, err := c.groups.ReadStatus(ctx, name)
		switch {
		case errors.Is(err, coord.ErrNotFound):
			log.Debug("status gone, stopping")
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			if !c.pause(ctx, log, b, err) {
				return nil
			}
			continue
		}

		if rec.Status.Terminal() {
			if _, err := c.groups.WatchStatus(ctx, name, rec.StoreVersion); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if !c.pause(ctx, log, b, err) {
					return nil
				}
			}
			continue
		}

		if _, err := c.step(ctx, rec); err != nil {
			if errors.Is(err, ErrEventSink) {
				log.Error("stopping rollout loop", "error", err)
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			if !c.pause(ctx, log, b, err) {
				return nil
			}
			continue
		}
		b.Reset()
	}
}

// pause waits out one backoff interval after a transient error. It returns
// false when ctx ended first.
func (c *Coordinator) pause(ctx context.Context, log hclog.Logger, b backoff.BackOff, cause error) bool {
	delay := b.NextBackOff()
	log.Warn("rollout step failed, retrying", "delay", delay, "error", cause)
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Coordinator) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	b.MaxInterval = c.maxRetryInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
