package rollout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"skald/api/coord"
	"skald/api/metrics"
	"skald/api/model"
)

// errSuperseded aborts a task whose status changed after it started.
var errSuperseded = errors.New("rollout superseded")

func (c *Coordinator) execute(ctx context.Context, rec *coord.StatusRecord) (model.DeploymentGroupStatus, error) {
	st := rec.Status
	task, ok := st.CurrentTask()
	if !ok {
		return st, fmt.Errorf("%w: no task at index %d", model.ErrInvalidTransition, st.TaskIndex)
	}
	name := st.DeploymentGroup.Name
	log := c.log.With("group", name, "rollout", st.RolloutID, "task", st.TaskIndex)

	if task.Action != model.ActionUndeploy && st.HasFailed(task.Target) {
		return c.skip(ctx, rec, task)
	}

	tctx, cancel := c.fence(ctx, name, rec.StoreVersion)
	defer cancel()

	log.Debug("running task", "action", task.Action, "target", task.Target, "job", task.Job.ID())
	err := c.runTask(tctx, name, rec.StoreVersion, task, st.DeploymentGroup.Options)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return st, ctx.Err()
	case errors.Is(err, errSuperseded), tctx.Err() != nil:
		log.Info("task abandoned, status changed", "action", task.Action, "target", task.Target)
		metrics.TaskOutcomes.WithLabelValues(string(task.Action), "abandoned").Inc()
		return st, nil
	}

	var next model.DeploymentGroupStatus
	var events []model.DeploymentGroupEvent
	if err == nil {
		metrics.TaskOutcomes.WithLabelValues(string(task.Action), "succeeded").Inc()
		if next, err = st.TaskSucceeded(); err != nil {
			return st, err
		}
		events = append(events, model.NewEvent(next, model.EventTaskSucceeded, c.now()).WithTask(task))
	} else {
		metrics.TaskOutcomes.WithLabelValues(string(task.Action), "failed").Inc()
		msg := fmt.Sprintf("%s: %v", task, err)
		log.Warn("task failed", "action", task.Action, "target", task.Target, "error", err)
		if next, err = st.TaskFailed(task.Target, msg); err != nil {
			return st, err
		}
		events = append(events, model.NewEvent(next, model.EventTaskFailed, c.now()).WithTask(task).WithMessage(msg))
		if next.State == model.StateFailed {
			events = append(events, model.NewEvent(next, model.EventRolloutFailed, c.now()).WithMessage(next.Error))
		}
	}
	if next.State == model.StateDone {
		events = append(events, model.NewEvent(next, model.EventRolloutDone, c.now()))
	}

	committed, err := c.commit(ctx, rec, next, events)
	if err != nil || !committed {
		return st, err
	}
	if next.Terminal() {
		log.Info("rollout finished", "state", next.State, "failed_targets", next.FailedTargets)
	}
	return next, nil
}

// skip moves past a deploy or await on a host that already failed in this
// rollout. Undeploys still run.
func (c *Coordinator) skip(ctx context.Context, rec *coord.StatusRecord, task model.RolloutTask) (model.DeploymentGroupStatus, error) {
	st := rec.Status
	next, err := st.TaskSkipped()
	if err != nil {
		return st, err
	}
	metrics.TaskOutcomes.WithLabelValues(string(task.Action), "skipped").Inc()
	events := []model.DeploymentGroupEvent{
		model.NewEvent(next, model.EventTaskSkipped, c.now()).WithTask(task).WithMessage(task.Target + " already failed"),
	}
	if next.State == model.StateDone {
		events = append(events, model.NewEvent(next, model.EventRolloutDone, c.now()))
	}
	committed, err := c.commit(ctx, rec, next, events)
	if err != nil || !committed {
		return st, err
	}
	c.log.Debug("task skipped", "group", st.DeploymentGroup.Name, "action", task.Action, "target", task.Target)
	return next, nil
}

// fence returns a context that is cancelled as soon as the group's status
// moves past index, so in-flight work of a superseded rollout stops.
func (c *Coordinator) fence(ctx context.Context, name string, index uint64) (context.Context, context.CancelFunc) {
	tctx, cancel := context.WithCancel(ctx)
	go func() {
		for tctx.Err() == nil {
			_, err := c.groups.WatchStatus(tctx, name, index)
			if err == nil {
				cancel()
				return
			}
			t := time.NewTimer(c.retryInterval)
			select {
			case <-tctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}()
	return tctx, cancel
}

// current fails with errSuperseded unless the stored status is still the
// one the task started from.
func (c *Coordinator) current(ctx context.Context, name string, index uint64) error {
	rec, err := c.groups.ReadStatus(ctx, name)
	switch {
	case errors.Is(err, coord.ErrNotFound):
		return errSuperseded
	case err != nil:
		return err
	case rec.StoreVersion != index:
		return errSuperseded
	}
	return nil
}

func (c *Coordinator) runTask(ctx context.Context, name string, index uint64, task model.RolloutTask, opts model.RolloutOptions) error {
	if task.Action == model.ActionAwaitRunning {
		if err := c.current(ctx, name, index); err != nil {
			return err
		}
		return c.await(ctx, task, opts.StepTimeout())
	}

	log := c.log.With("group", name, "action", task.Action, "target", task.Target)
	attempt := 0
	op := func() error {
		attempt++
		if err := c.current(ctx, name, index); err != nil {
			if errors.Is(err, errSuperseded) {
				return backoff.Permanent(err)
			}
			return err
		}
		actx, cancel := context.WithTimeout(ctx, opts.StepTimeout())
		defer cancel()
		err := c.act(actx, task)
		if err != nil {
			log.Debug("host action failed", "attempt", attempt, "error", err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackoff(), uint64(opts.Retries())), ctx)
	return backoff.Retry(op, b)
}

func (c *Coordinator) act(ctx context.Context, task model.RolloutTask) error {
	switch task.Action {
	case model.ActionDeploy:
		return c.actions.Deploy(ctx, task.Target, task.Job)
	case model.ActionUndeploy:
		return c.actions.Undeploy(ctx, task.Target, task.Job)
	default:
		return fmt.Errorf("unknown action %q", task.Action)
	}
}

// await polls the host until the job runs or timeout passes.
func (c *Coordinator) await(ctx context.Context, task model.RolloutTask, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		running, err := c.actions.IsRunning(ctx, task.Target, task.Job)
		if err == nil && running {
			return nil
		}
		if err != nil {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if lastErr != nil {
				return fmt.Errorf("%s not running after %s: %w", task.Job.ID(), timeout, lastErr)
			}
			return fmt.Errorf("%s not running after %s", task.Job.ID(), timeout)
		case <-ticker.C:
		}
	}
}
