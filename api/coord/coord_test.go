package coord_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skald/api/coord"
	"skald/api/coord/coordtest"
	"skald/api/model"
)

func TestMemStoreContract(t *testing.T) {
	coordtest.Run(t, func(t *testing.T) (coord.Store, string) {
		return coord.NewMemStore(), "/test"
	})
}

func TestMemStoreFaultInjection(t *testing.T) {
	s := coord.NewMemStore()
	boom := errors.New("unavailable")
	s.InjectFault(func(op, path string) error {
		if op == "cas" {
			return boom
		}
		return nil
	})
	err := s.CompareAndSet(context.Background(), "/x", 0, []byte("1"))
	assert.True(t, errors.Is(err, boom))

	s.InjectFault(nil)
	assert.NoError(t, s.CompareAndSet(context.Background(), "/x", 0, []byte("1")))
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "/deployment-groups/web/status", coord.StatusPath("web"))
	assert.Equal(t, "/deployment-groups/web/history/00000000000000000042", coord.HistoryEventPath("web", coord.FormatSequence(42)))
	seq, err := coord.ParseSequence(coord.FormatSequence(42))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), seq)
	assert.Less(t, coord.FormatSequence(9), coord.FormatSequence(10))
}

func newStatus(t *testing.T) model.DeploymentGroupStatus {
	t.Helper()
	g, err := model.NewDeploymentGroup("web", []string{"role=web"}, model.JobRef{Name: "web", Version: "1"}, model.RolloutOptions{})
	require.NoError(t, err)
	return model.NewPlanningStatus(g, "r1", nil)
}

func TestGroupsStatusVersioning(t *testing.T) {
	ctx := context.Background()
	groups := coord.NewGroups(coord.NewMemStore())

	_, err := groups.ReadStatus(ctx, "web")
	assert.True(t, errors.Is(err, coord.ErrNotFound))

	initial := newStatus(t)
	require.NoError(t, groups.UpdateStatus(ctx, nil, initial))
	err = groups.UpdateStatus(ctx, nil, initial)
	assert.True(t, errors.Is(err, coord.ErrConflict), "second create must conflict")

	rec, err := groups.ReadStatus(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Status.Version)

	planned, err := rec.Status.Planned([]model.RolloutTask{{Action: model.ActionDeploy, Target: "h1", Job: initial.DeploymentGroup.Job}})
	require.NoError(t, err)
	require.NoError(t, groups.UpdateStatus(ctx, rec, planned))

	// rec is now stale: its mutation must be rejected and not applied.
	failed, err := rec.Status.PlanningFailed("late")
	require.NoError(t, err)
	err = groups.UpdateStatus(ctx, rec, failed)
	assert.True(t, errors.Is(err, coord.ErrConflict), "got %v", err)

	latest, err := groups.ReadStatus(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, model.StateRollingOut, latest.Status.State)
	assert.Equal(t, int64(2), latest.Status.Version)
}

func TestGroupsRejectsVersionSkips(t *testing.T) {
	ctx := context.Background()
	groups := coord.NewGroups(coord.NewMemStore())
	require.NoError(t, groups.UpdateStatus(ctx, nil, newStatus(t)))
	rec, err := groups.ReadStatus(ctx, "web")
	require.NoError(t, err)

	skip := rec.Status
	skip.Version += 2
	assert.Error(t, groups.UpdateStatus(ctx, rec, skip))

	invalid := rec.Status
	invalid.Version++
	invalid.State = model.StateFailed
	assert.Error(t, groups.UpdateStatus(ctx, rec, invalid), "FAILED without error is invalid")
}

func TestGroupsListHistoryDelete(t *testing.T) {
	ctx := context.Background()
	store := coord.NewMemStore()
	groups := coord.NewGroups(store)

	names, err := groups.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, groups.UpdateStatus(ctx, nil, newStatus(t)))
	require.NoError(t, store.CompareAndSet(ctx, coord.HistoryEventPath("web", coord.FormatSequence(2)), 0,
		[]byte(`{"deploymentGroup":"web","type":"task.succeeded"}`)))
	require.NoError(t, store.CompareAndSet(ctx, coord.HistoryEventPath("web", coord.FormatSequence(1)), 0,
		[]byte(`{"deploymentGroup":"web","type":"rollout.started"}`)))

	names, err = groups.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"web"}, names)

	events, err := groups.History(ctx, "web")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventRolloutStarted, events[0].Type)
	assert.Equal(t, model.EventTaskSucceeded, events[1].Type)

	require.NoError(t, groups.Delete(ctx, "web"))
	_, err = groups.ReadStatus(ctx, "web")
	assert.True(t, errors.Is(err, coord.ErrNotFound))
	events, err = groups.History(ctx, "web")
	require.NoError(t, err)
	assert.Empty(t, events)
}
