package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"skald/api/model"
)

// StatusRecord is a status together with the store version it was read at.
type StatusRecord struct {
	Status       model.DeploymentGroupStatus
	StoreVersion uint64
}

// Groups is typed access to deployment-group nodes.
type Groups struct {
	store Store
}

func NewGroups(store Store) *Groups {
	return &Groups{store: store}
}

// ReadStatus returns the group's status, or ErrNotFound.
func (g *Groups) ReadStatus(ctx context.Context, name string) (*StatusRecord, error) {
	data, version, err := g.store.Get(ctx, StatusPath(name))
	if err != nil {
		return nil, err
	}
	var st model.DeploymentGroupStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode status of %s: %w", name, err)
	}
	return &StatusRecord{Status: st, StoreVersion: version}, nil
}

// UpdateStatus commits next in place of prev with a single compare-and-set.
// A nil prev creates the status. next must be a valid status whose Version
// is exactly one above prev's; a stale prev fails with ErrConflict and
// nothing is written.
func (g *Groups) UpdateStatus(ctx context.Context, prev *StatusRecord, next model.DeploymentGroupStatus) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("refusing to write status of %s: %w", next.DeploymentGroup.Name, err)
	}
	var expected uint64
	if prev != nil {
		if prev.Status.DeploymentGroup.Name != next.DeploymentGroup.Name {
			return fmt.Errorf("status of %s cannot replace status of %s", next.DeploymentGroup.Name, prev.Status.DeploymentGroup.Name)
		}
		if next.Version != prev.Status.Version+1 {
			return fmt.Errorf("status of %s: version %d does not follow %d", next.DeploymentGroup.Name, next.Version, prev.Status.Version)
		}
		expected = prev.StoreVersion
	}
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode status of %s: %w", next.DeploymentGroup.Name, err)
	}
	return g.store.CompareAndSet(ctx, StatusPath(next.DeploymentGroup.Name), expected, data)
}

// List returns the names of all deployment groups.
func (g *Groups) List(ctx context.Context) ([]string, error) {
	names, err := g.store.Children(ctx, GroupsRoot())
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return names, err
}

// DeleteStatus removes the group's status and leaves its history in place.
func (g *Groups) DeleteStatus(ctx context.Context, name string) error {
	return g.store.Delete(ctx, StatusPath(name))
}

// Delete removes the group's status and history.
func (g *Groups) Delete(ctx context.Context, name string) error {
	return g.store.DeleteTree(ctx, GroupPath(name))
}

// History returns the group's events in sequence order.
func (g *Groups) History(ctx context.Context, name string) ([]model.DeploymentGroupEvent, error) {
	seqs, err := g.store.Children(ctx, HistoryPath(name))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	events := make([]model.DeploymentGroupEvent, 0, len(seqs))
	for _, seq := range seqs {
		data, _, err := g.store.Get(ctx, HistoryEventPath(name, seq))
		if errors.Is(err, ErrNotFound) {
			// Pruned between listing and reading.
			continue
		}
		if err != nil {
			return nil, err
		}
		var evt model.DeploymentGroupEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, fmt.Errorf("decode history %s/%s: %w", name, seq, err)
		}
		events = append(events, evt)
	}
	return events, nil
}

// WatchStatus blocks until the group's status changes after index.
func (g *Groups) WatchStatus(ctx context.Context, name string, index uint64) (uint64, error) {
	return g.store.Watch(ctx, StatusPath(name), index)
}

// WatchAll blocks until anything under the groups root changes after index.
func (g *Groups) WatchAll(ctx context.Context, index uint64) (uint64, error) {
	return g.store.Watch(ctx, GroupsRoot(), index)
}
