package history

import (
	"context"
	"encoding/json"

	"skald/api/coord"
	"skald/api/model"
)

// DeploymentGroupTopic names the event stream for deployment group history.
const DeploymentGroupTopic = "skald.deployment-group-events"

type deploymentGroupCodec struct{}

func (deploymentGroupCodec) Key(e model.DeploymentGroupEvent) string { return e.DeploymentGroup }
func (deploymentGroupCodec) Root(key string) string                  { return coord.HistoryPath(key) }
func (deploymentGroupCodec) Topic() string                           { return DeploymentGroupTopic }

func (deploymentGroupCodec) Encode(e model.DeploymentGroupEvent) ([]byte, error) {
	return json.Marshal(e)
}

// DeploymentGroupWriter records deployment group history durably.
type DeploymentGroupWriter struct {
	*Queue[model.DeploymentGroupEvent]
}

func NewDeploymentGroupWriter(backing *Backing, remote coord.Store, opts Options) *DeploymentGroupWriter {
	return &DeploymentGroupWriter{Queue: New[model.DeploymentGroupEvent](backing, remote, deploymentGroupCodec{}, opts)}
}

func (w *DeploymentGroupWriter) SaveHistoryItem(ctx context.Context, e model.DeploymentGroupEvent) error {
	return w.Enqueue(ctx, e)
}

// SaveHistoryItems enqueues events in order and stops at the first error.
func (w *DeploymentGroupWriter) SaveHistoryItems(ctx context.Context, events []model.DeploymentGroupEvent) error {
	for _, e := range events {
		if err := w.Enqueue(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
