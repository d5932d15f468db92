package history

import (
	"context"

	"github.com/hashicorp/go-multierror"
)

// Message is what a Publisher receives for every event delivered to the
// coordination store.
type Message struct {
	Topic    string
	Key      string
	Sequence uint64
	Payload  []byte
}

// Publisher is a best-effort side channel. Errors are logged and never
// hold back the queue.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, msg Message) error

func (f PublisherFunc) Publish(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// MultiPublisher fans a message out to every publisher and joins the errors.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, msg Message) error {
	var result error
	for _, p := range m {
		if err := p.Publish(ctx, msg); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}
