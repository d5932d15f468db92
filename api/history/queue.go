// Package history is the durable event queue that carries rollout history
// from the coordinator to the coordination store. Enqueue persists locally
// and returns; a drain loop writes each event remotely exactly once in
// enqueue order, retrying forever while the remote store is unavailable.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"

	"skald/api/coord"
	"skald/api/metrics"
)

// ErrQueueFailed reports that the local backing store can no longer accept
// or release events. The queue stays failed until the process restarts.
var ErrQueueFailed = errors.New("history queue failed")

// Codec maps queue items onto the coordination store.
type Codec[T any] interface {
	// Key names the entity an item belongs to.
	Key(item T) string
	// Root is the parent path under which an entity's events are stored.
	Root(key string) string
	Topic() string
	Encode(item T) ([]byte, error)
}

type Options struct {
	Logger    hclog.Logger
	Publisher Publisher

	// PollInterval bounds how long an idle drain loop sleeps between checks.
	PollInterval   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PublishTimeout time.Duration
	BatchSize      int

	// Retention keeps only the newest N remote events per entity. 0 keeps all.
	Retention int
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = hclog.NewNullLogger()
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 64
	}
}

type Queue[T any] struct {
	backing *Backing
	remote  coord.Store
	codec   Codec[T]
	opts    Options
	log     hclog.Logger

	wake chan struct{}

	mu    sync.Mutex
	fatal error
	// drainMu keeps Drain single-flight when tests call it beside Run.
	drainMu sync.Mutex
}

func New[T any](backing *Backing, remote coord.Store, codec Codec[T], opts Options) *Queue[T] {
	opts.setDefaults()
	return &Queue[T]{
		backing: backing,
		remote:  remote,
		codec:   codec,
		opts:    opts,
		log:     opts.Logger.Named("history"),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue persists item locally. A nil return means the item survives a
// crash and will reach the coordination store.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	if err := q.Healthy(); err != nil {
		return err
	}
	payload, err := q.codec.Encode(item)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", q.codec.Topic(), err)
	}
	if _, err := q.backing.Append(ctx, q.codec.Key(item), payload, time.Now()); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return q.fail(err)
	}
	metrics.QueueDepth.WithLabelValues(q.codec.Topic()).Inc()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Healthy returns nil until the local backing store has failed.
func (q *Queue[T]) Healthy() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fatal
}

// Pending reports how many events are persisted locally and not yet
// delivered.
func (q *Queue[T]) Pending(ctx context.Context) (int, error) {
	return q.backing.Len(ctx)
}

func (q *Queue[T]) fail(cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fatal == nil {
		q.fatal = fmt.Errorf("%w: %v", ErrQueueFailed, cause)
		q.log.Error("local history store failed", "error", cause)
	}
	return q.fatal
}

// Run drains the queue until ctx is cancelled. It returns an error only
// when the local backing store fails.
func (q *Queue[T]) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.opts.InitialBackoff
	b.MaxInterval = q.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	pending, err := q.backing.Len(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return q.fail(err)
	}
	metrics.QueueDepth.WithLabelValues(q.codec.Topic()).Set(float64(pending))

	q.log.Info("history queue started", "topic", q.codec.Topic(), "pending", pending)
	for {
		err := q.Drain(ctx)
		switch {
		case err == nil:
			b.Reset()
			select {
			case <-ctx.Done():
				return nil
			case <-q.wake:
			case <-ticker.C:
			}
		case errors.Is(err, ErrQueueFailed):
			return err
		case ctx.Err() != nil:
			return nil
		default:
			delay := b.NextBackOff()
			q.log.Warn("coordination store unavailable, retrying", "delay", delay, "error", err)
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		}
	}
}

// Drain delivers every pending event in order and returns at the first
// remote failure. Delivered events are removed locally.
func (q *Queue[T]) Drain(ctx context.Context) error {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	if err := q.Healthy(); err != nil {
		return err
	}
	for {
		recs, err := q.backing.Peek(ctx, q.opts.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return q.fail(err)
		}
		if len(recs) == 0 {
			return nil
		}
		for _, r := range recs {
			if err := q.deliver(ctx, r); err != nil {
				return err
			}
		}
	}
}

func (q *Queue[T]) deliver(ctx context.Context, r Record) error {
	topic := q.codec.Topic()
	root := q.codec.Root(r.Key)
	path := coord.Join(root, coord.FormatSequence(r.Seq))

	err := q.remote.CompareAndSet(ctx, path, 0, r.Payload)
	switch {
	case err == nil:
		metrics.EventsFlushed.WithLabelValues(topic).Inc()
	case errors.Is(err, coord.ErrConflict):
		// Written before a crash or a lost reply; the node is immutable.
		q.log.Debug("event already delivered", "path", path)
		metrics.EventsDuplicate.WithLabelValues(topic).Inc()
	default:
		metrics.RemoteErrors.WithLabelValues(topic).Inc()
		return fmt.Errorf("write %s: %w", path, err)
	}

	if q.opts.Publisher != nil {
		pctx, cancel := context.WithTimeout(ctx, q.opts.PublishTimeout)
		perr := q.opts.Publisher.Publish(pctx, Message{Topic: topic, Key: r.Key, Sequence: r.Seq, Payload: r.Payload})
		cancel()
		if perr != nil {
			metrics.PublishErrors.WithLabelValues(topic).Inc()
			q.log.Warn("event stream publish failed", "key", r.Key, "seq", r.Seq, "error", perr)
		}
	}

	if err := q.backing.Remove(ctx, r.ID); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return q.fail(err)
	}
	metrics.QueueDepth.WithLabelValues(topic).Dec()

	if q.opts.Retention > 0 {
		if err := q.prune(ctx, root); err != nil {
			q.log.Warn("history retention failed", "path", root, "error", err)
		}
	}
	return nil
}

func (q *Queue[T]) prune(ctx context.Context, root string) error {
	names, err := q.remote.Children(ctx, root)
	if err != nil {
		return err
	}
	if len(names) <= q.opts.Retention {
		return nil
	}
	for _, name := range names[:len(names)-q.opts.Retention] {
		if err := q.remote.Delete(ctx, coord.Join(root, name)); err != nil {
			return err
		}
	}
	return nil
}
