// Package worker routes typed jobs through per-lane queues, each consumed by
// its own worker pool.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/pratik-mahalle/fleetpulse/internal/domain/job"
)

// ErrQueueClosed is returned by operations on a closed queue
var ErrQueueClosed = errors.New("queue closed")

// Delivery is one dequeued envelope awaiting Ack or Nack
type Delivery struct {
	Envelope *job.Envelope
	Lane     job.Lane
	raw      []byte
	token    uint64
}

// Queue is an at-least-once lane broker. A dequeued envelope stays in flight
// until acked; Recover returns abandoned in-flight envelopes to their lane.
type Queue interface {
	Enqueue(ctx context.Context, env *job.Envelope) error
	// Dequeue blocks up to timeout and returns job.ErrQueueEmpty when nothing arrived
	Dequeue(ctx context.Context, lane job.Lane, timeout time.Duration) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Nack requeues the envelope with its attempt counter incremented
	Nack(ctx context.Context, d *Delivery) error
	// Recover requeues in-flight envelopes dequeued before the cutoff
	Recover(ctx context.Context, lane job.Lane, dequeuedBefore time.Time) (int, error)
	Depth(ctx context.Context, lane job.Lane) (int64, error)
	Close() error
}

func requeued(env *job.Envelope) ([]byte, error) {
	next := *env
	next.Attempt++
	return next.Marshal()
}
