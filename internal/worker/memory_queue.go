package worker

import (
	"context"
	"sync"
	"time"

	"github.com/pratik-mahalle/fleetpulse/internal/domain/job"
)

type inflightEntry struct {
	raw        []byte
	dequeuedAt time.Time
}

type memoryLane struct {
	mu       sync.Mutex
	pending  [][]byte
	inflight map[uint64]inflightEntry
	ready    chan struct{}
}

func (l *memoryLane) signal() {
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

// MemoryQueue is an in-process Queue. Envelopes are stored serialized so
// handlers never share memory with producers.
type MemoryQueue struct {
	lanes  map[job.Lane]*memoryLane
	mu     sync.Mutex
	next   uint64
	closed chan struct{}
	once   sync.Once
	now    func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	q := &MemoryQueue{
		lanes:  make(map[job.Lane]*memoryLane, len(job.AllLanes)),
		closed: make(chan struct{}),
		now:    time.Now,
	}
	for _, lane := range job.AllLanes {
		q.lanes[lane] = &memoryLane{
			inflight: make(map[uint64]inflightEntry),
			ready:    make(chan struct{}, 1),
		}
	}
	return q
}

func (q *MemoryQueue) lane(l job.Lane) (*memoryLane, error) {
	select {
	case <-q.closed:
		return nil, ErrQueueClosed
	default:
	}
	ml, ok := q.lanes[l]
	if !ok {
		return nil, job.ErrInvalidJob
	}
	return ml, nil
}

func (q *MemoryQueue) Enqueue(_ context.Context, env *job.Envelope) error {
	ml, err := q.lane(env.Lane)
	if err != nil {
		return err
	}
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	ml.mu.Lock()
	ml.pending = append(ml.pending, raw)
	ml.mu.Unlock()
	ml.signal()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, lane job.Lane, timeout time.Duration) (*Delivery, error) {
	ml, err := q.lane(lane)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if d, ok := q.pop(ml, lane); ok {
			return d, nil
		}
		select {
		case <-ml.ready:
		case <-timer.C:
			return nil, job.ErrQueueEmpty
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closed:
			return nil, ErrQueueClosed
		}
	}
}

func (q *MemoryQueue) pop(ml *memoryLane, lane job.Lane) (*Delivery, bool) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	for len(ml.pending) > 0 {
		raw := ml.pending[0]
		ml.pending = ml.pending[1:]
		if len(ml.pending) > 0 {
			ml.signal()
		}

		env, err := job.Unmarshal(raw)
		if err != nil {
			// undecodable entries cannot be routed anywhere
			continue
		}

		q.mu.Lock()
		q.next++
		token := q.next
		q.mu.Unlock()

		ml.inflight[token] = inflightEntry{raw: raw, dequeuedAt: q.now()}
		return &Delivery{Envelope: env, Lane: lane, raw: raw, token: token}, true
	}
	return nil, false
}

func (q *MemoryQueue) Ack(_ context.Context, d *Delivery) error {
	ml, err := q.lane(d.Lane)
	if err != nil {
		return err
	}
	ml.mu.Lock()
	delete(ml.inflight, d.token)
	ml.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, d *Delivery) error {
	ml, err := q.lane(d.Lane)
	if err != nil {
		return err
	}
	raw, err := requeued(d.Envelope)
	if err != nil {
		return err
	}
	ml.mu.Lock()
	delete(ml.inflight, d.token)
	ml.pending = append(ml.pending, raw)
	ml.mu.Unlock()
	ml.signal()
	return nil
}

// Recover requeues deliveries dequeued before the cutoff. Time spent
// waiting in the lane does not count.
func (q *MemoryQueue) Recover(_ context.Context, lane job.Lane, dequeuedBefore time.Time) (int, error) {
	ml, err := q.lane(lane)
	if err != nil {
		return 0, err
	}
	ml.mu.Lock()
	defer ml.mu.Unlock()

	recovered := 0
	for token, entry := range ml.inflight {
		if !entry.dequeuedAt.Before(dequeuedBefore) {
			continue
		}
		env, err := job.Unmarshal(entry.raw)
		if err != nil {
			delete(ml.inflight, token)
			continue
		}
		next, err := requeued(env)
		if err != nil {
			continue
		}
		delete(ml.inflight, token)
		ml.pending = append(ml.pending, next)
		recovered++
	}
	if recovered > 0 {
		ml.signal()
	}
	return recovered, nil
}

func (q *MemoryQueue) Depth(_ context.Context, lane job.Lane) (int64, error) {
	ml, err := q.lane(lane)
	if err != nil {
		return 0, err
	}
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return int64(len(ml.pending)), nil
}

// InFlight returns the number of unacknowledged deliveries of a lane
func (q *MemoryQueue) InFlight(lane job.Lane) int {
	ml, ok := q.lanes[lane]
	if !ok {
		return 0
	}
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return len(ml.inflight)
}

func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}
