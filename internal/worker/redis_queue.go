package worker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pratik-mahalle/fleetpulse/internal/domain/job"
)

// RedisQueue keeps each lane as a Redis list. Dequeue atomically moves the
// entry to a per-lane processing list and stamps its dequeue time in a
// sorted set; Ack removes it from both.
type RedisQueue struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "fleetpulse"
	}
	return &RedisQueue{client: client, prefix: prefix, now: time.Now}
}

func (q *RedisQueue) pendingKey(lane job.Lane) string {
	return q.prefix + ":lane:" + string(lane)
}

func (q *RedisQueue) processingKey(lane job.Lane) string {
	return q.pendingKey(lane) + ":processing"
}

// dequeuedKey scores each processing entry by its dequeue time in ms
func (q *RedisQueue) dequeuedKey(lane job.Lane) string {
	return q.processingKey(lane) + ":since"
}

func (q *RedisQueue) Enqueue(ctx context.Context, env *job.Envelope) error {
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.pendingKey(env.Lane), raw).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context, lane job.Lane, timeout time.Duration) (*Delivery, error) {
	raw, err := q.client.BLMove(ctx, q.pendingKey(lane), q.processingKey(lane), "RIGHT", "LEFT", timeout).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, job.ErrQueueEmpty
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	env, err := job.Unmarshal(raw)
	if err != nil {
		// drop entries that can never be decoded
		q.client.LRem(ctx, q.processingKey(lane), 1, raw)
		return nil, err
	}

	// a crash before this stamp leaves the entry unscored; Recover treats
	// that as abandoned
	stamp := redis.Z{Score: float64(q.now().UnixMilli()), Member: raw}
	if err := q.client.ZAdd(ctx, q.dequeuedKey(lane), stamp).Err(); err != nil {
		return nil, err
	}
	return &Delivery{Envelope: env, Lane: lane, raw: raw}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(d.Lane), 1, d.raw)
		pipe.ZRem(ctx, q.dequeuedKey(d.Lane), d.raw)
		return nil
	})
	return err
}

func (q *RedisQueue) Nack(ctx context.Context, d *Delivery) error {
	next, err := requeued(d.Envelope)
	if err != nil {
		return err
	}
	return q.move(ctx, d.Lane, d.raw, next)
}

func (q *RedisQueue) move(ctx context.Context, lane job.Lane, raw, next []byte) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(lane), 1, raw)
		pipe.ZRem(ctx, q.dequeuedKey(lane), raw)
		pipe.LPush(ctx, q.pendingKey(lane), next)
		return nil
	})
	return err
}

// Recover requeues processing entries dequeued before the cutoff. Time
// spent waiting in the lane does not count.
func (q *RedisQueue) Recover(ctx context.Context, lane job.Lane, dequeuedBefore time.Time) (int, error) {
	entries, err := q.client.LRange(ctx, q.processingKey(lane), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	cutoff := float64(dequeuedBefore.UnixMilli())

	recovered := 0
	for _, entry := range entries {
		raw := []byte(entry)
		since, err := q.client.ZScore(ctx, q.dequeuedKey(lane), entry).Result()
		switch {
		case errors.Is(err, redis.Nil):
			// never stamped
		case err != nil:
			return recovered, err
		case since >= cutoff:
			continue
		}

		env, err := job.Unmarshal(raw)
		if err != nil {
			q.client.LRem(ctx, q.processingKey(lane), 1, raw)
			q.client.ZRem(ctx, q.dequeuedKey(lane), raw)
			continue
		}
		next, err := requeued(env)
		if err != nil {
			continue
		}
		if err := q.move(ctx, lane, raw, next); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

func (q *RedisQueue) Depth(ctx context.Context, lane job.Lane) (int64, error) {
	return q.client.LLen(ctx, q.pendingKey(lane)).Result()
}

// InFlight returns the length of the processing list of a lane
func (q *RedisQueue) InFlight(ctx context.Context, lane job.Lane) (int64, error) {
	return q.client.LLen(ctx, q.processingKey(lane)).Result()
}

// Close is a no-op; the client is owned by the caller
func (q *RedisQueue) Close() error {
	return nil
}
