package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pratik-mahalle/fleetpulse/internal/domain/job"
)

func newEnvelope(t *testing.T, task string, issuedAt time.Time) *job.Envelope {
	t.Helper()
	env, err := job.NewEnvelope(&job.MaintenanceJob{Task: task}, 1, issuedAt)
	require.NoError(t, err)
	return env
}

// queueContract runs the at-least-once contract against any Queue
func queueContract(t *testing.T, q Queue) {
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := q.Dequeue(ctx, job.LaneMaintenance, 20*time.Millisecond)
	assert.ErrorIs(t, err, job.ErrQueueEmpty)

	first := newEnvelope(t, job.TaskPruneResolvedAlerts, now)
	second := newEnvelope(t, job.TaskPruneFlapWindows, now)
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	depth, err := q.Depth(ctx, job.LaneMaintenance)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	d1, err := q.Dequeue(ctx, job.LaneMaintenance, time.Second)
	require.NoError(t, err)
	assert.Equal(t, first.ID, d1.Envelope.ID, "lanes are FIFO")
	require.NoError(t, q.Ack(ctx, d1))

	d2, err := q.Dequeue(ctx, job.LaneMaintenance, time.Second)
	require.NoError(t, err)
	assert.Equal(t, second.ID, d2.Envelope.ID)
	require.NoError(t, q.Nack(ctx, d2))

	again, err := q.Dequeue(ctx, job.LaneMaintenance, time.Second)
	require.NoError(t, err)
	assert.Equal(t, second.ID, again.Envelope.ID)
	assert.Equal(t, 1, again.Envelope.Attempt)

	// abandoned in flight: recovered only once older than the cutoff
	n, err := q.Recover(ctx, job.LaneMaintenance, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = q.Recover(ctx, job.LaneMaintenance, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recovered, err := q.Dequeue(ctx, job.LaneMaintenance, time.Second)
	require.NoError(t, err)
	assert.Equal(t, second.ID, recovered.Envelope.ID)
	assert.Equal(t, 2, recovered.Envelope.Attempt)
	require.NoError(t, q.Ack(ctx, recovered))

	depth, err = q.Depth(ctx, job.LaneMaintenance)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	other, err := q.Depth(ctx, job.LaneAlertCritical)
	require.NoError(t, err)
	assert.Equal(t, int64(0), other)
}

func TestMemoryQueue_Contract(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()

	queueContract(t, q)
	assert.Equal(t, 0, q.InFlight(job.LaneMaintenance))
}

func TestRedisQueue_Contract(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q := NewRedisQueue(client, "test")
	queueContract(t, q)

	inflight, err := q.InFlight(context.Background(), job.LaneMaintenance)
	require.NoError(t, err)
	assert.Equal(t, int64(0), inflight)
}

func TestMemoryQueue_DequeueWakesOnEnqueue(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()

	got := make(chan *Delivery, 1)
	go func() {
		d, err := q.Dequeue(ctx, job.LaneMaintenance, 5*time.Second)
		if err == nil {
			got <- d
		}
		close(got)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, newEnvelope(t, job.TaskRecoverInflight, time.Now())))

	select {
	case d := <-got:
		require.NotNil(t, d)
		assert.Equal(t, job.KindMaintenance, d.Envelope.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue() did not wake up on Enqueue()")
	}
}

func TestMemoryQueue_Closed(t *testing.T) {
	q := NewMemoryQueue()
	require.NoError(t, q.Close())

	err := q.Enqueue(context.Background(), newEnvelope(t, job.TaskRecoverInflight, time.Now()))
	assert.ErrorIs(t, err, ErrQueueClosed)

	_, err = q.Dequeue(context.Background(), job.LaneMaintenance, time.Millisecond)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

type fakeNow struct{ t time.Time }

func (f *fakeNow) Now() time.Time { return f.t }

// backlogContract checks that a job which waited in its lane longer than the
// recovery age is not duplicated while it runs
func backlogContract(t *testing.T, q Queue, clock *fakeNow) {
	ctx := context.Background()
	enqueued := clock.t

	require.NoError(t, q.Enqueue(ctx, newEnvelope(t, job.TaskPruneResolvedAlerts, enqueued)))
	clock.t = enqueued.Add(10 * time.Minute)
	d, err := q.Dequeue(ctx, job.LaneMaintenance, time.Second)
	require.NoError(t, err)

	n, err := q.Recover(ctx, job.LaneMaintenance, clock.t.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a long wait in the lane is not abandonment")

	clock.t = clock.t.Add(2 * time.Minute)
	n, err = q.Recover(ctx, job.LaneMaintenance, clock.t.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := q.Dequeue(ctx, job.LaneMaintenance, time.Second)
	require.NoError(t, err)
	assert.Equal(t, d.Envelope.ID, again.Envelope.ID)
	assert.Equal(t, 1, again.Envelope.Attempt)
	require.NoError(t, q.Ack(ctx, again))
}

func TestMemoryQueue_RecoverCountsFromDequeue(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	clock := &fakeNow{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q.now = clock.Now

	backlogContract(t, q, clock)
	assert.Equal(t, 0, q.InFlight(job.LaneMaintenance))
}

func TestRedisQueue_RecoverCountsFromDequeue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q := NewRedisQueue(client, "test")
	clock := &fakeNow{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q.now = clock.Now

	backlogContract(t, q, clock)

	ctx := context.Background()
	inflight, err := q.InFlight(ctx, job.LaneMaintenance)
	require.NoError(t, err)
	assert.Equal(t, int64(0), inflight)
	stamps, err := client.ZCard(ctx, q.dequeuedKey(job.LaneMaintenance)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stamps, "acked entries leave no dequeue stamp")
}

func TestRedisQueue_RecoverUnstampedEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	q := NewRedisQueue(client, "test")
	env := newEnvelope(t, job.TaskPruneFlapWindows, time.Now())
	raw, err := env.Marshal()
	require.NoError(t, err)
	// left behind by a process that died between move and stamp
	require.NoError(t, client.LPush(ctx, q.processingKey(job.LaneMaintenance), raw).Err())

	n, err := q.Recover(ctx, job.LaneMaintenance, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	depth, err := q.Depth(ctx, job.LaneMaintenance)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}
