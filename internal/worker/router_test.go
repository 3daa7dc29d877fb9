package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pratik-mahalle/fleetpulse/internal/config"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/job"
	apperrors "github.com/pratik-mahalle/fleetpulse/internal/pkg/errors"
	"github.com/pratik-mahalle/fleetpulse/internal/testutil"
)

func newTestRouter(t *testing.T, q Queue, opts ...Option) (*Router, *testutil.MockDeadLetterRepository) {
	t.Helper()
	dl := testutil.NewMockDeadLetterRepository()
	tuning := config.NewStaticTuning(config.DefaultTuning())
	opts = append([]Option{WithPollTimeout(20 * time.Millisecond), WithDeadLetters(dl)}, opts...)
	return NewRouter(q, tuning, nil, opts...), dl
}

func TestRouter_EnqueueValidates(t *testing.T) {
	q := NewMemoryQueue()
	r, _ := newTestRouter(t, q)
	ctx := context.Background()

	tests := []struct {
		name    string
		job     job.Job
		wantErr bool
	}{
		{name: "valid probe batch", job: &job.ProbeBatchJob{CycleID: 1, Mode: job.ModeReachability, DeviceIDs: []string{"a"}}},
		{name: "empty batch", job: &job.ProbeBatchJob{CycleID: 1, Mode: job.ModeReachability}, wantErr: true},
		{name: "unknown mode", job: &job.ProbeBatchJob{CycleID: 1, Mode: "bulk", DeviceIDs: []string{"a"}}, wantErr: true},
		{name: "resolved without time", job: &job.NotificationJob{
			AlertID: "a", DeviceID: "d", RuleID: "r", Severity: "high", Action: job.ActionResolved, TriggeredAt: time.Now(),
		}, wantErr: true},
		{name: "unknown task", job: &job.MaintenanceJob{Task: "vacuum"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Enqueue(ctx, tt.job, 1)
			if (err != nil) != tt.wantErr {
				t.Errorf("Enqueue() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				assert.ErrorIs(t, err, job.ErrInvalidJob)
				assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
			}
		})
	}

	depth, err := q.Depth(ctx, job.LaneBulkMonitoring)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestRouter_EnqueueQueueUnavailable(t *testing.T) {
	q := NewMemoryQueue()
	require.NoError(t, q.Close())
	r, _ := newTestRouter(t, q)

	err := r.Enqueue(context.Background(), &job.MaintenanceJob{Task: job.TaskRecoverInflight}, 0)
	require.Error(t, err)
	assert.True(t, apperrors.IsInfrastructure(err))
}

func TestRouter_DispatchesAndAcks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := NewMemoryQueue()
	r, _ := newTestRouter(t, q)

	var handled atomic.Int32
	r.Handle(job.KindMaintenance, func(ctx context.Context, env *job.Envelope, j job.Job) error {
		handled.Add(1)
		return nil
	})
	r.Handle(job.KindNotification, func(ctx context.Context, env *job.Envelope, j job.Job) error {
		handled.Add(1)
		return errors.New("delivery failed")
	})

	ctx := context.Background()
	require.NoError(t, r.Start(ctx, time.Now()))

	for _, task := range job.MaintenanceTasks {
		require.NoError(t, r.Enqueue(ctx, &job.MaintenanceJob{Task: task}, 0))
	}
	require.NoError(t, r.Enqueue(ctx, &job.NotificationJob{
		AlertID: "a", DeviceID: "d", RuleID: "r", Severity: "critical", Action: job.ActionTriggered, TriggeredAt: time.Now(),
	}, 7))

	assert.Eventually(t, func() bool { return handled.Load() == 4 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		// handler errors are acked too
		return q.InFlight(job.LaneMaintenance) == 0 && q.InFlight(job.LaneAlertCritical) == 0
	}, 2*time.Second, 10*time.Millisecond)
	r.Stop()
}

func TestRouter_PanicRequeuesThenDeadLetters(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := NewMemoryQueue()
	r, dl := newTestRouter(t, q, WithMaxAttempts(2))

	var calls atomic.Int32
	r.Handle(job.KindMaintenance, func(ctx context.Context, env *job.Envelope, j job.Job) error {
		calls.Add(1)
		panic("worker crashed")
	})

	ctx := context.Background()
	require.NoError(t, r.Start(ctx, time.Now()))
	require.NoError(t, r.Enqueue(ctx, &job.MaintenanceJob{Task: job.TaskPruneFlapWindows}, 0))

	assert.Eventually(t, func() bool { return dl.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	r.Stop()

	assert.Equal(t, int32(2), calls.Load())
	letters, err := dl.List(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, letters[0].Attempt)
	assert.Equal(t, 0, q.InFlight(job.LaneMaintenance))
}

func TestRouter_UnknownKindDeadLetters(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := NewMemoryQueue()
	r, dl := newTestRouter(t, q)

	ctx := context.Background()
	require.NoError(t, r.Start(ctx, time.Now()))
	require.NoError(t, r.Enqueue(ctx, &job.MaintenanceJob{Task: job.TaskRecoverInflight}, 0))

	assert.Eventually(t, func() bool { return dl.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	r.Stop()
}

func TestRouter_LanesAreIsolated(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := NewMemoryQueue()
	tuning := config.DefaultTuning()
	tuning.Lanes.BulkMonitoring = 1
	r := NewRouter(q, config.NewStaticTuning(tuning), nil, WithPollTimeout(20*time.Millisecond))

	release := make(chan struct{})
	var bulkStarted sync.Once
	started := make(chan struct{})
	r.Handle(job.KindProbeBatch, func(ctx context.Context, env *job.Envelope, j job.Job) error {
		bulkStarted.Do(func() { close(started) })
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	notified := make(chan struct{}, 1)
	r.Handle(job.KindNotification, func(ctx context.Context, env *job.Envelope, j job.Job) error {
		notified <- struct{}{}
		return nil
	})

	ctx := context.Background()
	require.NoError(t, r.Start(ctx, time.Now()))
	defer r.Stop()
	defer close(release)

	for i := 0; i < 5; i++ {
		require.NoError(t, r.Enqueue(ctx, &job.ProbeBatchJob{CycleID: 1, Mode: job.ModeReachability, DeviceIDs: []string{"a"}}, 1))
	}
	<-started

	require.NoError(t, r.Enqueue(ctx, &job.NotificationJob{
		AlertID: "a", DeviceID: "d", RuleID: "r", Severity: "critical", Action: job.ActionTriggered, TriggeredAt: time.Now(),
	}, 1))

	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("alert-critical lane starved by a blocked bulk-monitoring lane")
	}

	depth, err := q.Depth(ctx, job.LaneBulkMonitoring)
	require.NoError(t, err)
	assert.Equal(t, int64(4), depth, "blocked lane keeps its backlog in the broker")
}

func TestRouter_ResizeKeepsConsuming(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := NewMemoryQueue()
	watcher := config.NewStaticTuning(config.DefaultTuning())
	r := NewRouter(q, watcher, nil, WithPollTimeout(20*time.Millisecond))

	var handled atomic.Int32
	r.Handle(job.KindMaintenance, func(ctx context.Context, env *job.Envelope, j job.Job) error {
		handled.Add(1)
		return nil
	})

	ctx := context.Background()
	require.NoError(t, r.Start(ctx, time.Now()))

	updated := watcher.Current()
	updated.Lanes.Maintenance = 3
	require.NoError(t, watcher.Set(updated))

	for i := 0; i < 6; i++ {
		require.NoError(t, r.Enqueue(ctx, &job.MaintenanceJob{Task: job.TaskRecoverInflight}, 0))
	}
	assert.Eventually(t, func() bool { return handled.Load() == 6 }, 2*time.Second, 10*time.Millisecond)
	r.Stop()
}

func TestDepthMonitor_Sample(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, newEnvelope(t, job.TaskRecoverInflight, time.Now())))

	depths := NewDepthMonitor(q, time.Minute, nil).Sample(ctx)
	assert.Equal(t, int64(1), depths[job.LaneMaintenance])
	assert.Equal(t, int64(0), depths[job.LaneBulkMonitoring])
}
