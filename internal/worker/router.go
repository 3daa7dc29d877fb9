package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/pratik-mahalle/fleetpulse/internal/config"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/job"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/errors"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/logger"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/metrics"
)

// Handler processes one decoded job
type Handler func(ctx context.Context, env *job.Envelope, j job.Job) error

// laneRunner is the worker pool of one lane. slots bounds the deliveries
// taken from the queue to the pool size, so pending work stays in the broker.
type laneRunner struct {
	lane  job.Lane
	size  int
	pool  pond.Pool
	slots chan struct{}
}

func newLaneRunner(lane job.Lane, size int) *laneRunner {
	size = max(size, 1)
	return &laneRunner{
		lane:  lane,
		size:  size,
		pool:  pond.NewPool(size, pond.WithQueueSize(size)),
		slots: make(chan struct{}, size),
	}
}

// Router owns one queue consumer and one pool per lane
type Router struct {
	queue       Queue
	tuning      *config.TuningWatcher
	deadLetters job.DeadLetterRepository
	logger      *logger.Logger
	now         func() time.Time

	maxAttempts int
	pollTimeout time.Duration

	mu       sync.RWMutex
	handlers map[job.Kind]Handler
	runners  map[job.Lane]*laneRunner

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	drain   sync.WaitGroup
}

// Option configures a Router
type Option func(*Router)

// WithMaxAttempts sets how many deliveries a crashing job gets before it is
// dead-lettered. Defaults to the tuning value.
func WithMaxAttempts(n int) Option {
	return func(r *Router) { r.maxAttempts = n }
}

// WithPollTimeout sets the blocking dequeue timeout
func WithPollTimeout(d time.Duration) Option {
	return func(r *Router) { r.pollTimeout = d }
}

// WithDeadLetters records exhausted jobs
func WithDeadLetters(repo job.DeadLetterRepository) Option {
	return func(r *Router) { r.deadLetters = repo }
}

// WithClock sets the time source used for issued_at
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// NewRouter creates a router over queue. Pool sizes come from tuning and
// follow its changes.
func NewRouter(queue Queue, tuning *config.TuningWatcher, log *logger.Logger, opts ...Option) *Router {
	if log == nil {
		log = logger.Nop()
	}
	r := &Router{
		queue:       queue,
		tuning:      tuning,
		logger:      log,
		now:         func() time.Time { return time.Now().UTC() },
		pollTimeout: time.Second,
		handlers:    make(map[job.Kind]Handler),
		runners:     make(map[job.Lane]*laneRunner),
	}
	for _, opt := range opts {
		opt(r)
	}
	tuning.Subscribe(func(old, updated config.Tuning) {
		if old.Lanes != updated.Lanes {
			r.Resize(updated.Lanes)
		}
	})
	return r
}

// Handle registers the handler of a job kind
func (r *Router) Handle(kind job.Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

func (r *Router) handler(kind job.Kind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

func (r *Router) attempts() int {
	if r.maxAttempts > 0 {
		return r.maxAttempts
	}
	return max(r.tuning.Current().MaxJobAttempts, 1)
}

// Enqueue validates j and places it on its lane. Malformed jobs fail here.
func (r *Router) Enqueue(ctx context.Context, j job.Job, cycleID uint64) error {
	env, err := job.NewEnvelope(j, cycleID, r.now())
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeValidation, "Invalid job", http.StatusBadRequest)
	}
	if err := r.queue.Enqueue(ctx, env); err != nil {
		return errors.QueueUnavailable(string(env.Lane), err)
	}
	return nil
}

// Start recovers abandoned in-flight jobs and starts one consumer per lane
func (r *Router) Start(ctx context.Context, recoverBefore time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("router is already running")
	}

	for _, lane := range job.AllLanes {
		n, err := r.queue.Recover(ctx, lane, recoverBefore)
		if err != nil {
			return errors.QueueUnavailable(string(lane), err)
		}
		if n > 0 {
			r.logger.ForLane(string(lane)).WithFields(map[string]interface{}{
				"jobs": n,
			}).Warn("Recovered in-flight jobs")
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	lanes := r.tuning.Current().Lanes
	for _, lane := range job.AllLanes {
		r.runners[lane] = newLaneRunner(lane, lanes.Size(string(lane)))
		r.wg.Add(1)
		go r.consume(runCtx, lane)
	}

	r.logger.WithFields(map[string]interface{}{
		"alert_critical":   lanes.AlertCritical,
		"bulk_monitoring":  lanes.BulkMonitoring,
		"protocol_polling": lanes.ProtocolPolling,
		"maintenance":      lanes.Maintenance,
	}).Info("Task router started")
	return nil
}

// Stop stops the consumers and waits for running jobs
func (r *Router) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	runners := r.runners
	r.runners = make(map[job.Lane]*laneRunner)
	r.mu.Unlock()

	for _, lr := range runners {
		lr.pool.StopAndWait()
	}
	r.drain.Wait()

	r.logger.Info("Task router stopped")
}

// Resize swaps the lane pools for new sizes. Jobs running on an old pool
// finish there.
func (r *Router) Resize(lanes config.LanePools) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}

	for _, lane := range job.AllLanes {
		size := lanes.Size(string(lane))
		old := r.runners[lane]
		if old != nil && old.size == size {
			continue
		}
		r.runners[lane] = newLaneRunner(lane, size)
		if old != nil {
			r.drain.Add(1)
			go func() {
				defer r.drain.Done()
				old.pool.StopAndWait()
			}()
		}
		r.logger.ForLane(string(lane)).WithFields(map[string]interface{}{
			"size": size,
		}).Info("Lane pool resized")
	}
}

func (r *Router) runner(lane job.Lane) *laneRunner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runners[lane]
}

// RecoverInflight requeues in-flight jobs of every lane dequeued before the cutoff
func (r *Router) RecoverInflight(ctx context.Context, dequeuedBefore time.Time) (int, error) {
	total := 0
	for _, lane := range job.AllLanes {
		n, err := r.queue.Recover(ctx, lane, dequeuedBefore)
		if err != nil {
			return total, errors.QueueUnavailable(string(lane), err)
		}
		total += n
	}
	return total, nil
}

// Depths returns the pending job count of every lane
func (r *Router) Depths(ctx context.Context) (map[job.Lane]int64, error) {
	out := make(map[job.Lane]int64, len(job.AllLanes))
	for _, lane := range job.AllLanes {
		n, err := r.queue.Depth(ctx, lane)
		if err != nil {
			return nil, errors.QueueUnavailable(string(lane), err)
		}
		out[lane] = n
	}
	return out, nil
}

func (r *Router) consume(ctx context.Context, lane job.Lane) {
	defer r.wg.Done()
	log := r.logger.ForLane(string(lane))

	for {
		lr := r.runner(lane)
		if lr == nil {
			return
		}
		select {
		case lr.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}

		d, err := r.queue.Dequeue(ctx, lane, r.pollTimeout)
		if err != nil {
			<-lr.slots
			switch {
			case stderrors.Is(err, job.ErrQueueEmpty):
				continue
			case ctx.Err() != nil, stderrors.Is(err, ErrQueueClosed):
				return
			}
			log.ErrorWithErr(err, "Failed to dequeue")
			select {
			case <-time.After(r.pollTimeout):
			case <-ctx.Done():
				return
			}
			continue
		}

		if err := lr.pool.Go(func() {
			defer func() { <-lr.slots }()
			r.process(ctx, d)
		}); err != nil {
			<-lr.slots
			// the pool was swapped out; hand the delivery back
			if nackErr := r.queue.Nack(context.Background(), d); nackErr != nil {
				log.ErrorWithErr(nackErr, "Failed to requeue job")
			}
		}
	}
}

func (r *Router) process(ctx context.Context, d *Delivery) {
	env := d.Envelope
	lane := string(d.Lane)
	log := r.logger.ForLane(lane).ForCycle(env.CycleID).WithFields(map[string]interface{}{
		"job_id":  env.ID,
		"kind":    env.Kind,
		"attempt": env.Attempt,
	})
	start := time.Now()

	j, err := env.Decode()
	if err != nil {
		log.ErrorWithErr(err, "Dropping undecodable job")
		r.deadLetter(d, err.Error(), log)
		metrics.RecordLaneJob(lane, "invalid", time.Since(start))
		return
	}

	h, ok := r.handler(env.Kind)
	if !ok {
		err := fmt.Errorf("%w: %s", job.ErrUnknownKind, env.Kind)
		log.ErrorWithErr(err, "No handler registered")
		r.deadLetter(d, err.Error(), log)
		metrics.RecordLaneJob(lane, "invalid", time.Since(start))
		return
	}

	panicked, herr := r.invoke(ctx, h, env, j)
	if ctx.Err() != nil {
		// shutting down, leave the delivery in flight for recovery
		return
	}

	switch {
	case panicked != nil:
		if env.Attempt+1 >= r.attempts() {
			log.Errorf("Job panicked on final attempt: %v", panicked)
			r.deadLetter(d, fmt.Sprintf("panic: %v", panicked), log)
			metrics.RecordLaneJob(lane, "dead_letter", time.Since(start))
			return
		}
		log.Errorf("Job panicked, requeueing: %v", panicked)
		if err := r.queue.Nack(context.Background(), d); err != nil {
			log.ErrorWithErr(err, "Failed to requeue job")
		}
		metrics.RecordLaneJob(lane, "requeued", time.Since(start))
		return

	case herr != nil:
		log.ErrorWithErr(herr, "Job failed")
		metrics.RecordLaneJob(lane, "failed", time.Since(start))

	default:
		metrics.RecordLaneJob(lane, "ok", time.Since(start))
	}

	if err := r.queue.Ack(context.Background(), d); err != nil {
		log.ErrorWithErr(err, "Failed to ack job")
	}
}

func (r *Router) invoke(ctx context.Context, h Handler, env *job.Envelope, j job.Job) (panicked interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			panicked = p
		}
	}()
	return nil, h(ctx, env, j)
}

func (r *Router) deadLetter(d *Delivery, reason string, log *logger.Logger) {
	if r.deadLetters != nil {
		if err := r.deadLetters.Record(context.Background(), d.Envelope, reason); err != nil {
			log.ErrorWithErr(err, "Failed to record dead letter")
		}
	}
	if err := r.queue.Ack(context.Background(), d); err != nil {
		log.ErrorWithErr(err, "Failed to ack dead letter")
	}
}
