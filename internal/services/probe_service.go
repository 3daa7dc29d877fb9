package services

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pratik-mahalle/fleetpulse/internal/config"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/device"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/job"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/logger"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/metrics"
	"github.com/pratik-mahalle/fleetpulse/internal/probes"
	"github.com/pratik-mahalle/fleetpulse/internal/telemetry"
)

var errTransientProbe = stderrors.New("transient probe failure")

// BatchReport summarizes one executed probe batch
type BatchReport struct {
	CycleID      uint64        `json:"cycle_id"`
	Mode         string        `json:"mode"`
	Requested    int           `json:"requested"`
	Probed       int           `json:"probed"`
	Failures     int           `json:"failures"`
	Transitions  int           `json:"transitions"`
	Stale        int           `json:"stale"`
	ApplyErrors  int           `json:"apply_errors"`
	LocalErrors  int           `json:"local_errors"`
	Duration     time.Duration `json:"duration"`
	OverDeadline bool          `json:"over_deadline"`
}

// ProbeService executes probe batches: it fans out probes inside the batch,
// writes samples to the metrics sink and feeds outcomes to the state tracker
type ProbeService struct {
	devices  device.Repository
	reach    probes.Prober
	protocol probes.Prober
	tracker  *StateTracker
	sink     telemetry.Sink
	tuning   *config.TuningWatcher
	clock    Clock
	limiter  *rate.Limiter
	logger   *logger.Logger
}

// NewProbeService creates a new probe service. protocol may be nil when no
// protocol poller is configured.
func NewProbeService(
	devices device.Repository,
	reach probes.Prober,
	protocol probes.Prober,
	tracker *StateTracker,
	sink telemetry.Sink,
	tuning *config.TuningWatcher,
	clock Clock,
	log *logger.Logger,
) *ProbeService {
	if clock == nil {
		clock = SystemClock()
	}
	if log == nil {
		log = logger.Nop()
	}
	t := tuning.Current()
	s := &ProbeService{
		devices:  devices,
		reach:    reach,
		protocol: protocol,
		tracker:  tracker,
		sink:     sink,
		tuning:   tuning,
		clock:    clock,
		limiter:  rate.NewLimiter(probeLimit(t), probeBurst(t)),
		logger:   log,
	}
	tuning.Subscribe(func(_, updated config.Tuning) {
		s.limiter.SetLimit(probeLimit(updated))
		s.limiter.SetBurst(probeBurst(updated))
	})
	return s
}

func probeLimit(t config.Tuning) rate.Limit {
	if t.ProbeRateLimit <= 0 {
		return rate.Inf
	}
	return rate.Limit(t.ProbeRateLimit)
}

func probeBurst(t config.Tuning) int {
	return max(t.ProbeConcurrency, 1)
}

// HandleProbeBatch is the router handler of probe batch jobs
func (s *ProbeService) HandleProbeBatch(ctx context.Context, env *job.Envelope, j job.Job) error {
	pj, ok := j.(*job.ProbeBatchJob)
	if !ok {
		return fmt.Errorf("%w: expected probe batch, got %T", job.ErrInvalidJob, j)
	}
	_, err := s.RunBatch(ctx, pj)
	return err
}

// RunBatch probes every device of the batch. Probe failures are data; only a
// device store failure or cancellation of ctx fails the batch. Outcomes
// gathered after ctx is cancelled are dropped unapplied.
func (s *ProbeService) RunBatch(ctx context.Context, pj *job.ProbeBatchJob) (*BatchReport, error) {
	t := s.tuning.Current()
	start := time.Now()
	lane := string(pj.Lane())
	log := s.logger.ForCycle(pj.CycleID).ForLane(lane)

	prober := s.reach
	if pj.Mode == job.ModeProtocol {
		prober = s.protocol
	}
	if prober == nil {
		return nil, fmt.Errorf("no prober configured for %s mode", pj.Mode)
	}

	devices, err := s.devices.GetMany(ctx, pj.DeviceIDs)
	if err != nil {
		log.ErrorWithErr(err, "Failed to resolve batch devices")
		return nil, err
	}

	report := &BatchReport{CycleID: pj.CycleID, Mode: pj.Mode, Requested: len(pj.DeviceIDs)}

	var (
		mu          sync.Mutex
		samples     []telemetry.Sample
		localReason string
	)

	var g errgroup.Group
	g.SetLimit(max(t.ProbeConcurrency, 1))
	for _, d := range devices {
		g.Go(func() error {
			o := s.probeWithRetry(ctx, prober, d, t)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.RecordProbe(o.Probe, string(o.Kind), o.Latency)
			if o.Local() {
				mu.Lock()
				report.LocalErrors++
				localReason = o.Reason
				mu.Unlock()
				return nil
			}
			if o.Failed() {
				log.ForDevice(d.ID).WithFields(map[string]interface{}{
					"kind":   o.Kind,
					"reason": o.Reason,
				}).Debug("Probe failed")
			}

			applied, applyErr := s.tracker.Apply(ctx, d, o, pj.CycleID)
			if applyErr != nil && ctx.Err() != nil {
				// cancelled mid-write, the outcome did not land
				return ctx.Err()
			}

			mu.Lock()
			defer mu.Unlock()
			report.Probed++
			samples = append(samples, outcomeSamples(o)...)
			if o.Failed() {
				report.Failures++
			}
			switch {
			case applyErr != nil:
				report.ApplyErrors++
				log.ForDevice(d.ID).ErrorWithErr(applyErr, "Failed to apply probe outcome")
			case applied.Stale:
				report.Stale++
			case applied.Transition != nil:
				report.Transitions++
			}
			return nil
		})
	}
	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		log.WithFields(map[string]interface{}{
			"probed": report.Probed,
		}).Debug("Probe batch cancelled")
		return report, err
	}

	if report.LocalErrors > 0 {
		log.WithFields(map[string]interface{}{
			"devices": report.LocalErrors,
			"probe":   prober.Name(),
			"reason":  localReason,
		}).Error("Probes could not be issued from this host")
	}

	if len(samples) > 0 && s.sink != nil {
		if err := s.sink.Write(ctx, samples); err != nil {
			metrics.RecordSinkFailure()
			log.WithFields(map[string]interface{}{
				"samples": len(samples),
			}).ErrorWithErr(err, "Failed to write samples to metrics sink")
		}
	}

	report.Duration = time.Since(start)
	if t.BatchSoftDeadline > 0 && report.Duration > t.BatchSoftDeadline {
		report.OverDeadline = true
		metrics.RecordSlowBatch(lane)
		log.WithFields(map[string]interface{}{
			"devices":  len(devices),
			"duration": report.Duration.String(),
			"deadline": t.BatchSoftDeadline.String(),
		}).Warn("Probe batch exceeded soft deadline")
	}

	return report, nil
}

// probeWithRetry retries transient failures with a constant delay
func (s *ProbeService) probeWithRetry(ctx context.Context, prober probes.Prober, d device.Device, t config.Tuning) probes.Outcome {
	issued := s.clock.Now()
	o := probes.Outcome{
		DeviceID: d.ID,
		Probe:    prober.Name(),
		Kind:     probes.KindTimeout,
		Reason:   "probe not issued",
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(t.ProbeRetryDelay), uint64(t.ProbeRetries)),
		ctx,
	)
	_ = backoff.Retry(func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		o = s.probeOnce(ctx, prober, d, t.ProbeTimeout)
		if o.Failed() {
			return errTransientProbe
		}
		return nil
	}, policy)

	o.DeviceID = d.ID
	o.IssuedAt = issued
	o.CompletedAt = s.clock.Now()
	return o
}

// probeOnce runs one attempt with a hard timeout. A prober that ignores its
// context is abandoned once the timeout passes.
func (s *ProbeService) probeOnce(ctx context.Context, prober probes.Prober, d device.Device, timeout time.Duration) probes.Outcome {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan probes.Outcome, 1)
	go func() {
		done <- prober.Probe(pctx, d)
	}()

	select {
	case o := <-done:
		return o
	case <-pctx.Done():
		return probes.Outcome{
			DeviceID: d.ID,
			Probe:    prober.Name(),
			Kind:     probes.KindTimeout,
			Latency:  timeout,
			Reason:   "probe exceeded timeout",
		}
	}
}

func outcomeSamples(o probes.Outcome) []telemetry.Sample {
	at := o.ObservedAt()
	out := make([]telemetry.Sample, 0, len(o.Metrics)+2)
	if !o.IsProtocol() {
		up := 0.0
		if !o.Failed() {
			up = 1
		}
		out = append(out, telemetry.Sample{DeviceID: o.DeviceID, Metric: o.Probe + "_up", Value: up, Timestamp: at})
	}
	if o.Kind == probes.KindSuccess {
		out = append(out, telemetry.Sample{
			DeviceID:  o.DeviceID,
			Metric:    o.Probe + "_latency_ms",
			Value:     float64(o.Latency) / float64(time.Millisecond),
			Timestamp: at,
		})
	}
	for name, v := range o.Metrics {
		out = append(out, telemetry.Sample{DeviceID: o.DeviceID, Metric: name, Value: v, Timestamp: at})
	}
	return out
}
