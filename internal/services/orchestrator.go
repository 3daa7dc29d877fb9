package services

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/pratik-mahalle/fleetpulse/internal/config"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/device"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/job"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/errors"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/logger"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/metrics"
)

// CycleReport summarizes one orchestration cycle
type CycleReport struct {
	CycleID         uint64        `json:"cycle_id"`
	Plan            BatchPlan     `json:"plan"`
	ProtocolPlan    BatchPlan     `json:"protocol_plan"`
	Enqueued        int           `json:"enqueued"`
	EnqueueFailures int           `json:"enqueue_failures"`
	Skipped         bool          `json:"skipped"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
}

// Orchestrator reads the enabled fleet once per cycle and dispatches one
// probe job per batch
type Orchestrator struct {
	devices  device.Repository
	enqueuer Enqueuer
	tuning   *config.TuningWatcher
	clock    Clock
	logger   *logger.Logger

	cycle atomic.Uint64
}

// NewOrchestrator creates a new orchestrator. Cycle ids start from the
// current unix milliseconds so they keep increasing across restarts.
func NewOrchestrator(devices device.Repository, enqueuer Enqueuer, tuning *config.TuningWatcher, clock Clock, log *logger.Logger) *Orchestrator {
	if clock == nil {
		clock = SystemClock()
	}
	if log == nil {
		log = logger.Nop()
	}
	o := &Orchestrator{
		devices:  devices,
		enqueuer: enqueuer,
		tuning:   tuning,
		clock:    clock,
		logger:   log,
	}
	o.cycle.Store(uint64(clock.Now().UnixMilli()))
	return o
}

// LastCycleID returns the id of the most recent cycle
func (o *Orchestrator) LastCycleID() uint64 {
	return o.cycle.Load()
}

// RunCycle runs one orchestration cycle. A device store failure skips the
// cycle; enqueue failures are logged per batch and never abort the cycle.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleReport, error) {
	t := o.tuning.Current()
	cycleID := o.cycle.Add(1)
	log := o.logger.ForCycle(cycleID)

	report := &CycleReport{CycleID: cycleID, StartedAt: o.clock.Now()}

	devices, err := o.devices.ListEnabled(ctx)
	if err != nil {
		report.Skipped = true
		metrics.RecordCycle("skipped")
		log.ErrorWithErr(err, "Device store unavailable, skipping cycle")
		if !errors.IsInfrastructure(err) {
			err = errors.DeviceStoreUnavailable(err)
		}
		return report, err
	}

	report.Plan = ComputePlan(len(devices), t)
	metrics.SetBatchPlan(report.Plan.DeviceCount, report.Plan.BatchSize, report.Plan.BatchCount)
	o.dispatch(ctx, log, report, Partition(devices, report.Plan.BatchSize), job.ModeReachability)

	snmp := lo.Filter(devices, func(d device.Device, _ int) bool { return d.HasSNMP() })
	report.ProtocolPlan = ComputePlan(len(snmp), t)
	o.dispatch(ctx, log, report, Partition(snmp, report.ProtocolPlan.BatchSize), job.ModeProtocol)

	report.Duration = o.clock.Now().Sub(report.StartedAt)
	result := "ok"
	if report.EnqueueFailures > 0 {
		result = "partial"
	}
	metrics.RecordCycle(result)

	log.WithFields(map[string]interface{}{
		"devices":          report.Plan.DeviceCount,
		"batch_size":       report.Plan.BatchSize,
		"batches":          report.Plan.BatchCount,
		"protocol_jobs":    report.ProtocolPlan.BatchCount,
		"enqueue_failures": report.EnqueueFailures,
	}).Debug("Cycle dispatched")

	return report, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, log *logger.Logger, report *CycleReport, batches [][]device.Device, mode string) {
	for i, batch := range batches {
		j := &job.ProbeBatchJob{CycleID: report.CycleID, Mode: mode, DeviceIDs: deviceIDs(batch)}
		if err := o.enqueuer.Enqueue(ctx, j, report.CycleID); err != nil {
			report.EnqueueFailures++
			log.ForLane(string(j.Lane())).WithFields(map[string]interface{}{
				"batch":   i,
				"devices": len(batch),
			}).ErrorWithErr(err, "Failed to enqueue probe batch")
			continue
		}
		report.Enqueued++
	}
}
