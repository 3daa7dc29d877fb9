package services

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/pratik-mahalle/fleetpulse/internal/config"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/alert"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/device"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/job"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/state"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/logger"
)

// InflightRecoverer moves jobs unacknowledged since before the cutoff back
// to their lanes
type InflightRecoverer interface {
	RecoverInflight(ctx context.Context, dequeuedBefore time.Time) (int, error)
}

// MaintenanceService runs the cleanup tasks of the maintenance lane
type MaintenanceService struct {
	alerts    alert.Repository
	states    state.Repository
	devices   device.Repository
	flaps     *FlapDetector
	engine    *AlertEngine
	recoverer InflightRecoverer
	tracker   *StateTracker
	tuning    *config.TuningWatcher
	clock     Clock
	logger    *logger.Logger
}

// NewMaintenanceService creates a new maintenance service. recoverer may be
// set later with SetRecoverer once the router exists.
func NewMaintenanceService(
	alerts alert.Repository,
	states state.Repository,
	devices device.Repository,
	flaps *FlapDetector,
	engine *AlertEngine,
	tuning *config.TuningWatcher,
	clock Clock,
	log *logger.Logger,
) *MaintenanceService {
	if clock == nil {
		clock = SystemClock()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &MaintenanceService{
		alerts:  alerts,
		states:  states,
		devices: devices,
		flaps:   flaps,
		engine:  engine,
		tuning:  tuning,
		clock:   clock,
		logger:  log,
	}
}

// SetRecoverer installs the in-flight job recoverer
func (s *MaintenanceService) SetRecoverer(r InflightRecoverer) {
	s.recoverer = r
}

// SetTracker installs the state tracker whose per-device locks are pruned
// with the flap windows
func (s *MaintenanceService) SetTracker(t *StateTracker) {
	s.tracker = t
}

// HandleMaintenance is the router handler of maintenance jobs
func (s *MaintenanceService) HandleMaintenance(ctx context.Context, env *job.Envelope, j job.Job) error {
	mj, ok := j.(*job.MaintenanceJob)
	if !ok {
		return fmt.Errorf("%w: expected maintenance, got %T", job.ErrInvalidJob, j)
	}
	return s.Run(ctx, mj.Task)
}

// Run executes one maintenance task
func (s *MaintenanceService) Run(ctx context.Context, task string) error {
	t := s.tuning.Current()
	now := s.clock.Now()
	log := s.logger.ForLane(string(job.LaneMaintenance)).With("task", task)

	switch task {
	case job.TaskPruneResolvedAlerts:
		before := now.Add(-t.AlertRetention)
		alerts, err := s.alerts.PruneResolved(ctx, before)
		if err != nil {
			return err
		}
		transitions, err := s.states.PruneTransitions(ctx, before)
		if err != nil {
			return err
		}
		log.WithFields(map[string]interface{}{
			"alerts":      alerts,
			"transitions": transitions,
		}).Info("Pruned history")

	case job.TaskPruneFlapWindows:
		devices, err := s.devices.ListEnabled(ctx)
		if err != nil {
			return err
		}
		ids := lo.Map(devices, func(d device.Device, _ int) string { return d.ID })
		windows := s.flaps.Prune(ids)
		pending, locks := 0, 0
		if s.engine != nil {
			pending = s.engine.PrunePending(ids)
		}
		if s.tracker != nil {
			locks = s.tracker.Prune(ids)
		}
		log.WithFields(map[string]interface{}{
			"windows": windows,
			"pending": pending,
			"locks":   locks,
		}).Debug("Pruned flap windows")

	case job.TaskRecoverInflight:
		if s.recoverer == nil {
			return nil
		}
		cutoff := now.Add(-RecoverAfter(t))
		n, err := s.recoverer.RecoverInflight(ctx, cutoff)
		if err != nil {
			return err
		}
		if n > 0 {
			log.WithFields(map[string]interface{}{
				"jobs":   n,
				"cutoff": cutoff,
			}).Warn("Recovered in-flight jobs")
		}

	default:
		return fmt.Errorf("%w: unknown maintenance task %q", job.ErrInvalidJob, task)
	}
	return nil
}

// RecoverAfter is how long a job may stay unacknowledged before it is
// considered abandoned by a crashed worker
func RecoverAfter(t config.Tuning) time.Duration {
	return max(4*t.PollInterval, time.Minute)
}
