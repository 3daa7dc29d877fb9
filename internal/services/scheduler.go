package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/pratik-mahalle/fleetpulse/internal/config"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/job"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/logger"
)

const (
	entryCycle       = "cycle"
	entryMaintenance = "maintenance"
)

// CycleRunner runs one orchestration cycle
type CycleRunner interface {
	RunCycle(ctx context.Context) (*CycleReport, error)
}

// Scheduler fires orchestration cycles on a fixed interval without waiting
// for earlier cycles, and enqueues the maintenance tasks on a cron schedule
type Scheduler struct {
	runner   CycleRunner
	enqueuer Enqueuer
	tuning   *config.TuningWatcher
	logger   *logger.Logger

	scheduler    *cron.Cron
	cronEntries  map[string]cron.EntryID
	entriesMutex sync.RWMutex
	isRunning    bool
	runningMutex sync.RWMutex
	ctx          context.Context
}

// NewScheduler creates a new scheduler
func NewScheduler(runner CycleRunner, enqueuer Enqueuer, tuning *config.TuningWatcher, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Nop()
	}
	s := &Scheduler{
		runner:      runner,
		enqueuer:    enqueuer,
		tuning:      tuning,
		logger:      log,
		cronEntries: make(map[string]cron.EntryID),
	}
	tuning.Subscribe(s.onTuningChange)
	return s
}

// ValidateSchedule checks a maintenance cron expression with seconds
func ValidateSchedule(spec string) error {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron schedule: %w", err)
	}
	return nil
}

// Start starts the scheduler. ctx bounds every fired cycle.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runningMutex.Lock()
	defer s.runningMutex.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	t := s.tuning.Current()
	if err := ValidateSchedule(t.MaintenanceSchedule); err != nil {
		return err
	}

	s.ctx = ctx
	s.scheduler = cron.New(cron.WithSeconds())
	if err := s.scheduleEntries(t); err != nil {
		return err
	}

	s.scheduler.Start()
	s.isRunning = true

	s.logger.WithFields(map[string]interface{}{
		"poll_interval":        t.PollInterval.String(),
		"maintenance_schedule": t.MaintenanceSchedule,
	}).Info("Scheduler started")

	return nil
}

// Stop stops the scheduler. Running cycles are not waited for.
func (s *Scheduler) Stop() error {
	s.runningMutex.Lock()
	defer s.runningMutex.Unlock()

	if !s.isRunning {
		return nil
	}

	s.scheduler.Stop()
	s.isRunning = false

	s.entriesMutex.Lock()
	s.cronEntries = make(map[string]cron.EntryID)
	s.entriesMutex.Unlock()

	s.logger.Info("Scheduler stopped")

	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.runningMutex.RLock()
	defer s.runningMutex.RUnlock()
	return s.isRunning
}

// TriggerNow runs one cycle synchronously
func (s *Scheduler) TriggerNow(ctx context.Context) (*CycleReport, error) {
	return s.runner.RunCycle(ctx)
}

// EnqueueMaintenance enqueues every maintenance task
func (s *Scheduler) EnqueueMaintenance(ctx context.Context) {
	for _, task := range job.MaintenanceTasks {
		if err := s.enqueuer.Enqueue(ctx, &job.MaintenanceJob{Task: task}, 0); err != nil {
			s.logger.ForLane(string(job.LaneMaintenance)).WithFields(map[string]interface{}{
				"task": task,
			}).ErrorWithErr(err, "Failed to enqueue maintenance task")
		}
	}
}

func (s *Scheduler) scheduleEntries(t config.Tuning) error {
	s.entriesMutex.Lock()
	defer s.entriesMutex.Unlock()

	for name, id := range s.cronEntries {
		s.scheduler.Remove(id)
		delete(s.cronEntries, name)
	}

	cycleID, err := s.scheduler.AddFunc("@every "+t.PollInterval.String(), s.fireCycle)
	if err != nil {
		return fmt.Errorf("failed to schedule cycle: %w", err)
	}
	s.cronEntries[entryCycle] = cycleID

	maintID, err := s.scheduler.AddFunc(t.MaintenanceSchedule, func() {
		s.EnqueueMaintenance(s.ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule maintenance: %w", err)
	}
	s.cronEntries[entryMaintenance] = maintID
	return nil
}

func (s *Scheduler) fireCycle() {
	if _, err := s.runner.RunCycle(s.ctx); err != nil {
		s.logger.ErrorWithErr(err, "Cycle failed")
	}
}

func (s *Scheduler) onTuningChange(old, updated config.Tuning) {
	if old.PollInterval == updated.PollInterval && old.MaintenanceSchedule == updated.MaintenanceSchedule {
		return
	}
	if err := ValidateSchedule(updated.MaintenanceSchedule); err != nil {
		s.logger.ErrorWithErr(err, "Keeping previous schedule")
		return
	}

	s.runningMutex.RLock()
	defer s.runningMutex.RUnlock()
	if !s.isRunning {
		return
	}
	if err := s.scheduleEntries(updated); err != nil {
		s.logger.ErrorWithErr(err, "Failed to reschedule")
		return
	}
	s.logger.WithFields(map[string]interface{}{
		"poll_interval":        updated.PollInterval.String(),
		"maintenance_schedule": updated.MaintenanceSchedule,
	}).Info("Scheduler rescheduled")
}

// Entries returns the number of scheduled entries
func (s *Scheduler) Entries() int {
	s.entriesMutex.RLock()
	defer s.entriesMutex.RUnlock()
	return len(s.cronEntries)
}
