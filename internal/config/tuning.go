package config

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/pratik-mahalle/fleetpulse/internal/pkg/logger"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/validator"
)

// LanePools holds the worker pool size of each router lane
type LanePools struct {
	AlertCritical   int `mapstructure:"alert_critical" validate:"min=1"`
	BulkMonitoring  int `mapstructure:"bulk_monitoring" validate:"min=1"`
	ProtocolPolling int `mapstructure:"protocol_polling" validate:"min=1"`
	Maintenance     int `mapstructure:"maintenance" validate:"min=1"`
}

// Size returns the pool size for a lane name, or 1 for unknown lanes
func (p LanePools) Size(lane string) int {
	switch lane {
	case "alert-critical":
		return p.AlertCritical
	case "bulk-monitoring":
		return p.BulkMonitoring
	case "protocol-polling":
		return p.ProtocolPolling
	case "maintenance":
		return p.Maintenance
	default:
		return 1
	}
}

// Tuning is the hot-reloadable operational configuration. It is read at the
// start of every cycle.
type Tuning struct {
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gte=1s"`

	TargetBatches int `mapstructure:"target_batches" validate:"min=1"`
	MinBatchSize  int `mapstructure:"min_batch_size" validate:"min=1"`
	MaxBatchSize  int `mapstructure:"max_batch_size" validate:"min=1,gtefield=MinBatchSize"`
	RoundingStep  int `mapstructure:"rounding_step" validate:"min=1"`

	FlapWindow     time.Duration `mapstructure:"flap_window" validate:"gte=1s"`
	FlapThreshold  int           `mapstructure:"flap_threshold" validate:"min=1"`
	FlapMaxSamples int           `mapstructure:"flap_max_samples" validate:"min=2"`

	Lanes LanePools `mapstructure:"lanes"`

	ProbeTimeout     time.Duration `mapstructure:"probe_timeout" validate:"gte=10ms"`
	ProbeRetries     int           `mapstructure:"probe_retries" validate:"min=0,max=5"`
	ProbeRetryDelay  time.Duration `mapstructure:"probe_retry_delay" validate:"gte=0"`
	ProbeConcurrency int           `mapstructure:"probe_concurrency" validate:"min=1"`
	// ProbeRateLimit is probes issued per second per worker, 0 disables it
	ProbeRateLimit float64 `mapstructure:"probe_rate_limit" validate:"gte=0"`

	BatchSoftDeadline time.Duration `mapstructure:"batch_soft_deadline" validate:"gte=0"`
	MaxJobAttempts    int           `mapstructure:"max_job_attempts" validate:"min=1"`

	MaintenanceSchedule string        `mapstructure:"maintenance_schedule" validate:"required"`
	AlertRetention      time.Duration `mapstructure:"alert_retention" validate:"gte=1m"`
}

// DefaultTuning returns the built-in tuning values
func DefaultTuning() Tuning {
	return Tuning{
		PollInterval:        10 * time.Second,
		TargetBatches:       10,
		MinBatchSize:        50,
		MaxBatchSize:        500,
		RoundingStep:        50,
		FlapWindow:          5 * time.Minute,
		FlapThreshold:       3,
		FlapMaxSamples:      64,
		Lanes:               LanePools{AlertCritical: 4, BulkMonitoring: 8, ProtocolPolling: 4, Maintenance: 1},
		ProbeTimeout:        2 * time.Second,
		ProbeRetries:        1,
		ProbeRetryDelay:     200 * time.Millisecond,
		ProbeConcurrency:    64,
		ProbeRateLimit:      0,
		BatchSoftDeadline:   8 * time.Second,
		MaxJobAttempts:      3,
		MaintenanceSchedule: "0 */5 * * * *",
		AlertRetention:      30 * 24 * time.Hour,
	}
}

// Validate validates the tuning values
func (t Tuning) Validate() error {
	if err := validator.Struct(t); err != nil {
		return fmt.Errorf("invalid tuning: %w", err)
	}
	return nil
}

// TuningWatcher loads Tuning from an optional YAML file and keeps an atomic
// snapshot that is swapped on every valid change of the file.
type TuningWatcher struct {
	v       *viper.Viper
	path    string
	current atomic.Pointer[Tuning]
	logger  *logger.Logger

	mu          sync.Mutex
	subscribers []func(old, updated Tuning)
}

// NewTuningWatcher loads the tuning file at path. An empty path uses the
// defaults, still overridable by FLEETPULSE_* environment variables.
func NewTuningWatcher(path string, log *logger.Logger) (*TuningWatcher, error) {
	if log == nil {
		log = logger.Nop()
	}

	v := viper.New()
	setTuningDefaults(v, DefaultTuning())
	v.SetEnvPrefix("FLEETPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read tuning file %s: %w", path, err)
		}
	}

	w := &TuningWatcher{v: v, path: path, logger: log}
	t, err := w.decode()
	if err != nil {
		return nil, err
	}
	w.current.Store(&t)
	return w, nil
}

// NewStaticTuning returns a watcher that never reloads. Used by tests and the CLI.
func NewStaticTuning(t Tuning) *TuningWatcher {
	w := &TuningWatcher{logger: logger.Nop()}
	w.current.Store(&t)
	return w
}

func setTuningDefaults(v *viper.Viper, d Tuning) {
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("target_batches", d.TargetBatches)
	v.SetDefault("min_batch_size", d.MinBatchSize)
	v.SetDefault("max_batch_size", d.MaxBatchSize)
	v.SetDefault("rounding_step", d.RoundingStep)
	v.SetDefault("flap_window", d.FlapWindow)
	v.SetDefault("flap_threshold", d.FlapThreshold)
	v.SetDefault("flap_max_samples", d.FlapMaxSamples)
	v.SetDefault("lanes.alert_critical", d.Lanes.AlertCritical)
	v.SetDefault("lanes.bulk_monitoring", d.Lanes.BulkMonitoring)
	v.SetDefault("lanes.protocol_polling", d.Lanes.ProtocolPolling)
	v.SetDefault("lanes.maintenance", d.Lanes.Maintenance)
	v.SetDefault("probe_timeout", d.ProbeTimeout)
	v.SetDefault("probe_retries", d.ProbeRetries)
	v.SetDefault("probe_retry_delay", d.ProbeRetryDelay)
	v.SetDefault("probe_concurrency", d.ProbeConcurrency)
	v.SetDefault("probe_rate_limit", d.ProbeRateLimit)
	v.SetDefault("batch_soft_deadline", d.BatchSoftDeadline)
	v.SetDefault("max_job_attempts", d.MaxJobAttempts)
	v.SetDefault("maintenance_schedule", d.MaintenanceSchedule)
	v.SetDefault("alert_retention", d.AlertRetention)
}

func (w *TuningWatcher) decode() (Tuning, error) {
	var t Tuning
	if err := w.v.Unmarshal(&t); err != nil {
		return Tuning{}, fmt.Errorf("failed to decode tuning: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Tuning{}, err
	}
	return t, nil
}

// Current returns the active tuning snapshot
func (w *TuningWatcher) Current() Tuning {
	return *w.current.Load()
}

// Subscribe registers fn to be called after every applied change
func (w *TuningWatcher) Subscribe(fn func(old, updated Tuning)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribers = append(w.subscribers, fn)
}

// Set validates and installs t, notifying subscribers
func (w *TuningWatcher) Set(t Tuning) error {
	if err := t.Validate(); err != nil {
		return err
	}
	old := w.current.Swap(&t)
	w.notify(*old, t)
	return nil
}

// Reload re-reads the tuning file. An invalid file keeps the previous snapshot.
func (w *TuningWatcher) Reload() error {
	if w.v == nil {
		return nil
	}
	if w.path != "" {
		if err := w.v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read tuning file %s: %w", w.path, err)
		}
	}
	t, err := w.decode()
	if err != nil {
		return err
	}
	old := w.current.Swap(&t)
	w.notify(*old, t)
	return nil
}

// Watch starts watching the tuning file for changes. No-op without a file.
func (w *TuningWatcher) Watch() {
	if w.v == nil || w.path == "" {
		return
	}
	w.v.OnConfigChange(func(e fsnotify.Event) {
		t, err := w.decode()
		if err != nil {
			w.logger.WithFields(map[string]interface{}{
				"file": e.Name,
			}).ErrorWithErr(err, "Rejected tuning change, keeping previous values")
			return
		}
		old := w.current.Swap(&t)
		w.logger.WithFields(map[string]interface{}{
			"file":          e.Name,
			"poll_interval": t.PollInterval.String(),
		}).Info("Tuning reloaded")
		w.notify(*old, t)
	})
	w.v.WatchConfig()
}

func (w *TuningWatcher) notify(old, updated Tuning) {
	w.mu.Lock()
	subs := make([]func(old, updated Tuning), len(w.subscribers))
	copy(subs, w.subscribers)
	w.mu.Unlock()

	for _, fn := range subs {
		fn(old, updated)
	}
}
