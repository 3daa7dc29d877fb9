package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/samber/lo"

	"github.com/pratik-mahalle/fleetpulse/internal/config"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/state"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/logger"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/metrics"
)

// FlapClass is the stability classification of a device
type FlapClass string

const (
	FlapStable   FlapClass = "stable"
	FlapFlapping FlapClass = "flapping"
)

// Classification is the result of one window evaluation
type Classification struct {
	Class   FlapClass `json:"class"`
	Changes int       `json:"changes"`
	Samples int       `json:"samples"`
}

// IsFlapping reports whether the device is flapping
func (c Classification) IsFlapping() bool {
	return c.Class == FlapFlapping
}

type flapSample struct {
	at   time.Time
	down bool
}

type flapWindow struct {
	mu       sync.Mutex
	samples  []flapSample
	flapping bool
}

// FlapDetector keeps a bounded, time-ordered sample window per device and
// classifies a device as flapping once its state changes reach the threshold
// within the lookback window
type FlapDetector struct {
	windows  *xsync.Map[string, *flapWindow]
	tuning   *config.TuningWatcher
	flapping atomic.Int64
	logger   *logger.Logger
}

// NewFlapDetector creates a new flap detector
func NewFlapDetector(tuning *config.TuningWatcher, log *logger.Logger) *FlapDetector {
	if log == nil {
		log = logger.Nop()
	}
	return &FlapDetector{
		windows: xsync.NewMap[string, *flapWindow](),
		tuning:  tuning,
		logger:  log,
	}
}

func (f *FlapDetector) window(deviceID string) *flapWindow {
	w, ok := f.windows.Load(deviceID)
	if !ok {
		w, _ = f.windows.LoadOrStore(deviceID, &flapWindow{})
	}
	return w
}

// Observe appends one sample. Samples older than the newest one are rejected.
func (f *FlapDetector) Observe(deviceID string, at time.Time, down bool) Classification {
	t := f.tuning.Current()
	w := f.window(deviceID)

	w.mu.Lock()
	defer w.mu.Unlock()

	if n := len(w.samples); n > 0 && at.Before(w.samples[n-1].at) {
		return f.classifyLocked(w, w.samples[n-1].at, t)
	}
	w.samples = append(w.samples, flapSample{at: at, down: down})
	if over := len(w.samples) - t.FlapMaxSamples; over > 0 {
		w.samples = append(w.samples[:0], w.samples[over:]...)
	}
	return f.classifyLocked(w, at, t)
}

// Classify evaluates the window of a device as of now
func (f *FlapDetector) Classify(deviceID string, now time.Time) Classification {
	w, ok := f.windows.Load(deviceID)
	if !ok {
		return Classification{Class: FlapStable}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return f.classifyLocked(w, now, f.tuning.Current())
}

func (f *FlapDetector) classifyLocked(w *flapWindow, now time.Time, t config.Tuning) Classification {
	cutoff := now.Add(-t.FlapWindow)
	keep := 0
	for keep < len(w.samples) && w.samples[keep].at.Before(cutoff) {
		keep++
	}
	if keep > 0 {
		w.samples = append(w.samples[:0], w.samples[keep:]...)
	}

	changes := 0
	for i := 1; i < len(w.samples); i++ {
		if w.samples[i].down != w.samples[i-1].down {
			changes++
		}
	}

	flapping := changes >= t.FlapThreshold
	if flapping != w.flapping {
		w.flapping = flapping
		if flapping {
			f.flapping.Add(1)
		} else {
			f.flapping.Add(-1)
		}
		metrics.SetFlappingDevices(int(f.flapping.Load()))
	}

	c := Classification{Class: FlapStable, Changes: changes, Samples: len(w.samples)}
	if flapping {
		c.Class = FlapFlapping
	}
	return c
}

// FlappingCount returns the number of devices currently flapping
func (f *FlapDetector) FlappingCount() int {
	return int(f.flapping.Load())
}

// Prune drops the windows of devices not in activeIDs
func (f *FlapDetector) Prune(activeIDs []string) int {
	active := lo.SliceToMap(activeIDs, func(id string) (string, struct{}) { return id, struct{}{} })
	removed := 0
	f.windows.Range(func(id string, w *flapWindow) bool {
		if _, ok := active[id]; ok {
			return true
		}
		f.windows.Delete(id)
		w.mu.Lock()
		if w.flapping {
			f.flapping.Add(-1)
		}
		w.mu.Unlock()
		removed++
		return true
	})
	if removed > 0 {
		metrics.SetFlappingDevices(int(f.flapping.Load()))
	}
	return removed
}

// Rebuild replaces the window of a device from its transition history,
// oldest first. The state before the first transition is seeded at the same
// instant so that every transition counts as one change.
func (f *FlapDetector) Rebuild(deviceID string, history []state.Transition) Classification {
	w := &flapWindow{}
	if old, loaded := f.windows.LoadAndStore(deviceID, w); loaded {
		old.mu.Lock()
		if old.flapping {
			f.flapping.Add(-1)
		}
		old.mu.Unlock()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	t := f.tuning.Current()
	for i, tr := range history {
		down := tr.Kind == state.WentDown
		if i == 0 {
			w.samples = append(w.samples, flapSample{at: tr.At, down: !down})
		}
		w.samples = append(w.samples, flapSample{at: tr.At, down: down})
	}
	if over := len(w.samples) - t.FlapMaxSamples; over > 0 {
		w.samples = w.samples[over:]
	}
	now := time.Time{}
	if n := len(w.samples); n > 0 {
		now = w.samples[n-1].at
	}
	return f.classifyLocked(w, now, t)
}

// RebuildAll seeds every window from the transition history within the
// lookback window. Used at startup.
func (f *FlapDetector) RebuildAll(ctx context.Context, states state.Repository, now time.Time) (int, error) {
	since := now.Add(-f.tuning.Current().FlapWindow)
	history, err := states.TransitionsSince(ctx, since)
	if err != nil {
		return 0, err
	}

	byDevice := lo.GroupBy(history, func(tr state.Transition) string { return tr.DeviceID })
	for id, transitions := range byDevice {
		f.Rebuild(id, transitions)
	}

	f.logger.WithFields(map[string]interface{}{
		"devices":     len(byDevice),
		"transitions": len(history),
		"flapping":    f.FlappingCount(),
	}).Info("Flap windows rebuilt")
	return len(byDevice), nil
}
