package services

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/samber/lo"

	"github.com/pratik-mahalle/fleetpulse/internal/domain/device"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/state"
	"github.com/pratik-mahalle/fleetpulse/internal/events"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/errors"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/logger"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/metrics"
	"github.com/pratik-mahalle/fleetpulse/internal/probes"
)

// Applied describes the effect of one probe outcome on a device
type Applied struct {
	Device     device.Device
	Outcome    probes.Outcome
	Previous   *state.DeviceState
	State      *state.DeviceState
	Transition *state.Transition
	CycleID    uint64
	// Stale is set when the outcome was discarded as older than stored state
	Stale bool
}

// Evaluator consumes applied outcomes. Called while the device lock is held.
type Evaluator interface {
	Evaluate(ctx context.Context, applied *Applied) error
}

// StateTracker applies probe outcomes to the persisted per-device state.
// Mutations of one device are serialized; devices proceed in parallel.
type StateTracker struct {
	states    state.Repository
	bus       events.Bus
	evaluator Evaluator
	locks     *xsync.Map[string, *sync.Mutex]
	logger    *logger.Logger
}

// NewStateTracker creates a new state tracker. bus may be nil.
func NewStateTracker(states state.Repository, bus events.Bus, log *logger.Logger) *StateTracker {
	if log == nil {
		log = logger.Nop()
	}
	return &StateTracker{
		states: states,
		bus:    bus,
		locks:  xsync.NewMap[string, *sync.Mutex](),
		logger: log,
	}
}

// SetEvaluator installs the consumer of applied outcomes
func (t *StateTracker) SetEvaluator(e Evaluator) {
	t.evaluator = e
}

// Prune drops the locks of devices not in activeIDs and returns how many
// were removed. A racing Apply on a removed device is still guarded by the
// versioned save.
func (t *StateTracker) Prune(activeIDs []string) int {
	active := lo.SliceToMap(activeIDs, func(id string) (string, struct{}) { return id, struct{}{} })
	removed := 0
	t.locks.Range(func(id string, _ *sync.Mutex) bool {
		if _, ok := active[id]; !ok {
			t.locks.Delete(id)
			removed++
		}
		return true
	})
	return removed
}

// Tracked returns how many devices currently hold a lock entry
func (t *StateTracker) Tracked() int {
	return t.locks.Size()
}

func (t *StateTracker) lock(deviceID string) *sync.Mutex {
	mu, ok := t.locks.Load(deviceID)
	if !ok {
		mu, _ = t.locks.LoadOrStore(deviceID, &sync.Mutex{})
	}
	mu.Lock()
	return mu
}

// ErrLocalOutcome rejects outcomes that describe this host rather than the device
var ErrLocalOutcome = stderrors.New("local probe failure carries no device state")

// Apply applies one outcome to the device state
func (t *StateTracker) Apply(ctx context.Context, d device.Device, o probes.Outcome, cycleID uint64) (*Applied, error) {
	if o.Local() {
		return nil, fmt.Errorf("%w: %s", ErrLocalOutcome, o.Reason)
	}
	mu := t.lock(d.ID)
	defer mu.Unlock()

	log := t.logger.ForDevice(d.ID).ForCycle(cycleID)

	applied, err := t.applyWithRetry(ctx, d, o, cycleID)
	if err != nil {
		return nil, err
	}
	if applied.Stale {
		metrics.RecordStaleResult()
		log.WithFields(map[string]interface{}{
			"probe":     o.Probe,
			"issued_at": o.IssuedAt,
		}).Debug("Discarded stale probe result")
		return applied, nil
	}

	if applied.Transition != nil {
		t.recordTransition(ctx, log, *applied.Transition)
	}
	if applied.Transition != nil || applied.Previous.ProtocolStatus != applied.State.ProtocolStatus {
		t.publishInvalidation(ctx, log, d.ID, o.ObservedAt())
	}

	if t.evaluator != nil {
		if err := t.evaluator.Evaluate(ctx, applied); err != nil {
			log.ErrorWithErr(err, "Alert evaluation failed")
		}
	}
	return applied, nil
}

func (t *StateTracker) applyWithRetry(ctx context.Context, d device.Device, o probes.Outcome, cycleID uint64) (*Applied, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		prev, err := t.states.Get(ctx, d.ID)
		switch {
		case stderrors.Is(err, state.ErrNotFound):
			prev = state.New(d.ID)
		case err != nil:
			return nil, err
		}

		applied := &Applied{Device: d, Outcome: o, Previous: prev, CycleID: cycleID}
		if isStale(prev, o) {
			applied.Stale = true
			applied.State = prev
			return applied, nil
		}

		next, transition := applyOutcome(prev, o, cycleID)
		err = t.states.Save(ctx, next, prev.Version)
		if err == nil {
			applied.State = next
			applied.Transition = transition
			return applied, nil
		}
		if !stderrors.Is(err, state.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, errors.VersionConflict(fmt.Sprintf("Device state %s", d.ID), lastErr)
}

// isStale reports whether o was issued no later than the last applied probe
// of the same family
func isStale(prev *state.DeviceState, o probes.Outcome) bool {
	last := prev.LastProbeAt
	if o.IsProtocol() {
		last = prev.LastProtocolAt
	}
	return last != nil && !o.IssuedAt.After(*last)
}

// applyOutcome computes the next state. The previous Up/Down status is read
// from DownSince only.
func applyOutcome(prev *state.DeviceState, o probes.Outcome, cycleID uint64) (*state.DeviceState, *state.Transition) {
	next := prev.Clone()
	issued := o.IssuedAt
	at := o.ObservedAt()

	if o.IsProtocol() {
		next.LastProtocolAt = &issued
		switch o.Kind {
		case probes.KindSuccess:
			next.ProtocolStatus = state.ProtocolOK
			next.ProtocolReason = ""
		case probes.KindProtocolError, probes.KindUnreachable:
			next.ProtocolStatus = state.ProtocolError
			next.ProtocolReason = o.Reason
		case probes.KindTimeout:
			// an agent rejecting our credentials stays silent; a timeout
			// from a device that answers reachability probes is that
			if next.DownSince == nil {
				next.ProtocolStatus = state.ProtocolError
				next.ProtocolReason = protocolTimeoutReason(o)
			}
		}
		return next, nil
	}

	prevResult := probes.Kind(prev.LastProbeResult)
	next.LastProbeAt = &issued

	if o.Kind == probes.KindProtocolError {
		// the device could not be checked; keep its Up/Down status as is
		next.ProtocolStatus = state.ProtocolError
		next.ProtocolReason = o.Reason
		return next, nil
	}
	next.LastProbeResult = string(o.Kind)

	if o.Failed() {
		next.ConsecutiveFailures++
		if next.DownSince != nil {
			return next, nil
		}
		next.DownSince = &at
		next.LastStateChange = &at
		return next, &state.Transition{
			DeviceID:  prev.DeviceID,
			Kind:      state.WentDown,
			At:        at,
			DownSince: at,
			CycleID:   cycleID,
			// a stored failure streak without DownSince is inconsistent
			Healed: prev.ConsecutiveFailures > 0,
		}
	}

	next.ConsecutiveFailures = 0
	if o.Kind == probes.KindSuccess {
		next.LastLatencyMs = float64(o.Latency) / float64(time.Millisecond)
	}

	if next.DownSince == nil {
		return next, nil
	}
	downSince := *next.DownSince
	next.DownSince = nil
	next.LastStateChange = &at
	return next, &state.Transition{
		DeviceID:  prev.DeviceID,
		Kind:      state.Recovered,
		At:        at,
		DownSince: downSince,
		Downtime:  at.Sub(downSince),
		CycleID:   cycleID,
		// a stored success with DownSince set is inconsistent
		Healed: prevResult == probes.KindSuccess,
	}
}

func protocolTimeoutReason(o probes.Outcome) string {
	if o.Reason != "" {
		return o.Probe + " timeout: " + o.Reason
	}
	return o.Probe + " timeout"
}

func (t *StateTracker) recordTransition(ctx context.Context, log *logger.Logger, tr state.Transition) {
	metrics.RecordTransition(string(tr.Kind))

	fields := map[string]interface{}{
		"transition": tr.Kind,
		"healed":     tr.Healed,
	}
	if tr.Kind == state.Recovered {
		fields["downtime"] = tr.Downtime.String()
	}
	log.WithFields(fields).Info("Device state changed")

	if err := t.states.RecordTransition(ctx, tr); err != nil {
		log.ErrorWithErr(err, "Failed to record transition history")
	}

	if t.bus == nil {
		return
	}
	evt, err := events.NewTransitionEvent(tr)
	if err != nil {
		log.ErrorWithErr(err, "Failed to build transition event")
		return
	}
	if err := t.bus.Publish(ctx, events.TopicTransitions, evt); err != nil {
		log.ErrorWithErr(err, "Failed to publish transition event")
	}
}

func (t *StateTracker) publishInvalidation(ctx context.Context, log *logger.Logger, deviceID string, at time.Time) {
	if t.bus == nil {
		return
	}
	evt, err := events.NewInvalidationEvent(deviceID, at)
	if err != nil {
		log.ErrorWithErr(err, "Failed to build invalidation event")
		return
	}
	if err := t.bus.Publish(ctx, events.TopicInvalidation, evt); err != nil {
		log.ErrorWithErr(err, "Failed to publish invalidation event")
	}
}
