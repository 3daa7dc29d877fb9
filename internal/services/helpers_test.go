package services

import (
	"context"
	"sync"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/pratik-mahalle/fleetpulse/internal/config"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/alert"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/device"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/state"
	"github.com/pratik-mahalle/fleetpulse/internal/events"
	"github.com/pratik-mahalle/fleetpulse/internal/probes"
	"github.com/pratik-mahalle/fleetpulse/internal/rules"
	"github.com/pratik-mahalle/fleetpulse/internal/testutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// engineHarness wires a state tracker, flap detector and alert engine over mocks
type engineHarness struct {
	clock    *testutil.FakeClock
	tuning   *config.TuningWatcher
	states   *testutil.MockStateRepository
	alerts   *testutil.MockAlertRepository
	enqueuer *testutil.RecordingEnqueuer
	bus      *events.MemoryBus
	store    *rules.Store
	flaps    *FlapDetector
	engine   *AlertEngine
	tracker  *StateTracker

	mu            sync.Mutex
	transitions   []state.Transition
	invalidations int
}

func newEngineHarness(t *testing.T, ruleSet ...alert.Rule) *engineHarness {
	t.Helper()
	h := &engineHarness{
		clock:    testutil.NewFakeClock(epoch),
		tuning:   config.NewStaticTuning(config.DefaultTuning()),
		states:   testutil.NewMockStateRepository(),
		alerts:   testutil.NewMockAlertRepository(),
		enqueuer: testutil.NewRecordingEnqueuer(),
		bus:      events.NewMemoryBus(nil),
		store:    rules.NewStaticStore(ruleSet),
	}
	h.flaps = NewFlapDetector(h.tuning, nil)
	h.engine = NewAlertEngine(h.store, h.alerts, h.flaps, h.enqueuer, nil)
	h.tracker = NewStateTracker(h.states, h.bus, nil)
	h.tracker.SetEvaluator(h.engine)

	ctx := context.Background()
	unsubTransitions := h.bus.Subscribe(ctx, events.TopicTransitions, func(evt cloudevents.Event) {
		tr, err := events.DecodeTransition(evt)
		if err != nil {
			t.Errorf("DecodeTransition() error = %v", err)
			return
		}
		h.mu.Lock()
		h.transitions = append(h.transitions, tr)
		h.mu.Unlock()
	})
	unsubInvalidation := h.bus.Subscribe(ctx, events.TopicInvalidation, func(cloudevents.Event) {
		h.mu.Lock()
		h.invalidations++
		h.mu.Unlock()
	})
	t.Cleanup(func() {
		unsubTransitions()
		unsubInvalidation()
	})
	return h
}

func (h *engineHarness) published() []state.Transition {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]state.Transition, len(h.transitions))
	copy(out, h.transitions)
	return out
}

func (h *engineHarness) invalidationCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.invalidations
}

// probe applies one ICMP outcome issued at the current fake time
func (h *engineHarness) probe(t *testing.T, d device.Device, kind probes.Kind) *Applied {
	t.Helper()
	return h.apply(t, d, icmpOutcome(d.ID, kind, h.clock.Now()))
}

func (h *engineHarness) apply(t *testing.T, d device.Device, o probes.Outcome) *Applied {
	t.Helper()
	applied, err := h.tracker.Apply(context.Background(), d, o, uint64(o.IssuedAt.Unix()))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	return applied
}

func (h *engineHarness) activeAlerts(deviceID string) []alert.Instance {
	var out []alert.Instance
	for _, inst := range h.alerts.All() {
		if inst.DeviceID == deviceID && inst.ResolvedAt == nil {
			out = append(out, inst)
		}
	}
	return out
}

func (h *engineHarness) alertsFor(deviceID, ruleID string) []alert.Instance {
	var out []alert.Instance
	for _, inst := range h.alerts.All() {
		if inst.DeviceID == deviceID && inst.RuleID == ruleID {
			out = append(out, inst)
		}
	}
	return out
}

func icmpOutcome(deviceID string, kind probes.Kind, at time.Time) probes.Outcome {
	o := probes.Outcome{
		DeviceID:    deviceID,
		Probe:       probes.NameICMP,
		Kind:        kind,
		IssuedAt:    at,
		CompletedAt: at,
	}
	if kind == probes.KindSuccess {
		o.Latency = 5 * time.Millisecond
	}
	return o
}

func testDevice(id string, tags ...string) device.Device {
	return device.Device{ID: id, Name: id, Address: "10.0.0.1", Enabled: true, Tags: tags}
}

func downRules() []alert.Rule {
	return []alert.Rule{
		{ID: "down-critical", Expression: "down", Severity: alert.SeverityCritical, Group: "device-down", Priority: 30, Enabled: true},
		{ID: "down-high", Expression: "down", Severity: alert.SeverityHigh, Group: "device-down", Priority: 20, Enabled: true},
		{ID: "down-medium", Expression: "down", Severity: alert.SeverityMedium, Group: "device-down", Priority: 10, Enabled: true},
	}
}
