package services

import (
	"context"
	stderrors "errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pratik-mahalle/fleetpulse/internal/domain/state"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/errors"
	"github.com/pratik-mahalle/fleetpulse/internal/probes"
)

func TestStateTracker_DownAndRecover(t *testing.T) {
	h := newEngineHarness(t)
	d := testDevice("router-1")

	h.probe(t, d, probes.KindSuccess)
	start := h.clock.Advance(10 * time.Second)

	for i := 0; i < 3; i++ {
		applied := h.probe(t, d, probes.KindTimeout)
		require.NotNil(t, applied.State.DownSince)
		assert.True(t, applied.State.DownSince.Equal(start), "down_since moved on failure %d", i+1)
		assert.Equal(t, i+1, applied.State.ConsecutiveFailures)
		if i == 0 {
			require.NotNil(t, applied.Transition)
			assert.Equal(t, state.WentDown, applied.Transition.Kind)
		} else {
			assert.Nil(t, applied.Transition)
		}
		h.clock.Advance(10 * time.Second)
	}

	applied := h.probe(t, d, probes.KindSuccess)
	require.NotNil(t, applied.Transition)
	assert.Equal(t, state.Recovered, applied.Transition.Kind)
	assert.Equal(t, 30*time.Second, applied.Transition.Downtime)
	assert.True(t, applied.Transition.DownSince.Equal(start))
	assert.False(t, applied.Transition.Healed)
	assert.Nil(t, applied.State.DownSince)
	assert.Zero(t, applied.State.ConsecutiveFailures)
	assert.Equal(t, 5.0, applied.State.LastLatencyMs)

	published := h.published()
	require.Len(t, published, 2)
	assert.Equal(t, state.WentDown, published[0].Kind)
	assert.Equal(t, state.Recovered, published[1].Kind)
	assert.Len(t, h.states.TransitionsFor(d.ID), 2)
	assert.Equal(t, 2, h.invalidationCount())
}

func TestStateTracker_DuplicateIsIdempotent(t *testing.T) {
	h := newEngineHarness(t)
	d := testDevice("switch-1")
	o := icmpOutcome(d.ID, probes.KindUnreachable, h.clock.Now())

	first := h.apply(t, d, o)
	require.False(t, first.Stale)
	saves := h.states.Saves

	second := h.apply(t, d, o)
	assert.True(t, second.Stale)
	assert.Nil(t, second.Transition)
	assert.Equal(t, saves, h.states.Saves)
	assert.Len(t, h.published(), 1)
}

func TestStateTracker_OutOfOrderResultIsStale(t *testing.T) {
	h := newEngineHarness(t)
	d := testDevice("ap-1")

	late := icmpOutcome(d.ID, probes.KindTimeout, epoch.Add(20*time.Second))
	early := icmpOutcome(d.ID, probes.KindSuccess, epoch.Add(10*time.Second))

	h.apply(t, d, late)
	applied := h.apply(t, d, early)

	assert.True(t, applied.Stale)
	assert.True(t, applied.State.IsDown(), "older success must not recover the device")
	assert.True(t, applied.State.LastProbeAt.Equal(late.IssuedAt))
}

func TestStateTracker_SelfHealing(t *testing.T) {
	old := epoch.Add(-time.Minute)

	t.Run("failure streak without down_since", func(t *testing.T) {
		h := newEngineHarness(t)
		d := testDevice("heal-1")
		h.states.States[d.ID] = &state.DeviceState{
			DeviceID:            d.ID,
			LastProbeResult:     string(probes.KindTimeout),
			LastProbeAt:         &old,
			ConsecutiveFailures: 2,
			ProtocolStatus:      state.ProtocolUnknown,
			Version:             4,
		}

		applied := h.probe(t, d, probes.KindTimeout)
		require.NotNil(t, applied.Transition)
		assert.Equal(t, state.WentDown, applied.Transition.Kind)
		assert.True(t, applied.Transition.Healed)
		assert.Equal(t, int64(5), applied.State.Version)
	})

	t.Run("success with down_since", func(t *testing.T) {
		h := newEngineHarness(t)
		d := testDevice("heal-2")
		h.states.States[d.ID] = &state.DeviceState{
			DeviceID:        d.ID,
			DownSince:       &old,
			LastProbeResult: string(probes.KindSuccess),
			LastProbeAt:     &old,
			ProtocolStatus:  state.ProtocolUnknown,
			Version:         1,
		}

		applied := h.probe(t, d, probes.KindSuccess)
		require.NotNil(t, applied.Transition)
		assert.Equal(t, state.Recovered, applied.Transition.Kind)
		assert.True(t, applied.Transition.Healed)
		assert.Equal(t, time.Minute, applied.Transition.Downtime)
	})
}

func TestStateTracker_VersionConflict(t *testing.T) {
	t.Run("retries once", func(t *testing.T) {
		h := newEngineHarness(t)
		d := testDevice("cas-1")
		h.states.ConflictOnce = true

		applied := h.probe(t, d, probes.KindTimeout)
		require.NotNil(t, applied.Transition)
		assert.Equal(t, 1, h.states.Saves)
	})

	t.Run("gives up after retry", func(t *testing.T) {
		h := newEngineHarness(t)
		d := testDevice("cas-2")
		h.states.SaveError = state.ErrVersionConflict

		_, err := h.tracker.Apply(context.Background(), d, icmpOutcome(d.ID, probes.KindTimeout, epoch), 1)
		require.Error(t, err)
		assert.True(t, stderrors.Is(err, state.ErrVersionConflict))
		assert.True(t, errors.HasCode(err, errors.ErrCodeConflict))
		assert.Empty(t, h.published())
	})

	t.Run("store failure is returned", func(t *testing.T) {
		h := newEngineHarness(t)
		d := testDevice("cas-3")
		h.states.GetError = errors.DatabaseError("Failed to get device state", stderrors.New("connection refused"))

		_, err := h.tracker.Apply(context.Background(), d, icmpOutcome(d.ID, probes.KindTimeout, epoch), 1)
		assert.True(t, errors.IsInfrastructure(err))
	})
}

func TestStateTracker_ProtocolOutcomes(t *testing.T) {
	h := newEngineHarness(t)
	d := testDevice("snmp-1")

	h.probe(t, d, probes.KindSuccess)

	snmp := func(kind probes.Kind, reason string, at time.Time) probes.Outcome {
		return probes.Outcome{DeviceID: d.ID, Probe: probes.NameSNMP, Kind: kind, Reason: reason, IssuedAt: at, CompletedAt: at}
	}

	applied := h.apply(t, d, snmp(probes.KindProtocolError, "auth failure", h.clock.Advance(time.Second)))
	assert.Nil(t, applied.Transition)
	assert.False(t, applied.State.IsDown(), "protocol errors never mark a device down")
	assert.Equal(t, state.ProtocolError, applied.State.ProtocolStatus)
	assert.Equal(t, "auth failure", applied.State.ProtocolReason)
	assert.Equal(t, 1, h.invalidationCount())

	applied = h.apply(t, d, snmp(probes.KindSuccess, "", h.clock.Advance(time.Second)))
	assert.Equal(t, state.ProtocolOK, applied.State.ProtocolStatus)
	assert.Empty(t, applied.State.ProtocolReason)
	assert.Equal(t, 2, h.invalidationCount())

	// a reachable device whose agent stays silent has a protocol problem
	applied = h.apply(t, d, snmp(probes.KindTimeout, "", h.clock.Advance(time.Second)))
	assert.Equal(t, state.ProtocolError, applied.State.ProtocolStatus)
	assert.Equal(t, "snmp timeout", applied.State.ProtocolReason)
	assert.False(t, applied.State.IsDown())
	assert.Equal(t, 3, h.invalidationCount())

	// protocol outcomes keep their own staleness cursor
	applied = h.probe(t, d, probes.KindTimeout)
	assert.False(t, applied.Stale)
	assert.True(t, applied.State.IsDown())
}

func TestStateTracker_ProtocolTimeoutWhileDown(t *testing.T) {
	h := newEngineHarness(t)
	d := testDevice("snmp-2")

	h.probe(t, d, probes.KindSuccess)
	at := h.clock.Advance(time.Second)
	h.apply(t, d, probes.Outcome{DeviceID: d.ID, Probe: probes.NameSNMP, Kind: probes.KindSuccess, IssuedAt: at, CompletedAt: at})
	h.clock.Advance(time.Second)
	h.probe(t, d, probes.KindUnreachable)

	at = h.clock.Advance(time.Second)
	applied := h.apply(t, d, probes.Outcome{DeviceID: d.ID, Probe: probes.NameSNMP, Kind: probes.KindTimeout, IssuedAt: at, CompletedAt: at})
	assert.Equal(t, state.ProtocolOK, applied.State.ProtocolStatus, "an unreachable device says nothing about its agent")
	assert.True(t, applied.State.IsDown())
}

func TestStateTracker_ReachabilityProtocolErrorKeepsOutage(t *testing.T) {
	h := newEngineHarness(t, downRules()...)
	d := testDevice("tcp-1")

	down := h.probe(t, d, probes.KindUnreachable)
	require.NotNil(t, down.State.DownSince)
	require.Len(t, h.activeAlerts(d.ID), 1)
	h.clock.Advance(10 * time.Second)

	o := icmpOutcome(d.ID, probes.KindProtocolError, h.clock.Now())
	o.Reason = "connection reset"
	applied := h.apply(t, d, o)

	assert.Nil(t, applied.Transition, "a probe that could not check the device must not end the outage")
	assert.True(t, applied.State.IsDown())
	assert.True(t, applied.State.DownSince.Equal(*down.State.DownSince))
	assert.Equal(t, down.State.LastStateChange, applied.State.LastStateChange)
	assert.Equal(t, 1, applied.State.ConsecutiveFailures)
	assert.Equal(t, string(probes.KindUnreachable), applied.State.LastProbeResult)
	assert.True(t, applied.State.LastProbeAt.Equal(o.IssuedAt))
	assert.Equal(t, state.ProtocolError, applied.State.ProtocolStatus)
	assert.Equal(t, "connection reset", applied.State.ProtocolReason)
	assert.Len(t, h.activeAlerts(d.ID), 1)
	assert.Len(t, h.published(), 1)

	// the next real answer still recovers it
	h.clock.Advance(10 * time.Second)
	recovered := h.probe(t, d, probes.KindSuccess)
	require.NotNil(t, recovered.Transition)
	assert.Equal(t, state.Recovered, recovered.Transition.Kind)
	assert.False(t, recovered.Transition.Healed)
}

func TestStateTracker_RejectsLocalOutcome(t *testing.T) {
	h := newEngineHarness(t)
	d := testDevice("icmp-1")
	h.probe(t, d, probes.KindTimeout)
	saves := h.states.Saves

	o := icmpOutcome(d.ID, probes.KindLocalError, h.clock.Advance(time.Second))
	o.Reason = "icmp: socket: permission denied"
	_, err := h.tracker.Apply(context.Background(), d, o, 1)

	assert.ErrorIs(t, err, ErrLocalOutcome)
	assert.Equal(t, saves, h.states.Saves)
}

func TestStateTracker_RandomizedInvariants(t *testing.T) {
	kinds := []probes.Kind{probes.KindSuccess, probes.KindTimeout, probes.KindUnreachable, probes.KindProtocolError}
	rng := rand.New(rand.NewSource(1))

	for run := 0; run < 20; run++ {
		h := newEngineHarness(t)
		d := testDevice("rand-1")

		var downSince *time.Time
		wentDown, recovered := 0, 0

		for step := 0; step < 200; step++ {
			at := h.clock.Advance(time.Duration(rng.Intn(5000)+1) * time.Millisecond)
			kind := kinds[rng.Intn(len(kinds))]
			applied := h.apply(t, d, icmpOutcome(d.ID, kind, at))

			failed := kind == probes.KindTimeout || kind == probes.KindUnreachable
			wantDown := downSince != nil
			switch {
			case failed:
				wantDown = true
			case kind == probes.KindSuccess:
				wantDown = false
			}
			if wantDown != applied.State.IsDown() {
				t.Fatalf("run %d step %d: down = %v after %s", run, step, applied.State.IsDown(), kind)
			}
			if wantDown && downSince != nil && !applied.State.DownSince.Equal(*downSince) {
				t.Fatalf("run %d step %d: down_since moved while down", run, step)
			}
			switch {
			case wantDown && downSince == nil:
				v := at
				downSince = &v
			case !wantDown:
				downSince = nil
			}

			if applied.Transition != nil {
				switch applied.Transition.Kind {
				case state.WentDown:
					wentDown++
				case state.Recovered:
					recovered++
					if applied.Transition.Downtime < 0 {
						t.Fatalf("run %d step %d: negative downtime", run, step)
					}
				}
			}
			if diff := wentDown - recovered; diff != 0 && diff != 1 {
				t.Fatalf("run %d step %d: %d went-down vs %d recovered", run, step, wentDown, recovered)
			}
		}
		assert.Len(t, h.published(), wentDown+recovered)
	}
}

func TestStateTracker_ConcurrentApply(t *testing.T) {
	h := newEngineHarness(t)
	d := testDevice("race-1")

	const n = 50
	order := rand.New(rand.NewSource(3)).Perm(n)

	var wg sync.WaitGroup
	for _, i := range order {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kind := probes.KindSuccess
			if i%2 == 0 {
				kind = probes.KindTimeout
			}
			o := icmpOutcome(d.ID, kind, epoch.Add(time.Duration(i)*time.Second))
			if _, err := h.tracker.Apply(context.Background(), d, o, uint64(i+1)); err != nil {
				t.Errorf("Apply() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	st, err := h.states.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.True(t, st.LastProbeAt.Equal(epoch.Add((n-1)*time.Second)))
	assert.Equal(t, string(probes.KindSuccess), st.LastProbeResult)
	assert.False(t, st.IsDown())

	published := h.published()
	for i := 1; i < len(published); i++ {
		assert.NotEqual(t, published[i-1].Kind, published[i].Kind, "transitions must alternate")
	}
}
