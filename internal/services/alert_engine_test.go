package services

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pratik-mahalle/fleetpulse/internal/domain/alert"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/device"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/job"
	"github.com/pratik-mahalle/fleetpulse/internal/probes"
)

func TestAlertEngine_DedupFiresHighestSeverity(t *testing.T) {
	h := newEngineHarness(t, downRules()...)
	d := testDevice("router-1")

	h.probe(t, d, probes.KindSuccess)
	h.clock.Advance(10 * time.Second)
	h.probe(t, d, probes.KindTimeout)

	active := h.activeAlerts(d.ID)
	require.Len(t, active, 1)
	assert.Equal(t, "down-critical", active[0].RuleID)
	assert.Equal(t, alert.SeverityCritical, active[0].Severity)
	assert.Equal(t, "device-down", active[0].Group)

	notifications := h.enqueuer.Notifications()
	require.Len(t, notifications, 1)
	assert.Equal(t, job.ActionTriggered, notifications[0].Action)
	assert.Equal(t, active[0].ID, notifications[0].AlertID)

	h.clock.Advance(10 * time.Second)
	h.probe(t, d, probes.KindTimeout)
	assert.Len(t, h.activeAlerts(d.ID), 1, "repeated failures must not duplicate the alert")
	assert.Len(t, h.enqueuer.Notifications(), 1)
}

func TestAlertEngine_TieBreakByPriority(t *testing.T) {
	h := newEngineHarness(t,
		alert.Rule{ID: "b-rule", Expression: "down", Severity: alert.SeverityHigh, Group: "outage", Priority: 5, Enabled: true},
		alert.Rule{ID: "a-rule", Expression: "down", Severity: alert.SeverityHigh, Group: "outage", Priority: 1, Enabled: true},
		alert.Rule{ID: "c-rule", Expression: "down", Severity: alert.SeverityHigh, Group: "outage", Priority: 1, Enabled: true},
	)
	d := testDevice("router-2")

	h.probe(t, d, probes.KindUnreachable)

	active := h.activeAlerts(d.ID)
	require.Len(t, active, 1)
	assert.Equal(t, "a-rule", active[0].RuleID)
}

func TestAlertEngine_UngroupedRulesFireIndependently(t *testing.T) {
	h := newEngineHarness(t,
		alert.Rule{ID: "down", Expression: "down", Severity: alert.SeverityHigh, Enabled: true},
		alert.Rule{ID: "failing", Expression: "consecutive_failures >= 1", Severity: alert.SeverityLow, Enabled: true},
	)
	d := testDevice("router-3")

	h.probe(t, d, probes.KindTimeout)
	assert.Len(t, h.activeAlerts(d.ID), 2)
}

func TestAlertEngine_EscalationSupersedes(t *testing.T) {
	h := newEngineHarness(t,
		alert.Rule{ID: "down-critical", Expression: "down && consecutive_failures >= 3", Severity: alert.SeverityCritical, Group: "device-down", Enabled: true},
		alert.Rule{ID: "down-high", Expression: "down && consecutive_failures >= 2", Severity: alert.SeverityHigh, Group: "device-down", Enabled: true},
		alert.Rule{ID: "down-medium", Expression: "down", Severity: alert.SeverityMedium, Group: "device-down", Enabled: true},
	)
	d := testDevice("switch-1")

	for _, want := range []string{"down-medium", "down-high", "down-critical"} {
		h.probe(t, d, probes.KindTimeout)
		active := h.activeAlerts(d.ID)
		require.Len(t, active, 1)
		assert.Equal(t, want, active[0].RuleID)
		h.clock.Advance(10 * time.Second)
	}

	for _, ruleID := range []string{"down-medium", "down-high"} {
		instances := h.alertsFor(d.ID, ruleID)
		require.Len(t, instances, 1)
		assert.Equal(t, alert.ReasonSuperseded, instances[0].ResolutionReason)
	}

	h.probe(t, d, probes.KindSuccess)
	assert.Empty(t, h.activeAlerts(d.ID))
	critical := h.alertsFor(d.ID, "down-critical")
	require.Len(t, critical, 1)
	assert.Equal(t, alert.ReasonCleared, critical[0].ResolutionReason)
}

func TestAlertEngine_ResolvesOnRecovery(t *testing.T) {
	h := newEngineHarness(t, downRules()...)
	d := testDevice("router-4")

	h.probe(t, d, probes.KindTimeout)
	recoveredAt := h.clock.Advance(30 * time.Second)
	h.probe(t, d, probes.KindSuccess)

	assert.Empty(t, h.activeAlerts(d.ID))

	notifications := h.enqueuer.Notifications()
	require.Len(t, notifications, 2)
	resolved := notifications[1]
	assert.Equal(t, job.ActionResolved, resolved.Action)
	require.NotNil(t, resolved.ResolvedAt)
	assert.True(t, resolved.ResolvedAt.Equal(recoveredAt))
	assert.Equal(t, "down-critical", resolved.RuleID)
}

func TestAlertEngine_FlapSuppression(t *testing.T) {
	h := newEngineHarness(t,
		alert.Rule{ID: "down", Expression: "down", Severity: alert.SeverityHigh, For: 20 * time.Second, Enabled: true},
	)
	d := testDevice("ap-1")

	h.probe(t, d, probes.KindSuccess)
	for i := 0; i < 5; i++ {
		h.clock.Advance(10 * time.Second)
		kind := probes.KindTimeout
		if i%2 == 1 {
			kind = probes.KindSuccess
		}
		h.probe(t, d, kind)
	}

	assert.Empty(t, h.alertsFor(d.ID, "down"), "per-transition alerts must be suppressed while flapping")
	flapping := h.alertsFor(d.ID, alert.FlappingRuleID)
	require.Len(t, flapping, 1)
	assert.Nil(t, flapping[0].ResolvedAt)
	assert.Equal(t, alert.SeverityMedium, flapping[0].Severity)
	assert.Equal(t, 1, h.flaps.FlappingCount())

	h.clock.Advance(10 * time.Second)
	h.probe(t, d, probes.KindSuccess)
	h.clock.Advance(6 * time.Minute)
	h.probe(t, d, probes.KindSuccess)

	flapping = h.alertsFor(d.ID, alert.FlappingRuleID)
	require.Len(t, flapping, 1)
	assert.Equal(t, alert.ReasonStable, flapping[0].ResolutionReason)
	assert.Empty(t, h.activeAlerts(d.ID))
}

func TestAlertEngine_ForDuration(t *testing.T) {
	h := newEngineHarness(t,
		alert.Rule{ID: "latency-high", Expression: "up && latency_ms > 250", Severity: alert.SeverityLow, For: 30 * time.Second, Enabled: true},
	)
	d := testDevice("wan-1")

	slow := func() {
		o := icmpOutcome(d.ID, probes.KindSuccess, h.clock.Now())
		o.Latency = 300 * time.Millisecond
		h.apply(t, d, o)
	}

	for i := 0; i < 3; i++ {
		slow()
		assert.Empty(t, h.activeAlerts(d.ID), "fired before the for duration at step %d", i)
		h.clock.Advance(10 * time.Second)
	}
	slow()
	require.Len(t, h.activeAlerts(d.ID), 1)

	h.clock.Advance(10 * time.Second)
	h.probe(t, d, probes.KindSuccess)
	assert.Empty(t, h.activeAlerts(d.ID))

	// a cleared condition restarts the pending period
	h.clock.Advance(10 * time.Second)
	slow()
	assert.Empty(t, h.activeAlerts(d.ID))
}

func TestAlertEngine_MalformedRuleIsIsolated(t *testing.T) {
	h := newEngineHarness(t,
		alert.Rule{ID: "broken", Expression: "down &&", Severity: alert.SeverityCritical, Enabled: true},
		alert.Rule{ID: "down", Expression: "down", Severity: alert.SeverityHigh, Enabled: true},
	)
	devices := []string{"dev-a", "dev-b"}

	for _, id := range devices {
		h.probe(t, testDevice(id), probes.KindTimeout)
	}

	for _, id := range devices {
		active := h.activeAlerts(id)
		require.Len(t, active, 1)
		assert.Equal(t, "down", active[0].RuleID)
	}
}

func TestAlertEngine_MissingMetricKeepsInstance(t *testing.T) {
	h := newEngineHarness(t,
		alert.Rule{ID: "cpu-high", Expression: "cpu_load > 90", Severity: alert.SeverityMedium, Enabled: true},
		alert.Rule{ID: "down", Expression: "down", Severity: alert.SeverityHigh, Enabled: true},
	)
	d := testDevice("srv-1")

	o := icmpOutcome(d.ID, probes.KindSuccess, h.clock.Now())
	o.Metrics = map[string]float64{"cpu_load": 95}
	h.apply(t, d, o)
	require.Len(t, h.alertsFor(d.ID, "cpu-high"), 1)

	h.clock.Advance(10 * time.Second)
	h.probe(t, d, probes.KindTimeout)

	active := h.activeAlerts(d.ID)
	assert.Len(t, active, 2)
	assert.Nil(t, h.alertsFor(d.ID, "cpu-high")[0].ResolvedAt, "an unevaluable rule must not resolve its instance")
}

func TestAlertEngine_MetricsMapAccess(t *testing.T) {
	h := newEngineHarness(t,
		alert.Rule{ID: "if-errors", Expression: `metrics["if_errors"] > 10`, Severity: alert.SeverityLow, Enabled: true},
	)
	d := testDevice("edge-1")

	o := icmpOutcome(d.ID, probes.KindSuccess, h.clock.Now())
	o.Metrics = map[string]float64{"if_errors": 12}
	h.apply(t, d, o)

	assert.Len(t, h.activeAlerts(d.ID), 1)
}

func TestAlertEngine_RuleRemoved(t *testing.T) {
	h := newEngineHarness(t, downRules()...)
	d := testDevice("router-5")

	h.probe(t, d, probes.KindTimeout)
	require.Len(t, h.activeAlerts(d.ID), 1)

	h.store.Replace(nil)
	h.clock.Advance(10 * time.Second)
	h.probe(t, d, probes.KindTimeout)

	assert.Empty(t, h.activeAlerts(d.ID))
	critical := h.alertsFor(d.ID, "down-critical")
	require.Len(t, critical, 1)
	assert.Equal(t, alert.ReasonRuleGone, critical[0].ResolutionReason)
}

func TestAlertEngine_Scope(t *testing.T) {
	h := newEngineHarness(t,
		alert.Rule{ID: "snmp-misconfigured", Expression: "protocol_error", Severity: alert.SeverityMedium, Scope: alert.Scope{Tags: []string{"snmp"}}, Enabled: true},
		alert.Rule{ID: "core-down", Expression: "down", Severity: alert.SeverityCritical, Scope: alert.Scope{DeviceIDs: []string{"core-1"}}, Enabled: true},
	)
	tagged := testDevice("sw-1", "snmp")
	plain := testDevice("sw-2")
	core := testDevice("core-1")

	for _, dev := range []device.Device{tagged, plain} {
		h.apply(t, dev, probes.Outcome{DeviceID: dev.ID, Probe: probes.NameSNMP, Kind: probes.KindProtocolError, IssuedAt: h.clock.Now()})
	}
	h.probe(t, core, probes.KindTimeout)
	h.probe(t, plain, probes.KindTimeout)

	assert.Len(t, h.alertsFor(tagged.ID, "snmp-misconfigured"), 1)
	assert.Empty(t, h.alertsFor(plain.ID, "snmp-misconfigured"))
	assert.Len(t, h.alertsFor(core.ID, "core-down"), 1)
	assert.Empty(t, h.alertsFor(plain.ID, "core-down"))
}

func TestAlertEngine_NotificationFailureKeepsAlert(t *testing.T) {
	h := newEngineHarness(t, downRules()...)
	h.enqueuer.Err = stderrors.New("queue down")
	d := testDevice("router-6")

	h.probe(t, d, probes.KindTimeout)

	assert.Len(t, h.activeAlerts(d.ID), 1)
	assert.Equal(t, 1, h.enqueuer.Calls())
}

func TestAlertEngine_StaleApplyIsIgnored(t *testing.T) {
	h := newEngineHarness(t, downRules()...)

	err := h.engine.Evaluate(context.Background(), &Applied{Stale: true})
	assert.NoError(t, err)
	assert.Empty(t, h.alerts.All())
}

func TestAlertEngine_PrunePending(t *testing.T) {
	h := newEngineHarness(t,
		alert.Rule{ID: "down", Expression: "down", Severity: alert.SeverityHigh, For: time.Minute, Enabled: true},
	)
	h.probe(t, testDevice("keep"), probes.KindTimeout)
	h.probe(t, testDevice("gone"), probes.KindTimeout)

	assert.Equal(t, 1, h.engine.PrunePending([]string{"keep"}))
	assert.Zero(t, h.engine.PrunePending([]string{"keep"}))
}
