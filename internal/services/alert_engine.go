package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/samber/lo"

	"github.com/pratik-mahalle/fleetpulse/internal/domain/alert"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/job"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/state"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/errors"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/logger"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/metrics"
	"github.com/pratik-mahalle/fleetpulse/internal/rules"
)

// Alert actions recorded in metrics
const (
	actionCreated    = "created"
	actionResolved   = "resolved"
	actionSuppressed = "suppressed"
)

// AlertEngine evaluates rules against each applied outcome and maintains the
// alert instances of the device
type AlertEngine struct {
	rules    *rules.Store
	alerts   alert.Repository
	flaps    *FlapDetector
	enqueuer Enqueuer
	logger   *logger.Logger

	// pending holds the first time a rule with a For duration matched a device
	pending *xsync.Map[string, time.Time]
}

// NewAlertEngine creates a new alert engine
func NewAlertEngine(store *rules.Store, alerts alert.Repository, flaps *FlapDetector, enqueuer Enqueuer, log *logger.Logger) *AlertEngine {
	if log == nil {
		log = logger.Nop()
	}
	return &AlertEngine{
		rules:    store,
		alerts:   alerts,
		flaps:    flaps,
		enqueuer: enqueuer,
		logger:   log,
		pending:  xsync.NewMap[string, time.Time](),
	}
}

func pendingKey(deviceID, ruleID string) string {
	return deviceID + "|" + ruleID
}

// Evaluate implements Evaluator
func (e *AlertEngine) Evaluate(ctx context.Context, a *Applied) error {
	if a == nil || a.Stale || a.State == nil {
		return nil
	}

	d := a.Device
	now := a.Outcome.ObservedAt()
	log := e.logger.ForDevice(d.ID).ForCycle(a.CycleID)

	var class Classification
	if a.Outcome.IsProtocol() {
		class = e.flaps.Classify(d.ID, now)
	} else {
		class = e.flaps.Observe(d.ID, now, a.State.IsDown())
	}

	compiled, err := e.rules.Rules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	inScope := lo.Filter(compiled, func(c *rules.Compiled, _ int) bool { return c.Rule.Scope.Matches(d) })

	active, err := e.alerts.ActiveForDevice(ctx, d.ID)
	if err != nil {
		return err
	}
	activeByRule := lo.KeyBy(active, func(inst *alert.Instance) string { return inst.RuleID })

	params := evaluationParams(a, class.IsFlapping(), now)

	holds := make(map[string]bool, len(inScope))
	failed := make(map[string]bool)
	var ready []*rules.Compiled

	for _, c := range inScope {
		ok, err := c.Eval(ctx, params)
		if err != nil {
			failed[c.Rule.ID] = true
			metrics.RecordRuleError(c.Rule.ID)
			log.WithFields(map[string]interface{}{
				"rule_id": c.Rule.ID,
			}).WarnWithErr(errors.RuleEvaluation(c.Rule.ID, err), "Skipping rule")
			continue
		}

		key := pendingKey(d.ID, c.Rule.ID)
		if !ok {
			e.pending.Delete(key)
			continue
		}
		holds[c.Rule.ID] = true

		if c.Rule.For > 0 && activeByRule[c.Rule.ID] == nil {
			since, _ := e.pending.LoadOrStore(key, now)
			if now.Sub(since) < c.Rule.For {
				continue
			}
		}
		ready = append(ready, c)
	}

	if class.IsFlapping() {
		for _, c := range ready {
			if activeByRule[c.Rule.ID] == nil {
				metrics.RecordAlertAction(actionSuppressed, c.Rule.Severity)
			}
		}
		if activeByRule[alert.FlappingRuleID] == nil {
			e.create(ctx, log, a, &alert.Instance{
				RuleID:      alert.FlappingRuleID,
				DeviceID:    d.ID,
				Severity:    alert.SeverityMedium,
				Group:       alert.FlappingRuleID,
				Message:     fmt.Sprintf("Device %s is flapping: %d state changes in window", d.ID, class.Changes),
				TriggeredAt: now,
			})
		}
	} else {
		if inst := activeByRule[alert.FlappingRuleID]; inst != nil {
			e.resolve(ctx, log, a, inst, now, alert.ReasonStable)
			delete(activeByRule, alert.FlappingRuleID)
		}
		e.fireWinners(ctx, log, a, ready, activeByRule, now)
	}

	known := lo.SliceToMap(inScope, func(c *rules.Compiled) (string, bool) { return c.Rule.ID, true })
	for ruleID, inst := range activeByRule {
		if ruleID == alert.FlappingRuleID || !inst.IsActive() {
			continue
		}
		switch {
		case failed[ruleID]:
			// keep instances of rules we could not evaluate
		case !known[ruleID]:
			e.resolve(ctx, log, a, inst, now, alert.ReasonRuleGone)
		case !holds[ruleID]:
			e.resolve(ctx, log, a, inst, now, alert.ReasonCleared)
		}
	}
	return nil
}

// fireWinners creates the strongest ready rule of every dedup group and
// supersedes the other active instances of that group
func (e *AlertEngine) fireWinners(ctx context.Context, log *logger.Logger, a *Applied, ready []*rules.Compiled, activeByRule map[string]*alert.Instance, now time.Time) {
	winners := make(map[string]*rules.Compiled)
	for _, c := range ready {
		group := c.Rule.DedupGroup()
		if cur, ok := winners[group]; !ok || c.Rule.Outranks(cur.Rule) {
			winners[group] = c
		}
	}

	for _, c := range ready {
		if w := winners[c.Rule.DedupGroup()]; w != c && activeByRule[c.Rule.ID] == nil {
			metrics.RecordAlertAction(actionSuppressed, c.Rule.Severity)
		}
	}

	for group, w := range winners {
		for ruleID, inst := range activeByRule {
			if ruleID != w.Rule.ID && inst.IsActive() && instanceGroup(inst) == group {
				e.resolve(ctx, log, a, inst, now, alert.ReasonSuperseded)
			}
		}
		if activeByRule[w.Rule.ID] != nil {
			continue
		}
		inst := &alert.Instance{
			RuleID:      w.Rule.ID,
			DeviceID:    a.Device.ID,
			Severity:    w.Rule.Severity,
			Group:       group,
			Message:     alertMessage(w.Rule, a),
			TriggeredAt: now,
		}
		if e.create(ctx, log, a, inst) {
			activeByRule[w.Rule.ID] = inst
		}
	}
}

func instanceGroup(inst *alert.Instance) string {
	if inst.Group == "" {
		return "rule:" + inst.RuleID
	}
	return inst.Group
}

func alertMessage(r alert.Rule, a *Applied) string {
	if r.Message != "" {
		return r.Message
	}
	name := r.Name
	if name == "" {
		name = r.ID
	}
	return fmt.Sprintf("%s on device %s", name, a.Device.ID)
}

func (e *AlertEngine) create(ctx context.Context, log *logger.Logger, a *Applied, inst *alert.Instance) bool {
	created, err := e.alerts.CreateIfAbsent(ctx, inst)
	if err != nil {
		log.WithFields(map[string]interface{}{"rule_id": inst.RuleID}).ErrorWithErr(err, "Failed to create alert instance")
		return false
	}
	if !created {
		return false
	}

	metrics.RecordAlertAction(actionCreated, inst.Severity)
	log.WithFields(map[string]interface{}{
		"rule_id":  inst.RuleID,
		"alert_id": inst.ID,
		"severity": inst.Severity,
	}).Info("Alert triggered")

	e.notify(ctx, log, a.CycleID, &job.NotificationJob{
		AlertID:     inst.ID,
		DeviceID:    inst.DeviceID,
		RuleID:      inst.RuleID,
		Severity:    inst.Severity,
		Action:      job.ActionTriggered,
		Message:     inst.Message,
		TriggeredAt: inst.TriggeredAt,
	})
	return true
}

func (e *AlertEngine) resolve(ctx context.Context, log *logger.Logger, a *Applied, inst *alert.Instance, at time.Time, reason string) {
	resolved, err := e.alerts.Resolve(ctx, inst.ID, at, reason)
	if err != nil {
		log.WithFields(map[string]interface{}{"alert_id": inst.ID}).ErrorWithErr(err, "Failed to resolve alert instance")
		return
	}
	if !resolved {
		return
	}
	resolvedAt := at
	inst.ResolvedAt = &resolvedAt
	inst.ResolutionReason = reason

	metrics.RecordAlertAction(actionResolved, inst.Severity)
	log.WithFields(map[string]interface{}{
		"rule_id":  inst.RuleID,
		"alert_id": inst.ID,
		"reason":   reason,
	}).Info("Alert resolved")

	e.notify(ctx, log, a.CycleID, &job.NotificationJob{
		AlertID:     inst.ID,
		DeviceID:    inst.DeviceID,
		RuleID:      inst.RuleID,
		Severity:    inst.Severity,
		Action:      job.ActionResolved,
		Message:     inst.Message,
		TriggeredAt: inst.TriggeredAt,
		ResolvedAt:  &resolvedAt,
	})
}

func (e *AlertEngine) notify(ctx context.Context, log *logger.Logger, cycleID uint64, n *job.NotificationJob) {
	if e.enqueuer == nil {
		return
	}
	if err := e.enqueuer.Enqueue(ctx, n, cycleID); err != nil {
		log.ForLane(string(job.LaneAlertCritical)).WithFields(map[string]interface{}{
			"alert_id": n.AlertID,
			"action":   n.Action,
		}).ErrorWithErr(err, "Failed to enqueue notification")
	}
}

// PrunePending drops pending matches of devices not in activeIDs
func (e *AlertEngine) PrunePending(activeIDs []string) int {
	active := lo.SliceToMap(activeIDs, func(id string) (string, struct{}) { return id, struct{}{} })
	removed := 0
	e.pending.Range(func(key string, _ time.Time) bool {
		deviceID, _, _ := strings.Cut(key, "|")
		if _, ok := active[deviceID]; !ok {
			e.pending.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// reserved parameter names that probe metrics may not shadow
var reservedParams = map[string]bool{
	"down": true, "up": true, "consecutive_failures": true, "latency_ms": true,
	"down_seconds": true, "protocol_error": true, "flapping": true, "probe": true, "metrics": true,
}

func evaluationParams(a *Applied, flapping bool, now time.Time) map[string]interface{} {
	st := a.State
	downSeconds := 0.0
	if st.DownSince != nil {
		downSeconds = now.Sub(*st.DownSince).Seconds()
	}

	probeMetrics := make(map[string]interface{}, len(a.Outcome.Metrics))
	for name, v := range a.Outcome.Metrics {
		probeMetrics[name] = v
	}

	params := map[string]interface{}{
		"down":                 st.IsDown(),
		"up":                   !st.IsDown(),
		"consecutive_failures": float64(st.ConsecutiveFailures),
		"latency_ms":           st.LastLatencyMs,
		"down_seconds":         downSeconds,
		"protocol_error":       st.ProtocolStatus == state.ProtocolError,
		"flapping":             flapping,
		"probe":                a.Outcome.Probe,
		"metrics":              probeMetrics,
	}
	for name, v := range a.Outcome.Metrics {
		if !reservedParams[name] {
			params[name] = v
		}
	}
	return params
}
