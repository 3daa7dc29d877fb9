package alert

import (
	"errors"
	"time"

	"github.com/pratik-mahalle/fleetpulse/internal/domain/device"
)

// Alert severity levels
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// FlappingRuleID is the synthetic rule used for the collapsed flapping alert
const FlappingRuleID = "flapping"

// Resolution reasons
const (
	ReasonCleared    = "condition_cleared"
	ReasonSuperseded = "superseded"
	ReasonRuleGone   = "rule_removed"
	ReasonStable     = "stable"
)

// ErrNotFound is returned when an alert instance does not exist
var ErrNotFound = errors.New("alert instance not found")

// SeverityRank orders severities, higher is more severe. Unknown is 0.
func SeverityRank(severity string) int {
	switch severity {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Rule is an alert rule. Rules sharing a Group are mutually exclusive
// variants of one condition; only the strongest match fires.
type Rule struct {
	ID         string        `json:"id" yaml:"id" validate:"required"`
	Name       string        `json:"name" yaml:"name"`
	Expression string        `json:"expression" yaml:"expression" validate:"required"`
	Severity   string        `json:"severity" yaml:"severity" validate:"required,oneof=critical high medium low"`
	Group      string        `json:"group,omitempty" yaml:"group"`
	Priority   int           `json:"priority" yaml:"priority" validate:"gte=0"`
	Scope      Scope         `json:"scope" yaml:"scope"`
	For        time.Duration `json:"for,omitempty" yaml:"for" validate:"gte=0"`
	Message    string        `json:"message,omitempty" yaml:"message"`
	Enabled    bool          `json:"enabled" yaml:"enabled"`
}

// DedupGroup returns the dedup class of the rule
func (r Rule) DedupGroup() string {
	if r.Group == "" {
		return "rule:" + r.ID
	}
	return r.Group
}

// Outranks reports whether r wins over other within a group
func (r Rule) Outranks(other Rule) bool {
	mine, theirs := SeverityRank(r.Severity), SeverityRank(other.Severity)
	if mine != theirs {
		return mine > theirs
	}
	if r.Priority != other.Priority {
		return r.Priority < other.Priority
	}
	return r.ID < other.ID
}

// Scope restricts a rule to devices. An empty scope matches all devices.
type Scope struct {
	DeviceIDs []string `json:"device_ids,omitempty" yaml:"device_ids"`
	Tags      []string `json:"tags,omitempty" yaml:"tags"`
}

// Matches reports whether d is in scope. Listed ids and tags are alternatives.
func (s Scope) Matches(d device.Device) bool {
	if len(s.DeviceIDs) == 0 && len(s.Tags) == 0 {
		return true
	}
	for _, id := range s.DeviceIDs {
		if id == d.ID {
			return true
		}
	}
	for _, tag := range s.Tags {
		if d.HasTag(tag) {
			return true
		}
	}
	return false
}

// Instance is one firing of one rule against one device. ResolvedAt nil
// means active; at most one active instance exists per (device, rule).
type Instance struct {
	ID               string     `json:"id"`
	RuleID           string     `json:"rule_id"`
	DeviceID         string     `json:"device_id"`
	Severity         string     `json:"severity"`
	Group            string     `json:"group,omitempty"`
	Message          string     `json:"message"`
	TriggeredAt      time.Time  `json:"triggered_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	ResolutionReason string     `json:"resolution_reason,omitempty"`
}

// IsActive reports whether the instance is unresolved
func (i *Instance) IsActive() bool {
	return i.ResolvedAt == nil
}

// Filter contains alert filtering options
type Filter struct {
	DeviceID   string
	RuleID     string
	Severity   string
	ActiveOnly bool
	Limit      int
}
