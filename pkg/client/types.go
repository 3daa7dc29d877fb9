package client

import "time"

// DeviceStatus is the status of one device
type DeviceStatus struct {
	DeviceID            string     `json:"device_id"`
	Status              string     `json:"status"`
	DownSince           *time.Time `json:"down_since,omitempty"`
	LastProbeResult     string     `json:"last_probe_result"`
	LastProbeAt         *time.Time `json:"last_probe_at,omitempty"`
	LastLatencyMs       float64    `json:"last_latency_ms"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	ProtocolStatus      string     `json:"protocol_status"`
	ProtocolReason      string     `json:"protocol_reason,omitempty"`
	Version             int64      `json:"version,omitempty"`
}

// FleetStatus summarizes the fleet
type FleetStatus struct {
	Total          int            `json:"total"`
	Up             int            `json:"up"`
	Down           int            `json:"down"`
	ProtocolErrors int            `json:"protocol_errors"`
	Devices        []DeviceStatus `json:"devices"`
}

// Alert is an alert instance
type Alert struct {
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

// AlertListOptions filters alert listings
type AlertListOptions struct {
	ActiveOnly bool
	DeviceID   string
	Severity   string
	Limit      int
}

// BatchPlan is the batch layout for a fleet size
type BatchPlan struct {
	DeviceCount int `json:"device_count"`
	BatchSize   int `json:"batch_size"`
	BatchCount  int `json:"batch_count"`
}

// CycleReport describes one orchestration cycle
type CycleReport struct {
	CycleID         uint64        `json:"cycle_id"`
	Plan            BatchPlan     `json:"plan"`
	ProtocolPlan    BatchPlan     `json:"protocol_plan"`
	Enqueued        int           `json:"enqueued"`
	EnqueueFailures int           `json:"enqueue_failures"`
	Skipped         bool          `json:"skipped"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
}

// Rule is a loaded alert rule. Error is set when its expression does not compile.
type Rule struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Expression string        `json:"expression"`
	Severity   string        `json:"severity"`
	Group      string        `json:"group,omitempty"`
	Priority   int           `json:"priority"`
	For        time.Duration `json:"for,omitempty"`
	Enabled    bool          `json:"enabled"`
	Error      string        `json:"error,omitempty"`
}
