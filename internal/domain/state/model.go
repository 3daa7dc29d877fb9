package state

import (
	"context"
	"errors"
	"time"
)

// Status is the derived up/down status of a device
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// ProtocolStatus tracks protocol-level health separately from reachability
type ProtocolStatus string

const (
	ProtocolUnknown ProtocolStatus = "unknown"
	ProtocolOK      ProtocolStatus = "ok"
	ProtocolError   ProtocolStatus = "error"
)

// DeviceState is the persisted per-device state. DownSince is non-nil iff the
// device is currently down.
type DeviceState struct {
	DeviceID            string         `json:"device_id"`
	DownSince           *time.Time     `json:"down_since,omitempty"`
	LastStateChange     *time.Time     `json:"last_state_change,omitempty"`
	LastProbeResult     string         `json:"last_probe_result"`
	LastProbeAt         *time.Time     `json:"last_probe_at,omitempty"`
	LastLatencyMs       float64        `json:"last_latency_ms"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	ProtocolStatus      ProtocolStatus `json:"protocol_status"`
	ProtocolReason      string         `json:"protocol_reason,omitempty"`
	LastProtocolAt      *time.Time     `json:"last_protocol_at,omitempty"`
	Version             int64          `json:"version"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// New returns the initial state of a never-probed device
func New(deviceID string) *DeviceState {
	return &DeviceState{
		DeviceID:       deviceID,
		ProtocolStatus: ProtocolUnknown,
	}
}

// IsDown reports whether the device is down
func (s *DeviceState) IsDown() bool {
	return s.DownSince != nil
}

// Status derives the status from DownSince
func (s *DeviceState) Status() Status {
	if s.IsDown() {
		return StatusDown
	}
	return StatusUp
}

// Clone returns a deep copy
func (s *DeviceState) Clone() *DeviceState {
	c := *s
	c.DownSince = cloneTime(s.DownSince)
	c.LastStateChange = cloneTime(s.LastStateChange)
	c.LastProbeAt = cloneTime(s.LastProbeAt)
	c.LastProtocolAt = cloneTime(s.LastProtocolAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TransitionKind names a state transition
type TransitionKind string

const (
	WentDown  TransitionKind = "went-down"
	Recovered TransitionKind = "recovered"
)

// Transition is emitted for every applied Up/Down change
type Transition struct {
	DeviceID string         `json:"device_id"`
	Kind     TransitionKind `json:"kind"`
	At       time.Time      `json:"at"`
	// DownSince is the outage start. For recovered it is the cleared value.
	DownSince time.Time     `json:"down_since"`
	Downtime  time.Duration `json:"downtime,omitempty"`
	CycleID   uint64        `json:"cycle_id"`
	// Healed is set when the transition repaired an inconsistent stored state
	Healed bool `json:"healed,omitempty"`
}

var (
	// ErrNotFound is returned when a device has no stored state yet
	ErrNotFound = errors.New("device state not found")

	// ErrVersionConflict is returned by Save when the stored version moved
	ErrVersionConflict = errors.New("device state version conflict")
)

// Repository persists device state
type Repository interface {
	// Get returns the state of one device or ErrNotFound
	Get(ctx context.Context, deviceID string) (*DeviceState, error)

	// Save writes st if the stored version equals expectedVersion. A zero
	// expectedVersion inserts. On success st.Version is incremented.
	Save(ctx context.Context, st *DeviceState, expectedVersion int64) error

	// List returns every stored state
	List(ctx context.Context) ([]*DeviceState, error)

	// RecordTransition appends to the transition history used to rebuild flap windows
	RecordTransition(ctx context.Context, t Transition) error

	// TransitionsSince returns the history at or after since, oldest first
	TransitionsSince(ctx context.Context, since time.Time) ([]Transition, error)

	// PruneTransitions deletes history older than before
	PruneTransitions(ctx context.Context, before time.Time) (int64, error)
}
