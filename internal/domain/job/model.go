package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pratik-mahalle/fleetpulse/internal/pkg/validator"
)

// Lane is an independently pooled execution channel
type Lane string

const (
	LaneAlertCritical   Lane = "alert-critical"
	LaneBulkMonitoring  Lane = "bulk-monitoring"
	LaneProtocolPolling Lane = "protocol-polling"
	LaneMaintenance     Lane = "maintenance"
)

// AllLanes lists the router lanes, most urgent first
var AllLanes = []Lane{LaneAlertCritical, LaneBulkMonitoring, LaneProtocolPolling, LaneMaintenance}

// IsValid checks if the lane is known
func (l Lane) IsValid() bool {
	for _, lane := range AllLanes {
		if l == lane {
			return true
		}
	}
	return false
}

// Kind identifies the payload type of an envelope
type Kind string

const (
	KindProbeBatch   Kind = "probe_batch"
	KindNotification Kind = "notification"
	KindMaintenance  Kind = "maintenance"
)

var (
	// ErrInvalidJob is returned when a job fails validation at enqueue
	ErrInvalidJob = errors.New("invalid job")

	// ErrQueueEmpty is returned by a dequeue that timed out
	ErrQueueEmpty = errors.New("queue empty")

	// ErrUnknownKind is returned when an envelope carries an unregistered kind
	ErrUnknownKind = errors.New("unknown job kind")
)

// Job is a typed unit of work bound to one lane
type Job interface {
	Lane() Lane
	Kind() Kind
	Validate() error
}

// Probe modes
const (
	ModeReachability = "reachability"
	ModeProtocol     = "protocol"
)

// ProbeBatchJob probes one batch of devices
type ProbeBatchJob struct {
	CycleID   uint64   `json:"cycle_id" validate:"gt=0"`
	Mode      string   `json:"mode" validate:"required,oneof=reachability protocol"`
	DeviceIDs []string `json:"device_ids" validate:"min=1,dive,required"`
}

func (j *ProbeBatchJob) Lane() Lane {
	if j.Mode == ModeProtocol {
		return LaneProtocolPolling
	}
	return LaneBulkMonitoring
}

func (j *ProbeBatchJob) Kind() Kind { return KindProbeBatch }

func (j *ProbeBatchJob) Validate() error { return validate(j) }

// Notification actions
const (
	ActionTriggered = "triggered"
	ActionResolved  = "resolved"
)

// NotificationJob carries one alert create or resolve to the delivery layer
type NotificationJob struct {
	AlertID     string     `json:"alert_id" validate:"required"`
	DeviceID    string     `json:"device_id" validate:"required"`
	RuleID      string     `json:"rule_id" validate:"required"`
	Severity    string     `json:"severity" validate:"required,oneof=critical high medium low"`
	Action      string     `json:"action" validate:"required,oneof=triggered resolved"`
	Message     string     `json:"message"`
	TriggeredAt time.Time  `json:"triggered_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

func (j *NotificationJob) Lane() Lane { return LaneAlertCritical }

func (j *NotificationJob) Kind() Kind { return KindNotification }

func (j *NotificationJob) Validate() error {
	if err := validate(j); err != nil {
		return err
	}
	if j.TriggeredAt.IsZero() {
		return fmt.Errorf("%w: notification without triggered_at", ErrInvalidJob)
	}
	if j.Action == ActionResolved && j.ResolvedAt == nil {
		return fmt.Errorf("%w: resolved notification without resolved_at", ErrInvalidJob)
	}
	return nil
}

// Maintenance tasks
const (
	TaskPruneResolvedAlerts = "prune_resolved_alerts"
	TaskPruneFlapWindows    = "prune_flap_windows"
	TaskRecoverInflight     = "recover_inflight"
)

// MaintenanceTasks lists every maintenance task
var MaintenanceTasks = []string{TaskPruneResolvedAlerts, TaskPruneFlapWindows, TaskRecoverInflight}

// MaintenanceJob runs one cleanup task
type MaintenanceJob struct {
	Task string `json:"task" validate:"required,oneof=prune_resolved_alerts prune_flap_windows recover_inflight"`
}

func (j *MaintenanceJob) Lane() Lane { return LaneMaintenance }

func (j *MaintenanceJob) Kind() Kind { return KindMaintenance }

func (j *MaintenanceJob) Validate() error { return validate(j) }

func validate(j Job) error {
	if err := validator.Struct(j); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidJob, j.Kind(), err)
	}
	return nil
}

// Envelope is the serialized queue message
type Envelope struct {
	ID          string          `json:"id"`
	Lane        Lane            `json:"lane"`
	Kind        Kind            `json:"kind"`
	CycleID     uint64          `json:"cycle_id"`
	DeviceBatch []string        `json:"device_batch,omitempty"`
	IssuedAt    time.Time       `json:"issued_at"`
	Attempt     int             `json:"attempt"`
	Payload     json.RawMessage `json:"payload"`
}

// NewEnvelope validates j and wraps it for the queue
func NewEnvelope(j Job, cycleID uint64, issuedAt time.Time) (*Envelope, error) {
	if j == nil {
		return nil, fmt.Errorf("%w: nil job", ErrInvalidJob)
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}
	if !j.Lane().IsValid() {
		return nil, fmt.Errorf("%w: unknown lane %q", ErrInvalidJob, j.Lane())
	}

	payload, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}

	env := &Envelope{
		ID:       uuid.New().String(),
		Lane:     j.Lane(),
		Kind:     j.Kind(),
		CycleID:  cycleID,
		IssuedAt: issuedAt.UTC(),
		Payload:  payload,
	}
	if pj, ok := j.(*ProbeBatchJob); ok {
		env.DeviceBatch = append([]string(nil), pj.DeviceIDs...)
	}
	return env, nil
}

// Decode returns the typed job carried by the envelope
func (e *Envelope) Decode() (Job, error) {
	var j Job
	switch e.Kind {
	case KindProbeBatch:
		j = &ProbeBatchJob{}
	case KindNotification:
		j = &NotificationJob{}
	case KindMaintenance:
		j = &MaintenanceJob{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if err := json.Unmarshal(e.Payload, j); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return j, nil
}

// Marshal encodes the envelope
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes an envelope
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if !e.Lane.IsValid() {
		return nil, fmt.Errorf("%w: unknown lane %q", ErrInvalidJob, e.Lane)
	}
	return &e, nil
}

// DeadLetter is a job that exhausted its attempts
type DeadLetter struct {
	ID         string    `json:"id"`
	EnvelopeID string    `json:"envelope_id"`
	Lane       Lane      `json:"lane"`
	Kind       Kind      `json:"kind"`
	CycleID    uint64    `json:"cycle_id"`
	Attempt    int       `json:"attempt"`
	Reason     string    `json:"reason"`
	Payload    string    `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
}
