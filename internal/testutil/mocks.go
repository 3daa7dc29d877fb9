package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pratik-mahalle/fleetpulse/internal/domain/alert"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/device"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/job"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/state"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/errors"
)

// MockDeviceRepository is a mock implementation of device.Repository
type MockDeviceRepository struct {
	mu        sync.Mutex
	Devices   map[string]device.Device
	ListError error
	ListCalls int
}

func NewMockDeviceRepository(devices ...device.Device) *MockDeviceRepository {
	m := &MockDeviceRepository{Devices: make(map[string]device.Device)}
	for _, d := range devices {
		m.Devices[d.ID] = d
	}
	return m
}

func (m *MockDeviceRepository) ListEnabled(ctx context.Context) ([]device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListCalls++
	if m.ListError != nil {
		return nil, errors.DeviceStoreUnavailable(m.ListError)
	}
	var out []device.Device
	for _, d := range m.Devices {
		if d.Enabled {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockDeviceRepository) GetMany(ctx context.Context, ids []string) ([]device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListError != nil {
		return nil, errors.DeviceStoreUnavailable(m.ListError)
	}
	var out []device.Device
	for _, id := range ids {
		if d, ok := m.Devices[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *MockDeviceRepository) Get(ctx context.Context, id string) (*device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.Devices[id]
	if !ok {
		return nil, errors.NotFound("Device")
	}
	return &d, nil
}

func (m *MockDeviceRepository) Upsert(ctx context.Context, d *device.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Devices[d.ID] = *d
	return nil
}

// Delete removes a device from the mock inventory
func (m *MockDeviceRepository) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Devices, id)
}

// MockStateRepository is a mock implementation of state.Repository with
// version checks
type MockStateRepository struct {
	mu          sync.Mutex
	States      map[string]*state.DeviceState
	Transitions []state.Transition
	Saves       int
	GetError    error
	SaveError   error
	// ConflictOnce makes the next Save return ErrVersionConflict
	ConflictOnce bool
}

func NewMockStateRepository() *MockStateRepository {
	return &MockStateRepository{States: make(map[string]*state.DeviceState)}
}

func (m *MockStateRepository) Get(ctx context.Context, deviceID string) (*state.DeviceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetError != nil {
		return nil, m.GetError
	}
	st, ok := m.States[deviceID]
	if !ok {
		return nil, state.ErrNotFound
	}
	return st.Clone(), nil
}

func (m *MockStateRepository) Save(ctx context.Context, st *state.DeviceState, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveError != nil {
		return m.SaveError
	}
	if m.ConflictOnce {
		m.ConflictOnce = false
		return state.ErrVersionConflict
	}
	cur, ok := m.States[st.DeviceID]
	switch {
	case expectedVersion == 0 && ok:
		return state.ErrVersionConflict
	case expectedVersion != 0 && (!ok || cur.Version != expectedVersion):
		return state.ErrVersionConflict
	}
	st.Version = expectedVersion + 1
	st.UpdatedAt = time.Now()
	m.States[st.DeviceID] = st.Clone()
	m.Saves++
	return nil
}

func (m *MockStateRepository) List(ctx context.Context) ([]*state.DeviceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetError != nil {
		return nil, m.GetError
	}
	out := make([]*state.DeviceState, 0, len(m.States))
	for _, st := range m.States {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (m *MockStateRepository) RecordTransition(ctx context.Context, t state.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Transitions = append(m.Transitions, t)
	return nil
}

func (m *MockStateRepository) TransitionsSince(ctx context.Context, since time.Time) ([]state.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []state.Transition
	for _, t := range m.Transitions {
		if !t.At.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MockStateRepository) PruneTransitions(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.Transitions[:0]
	var n int64
	for _, t := range m.Transitions {
		if t.At.Before(before) {
			n++
			continue
		}
		kept = append(kept, t)
	}
	m.Transitions = kept
	return n, nil
}

// TransitionsFor returns the recorded transitions of one device
func (m *MockStateRepository) TransitionsFor(deviceID string) []state.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []state.Transition
	for _, t := range m.Transitions {
		if t.DeviceID == deviceID {
			out = append(out, t)
		}
	}
	return out
}

// MockAlertRepository is a mock implementation of alert.Repository that
// enforces one active instance per (device, rule)
type MockAlertRepository struct {
	mu          sync.Mutex
	Instances   []*alert.Instance
	nextID      int
	CreateError error
	ListError   error
}

func NewMockAlertRepository() *MockAlertRepository {
	return &MockAlertRepository{}
}

func (m *MockAlertRepository) CreateIfAbsent(ctx context.Context, inst *alert.Instance) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateError != nil {
		return false, m.CreateError
	}
	for _, existing := range m.Instances {
		if existing.DeviceID == inst.DeviceID && existing.RuleID == inst.RuleID && existing.IsActive() {
			return false, nil
		}
	}
	if inst.ID == "" {
		m.nextID++
		inst.ID = "alert-" + itoa(m.nextID)
	}
	c := *inst
	m.Instances = append(m.Instances, &c)
	return true, nil
}

func (m *MockAlertRepository) Resolve(ctx context.Context, id string, at time.Time, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.Instances {
		if inst.ID == id && inst.IsActive() {
			t := at
			inst.ResolvedAt = &t
			inst.ResolutionReason = reason
			return true, nil
		}
	}
	return false, nil
}

func (m *MockAlertRepository) Get(ctx context.Context, id string) (*alert.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.Instances {
		if inst.ID == id {
			c := *inst
			return &c, nil
		}
	}
	return nil, alert.ErrNotFound
}

func (m *MockAlertRepository) ActiveForDevice(ctx context.Context, deviceID string) ([]*alert.Instance, error) {
	return m.List(ctx, alert.Filter{DeviceID: deviceID, ActiveOnly: true})
}

func (m *MockAlertRepository) List(ctx context.Context, filter alert.Filter) ([]*alert.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListError != nil {
		return nil, m.ListError
	}
	var out []*alert.Instance
	for _, inst := range m.Instances {
		if filter.DeviceID != "" && inst.DeviceID != filter.DeviceID {
			continue
		}
		if filter.RuleID != "" && inst.RuleID != filter.RuleID {
			continue
		}
		if filter.Severity != "" && inst.Severity != filter.Severity {
			continue
		}
		if filter.ActiveOnly && !inst.IsActive() {
			continue
		}
		c := *inst
		out = append(out, &c)
	}
	return out, nil
}

func (m *MockAlertRepository) PruneResolved(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.Instances[:0]
	var n int64
	for _, inst := range m.Instances {
		if inst.ResolvedAt != nil && inst.ResolvedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, inst)
	}
	m.Instances = kept
	return n, nil
}

// All returns a snapshot of every stored instance
func (m *MockAlertRepository) All() []alert.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]alert.Instance, 0, len(m.Instances))
	for _, inst := range m.Instances {
		out = append(out, *inst)
	}
	return out
}

// MockRuleRepository is a mock implementation of alert.RuleRepository
type MockRuleRepository struct {
	mu        sync.Mutex
	Rules     map[string]alert.Rule
	ListError error
}

func NewMockRuleRepository(rules ...alert.Rule) *MockRuleRepository {
	m := &MockRuleRepository{Rules: make(map[string]alert.Rule)}
	for _, r := range rules {
		m.Rules[r.ID] = r
	}
	return m
}

func (m *MockRuleRepository) ListEnabled(ctx context.Context) ([]alert.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListError != nil {
		return nil, m.ListError
	}
	var out []alert.Rule
	for _, r := range m.Rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MockRuleRepository) Upsert(ctx context.Context, r alert.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Rules[r.ID] = r
	return nil
}

func (m *MockRuleRepository) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Rules[id]; !ok {
		return errors.NotFound("Alert rule")
	}
	delete(m.Rules, id)
	return nil
}

// MockDeadLetterRepository is a mock implementation of job.DeadLetterRepository
type MockDeadLetterRepository struct {
	mu      sync.Mutex
	Letters []*job.DeadLetter
}

func NewMockDeadLetterRepository() *MockDeadLetterRepository {
	return &MockDeadLetterRepository{}
}

func (m *MockDeadLetterRepository) Record(ctx context.Context, env *job.Envelope, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Letters = append(m.Letters, &job.DeadLetter{
		ID:         itoa(len(m.Letters) + 1),
		EnvelopeID: env.ID,
		Lane:       env.Lane,
		Kind:       env.Kind,
		CycleID:    env.CycleID,
		Attempt:    env.Attempt,
		Reason:     reason,
		CreatedAt:  time.Now(),
	})
	return nil
}

func (m *MockDeadLetterRepository) List(ctx context.Context, limit int) ([]*job.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*job.DeadLetter, len(m.Letters))
	copy(out, m.Letters)
	return out, nil
}

// Count returns the number of recorded dead letters
func (m *MockDeadLetterRepository) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Letters)
}

// RecordingEnqueuer captures enqueued jobs
type RecordingEnqueuer struct {
	mu    sync.Mutex
	Jobs  []job.Job
	Err   error
	calls int
}

func NewRecordingEnqueuer() *RecordingEnqueuer {
	return &RecordingEnqueuer{}
}

func (e *RecordingEnqueuer) Enqueue(ctx context.Context, j job.Job, cycleID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if err := j.Validate(); err != nil {
		return err
	}
	if e.Err != nil {
		return e.Err
	}
	e.Jobs = append(e.Jobs, j)
	return nil
}

// ByLane returns the captured jobs of one lane
func (e *RecordingEnqueuer) ByLane(lane job.Lane) []job.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []job.Job
	for _, j := range e.Jobs {
		if j.Lane() == lane {
			out = append(out, j)
		}
	}
	return out
}

// Notifications returns the captured notification jobs
func (e *RecordingEnqueuer) Notifications() []*job.NotificationJob {
	var out []*job.NotificationJob
	for _, j := range e.ByLane(job.LaneAlertCritical) {
		if n, ok := j.(*job.NotificationJob); ok {
			out = append(out, n)
		}
	}
	return out
}

// Calls returns how many times Enqueue was invoked
func (e *RecordingEnqueuer) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
