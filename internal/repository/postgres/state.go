package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/google/uuid"

	"github.com/pratik-mahalle/fleetpulse/internal/domain/state"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/errors"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/metrics"
)

type StateRepository struct {
	db *sql.DB
}

func NewStateRepository(db *sql.DB) state.Repository {
	return &StateRepository{db: db}
}

const stateColumns = `device_id, down_since, last_state_change, last_probe_result, last_probe_at,
	last_latency_ms, consecutive_failures, protocol_status, protocol_reason, last_protocol_at,
	version, updated_at`

func (r *StateRepository) Get(ctx context.Context, deviceID string) (*state.DeviceState, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get", "device_states", time.Since(start)) }()

	row := r.db.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM device_states WHERE device_id = $1`, deviceID)
	st, err := scanState(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, errors.DatabaseError("Failed to get device state", err)
	}
	return st, nil
}

func (r *StateRepository) Save(ctx context.Context, st *state.DeviceState, expectedVersion int64) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("save", "device_states", time.Since(start)) }()

	st.UpdatedAt = time.Now().UTC()

	var (
		res sql.Result
		err error
	)
	if expectedVersion == 0 {
		res, err = r.db.ExecContext(ctx, `
			INSERT INTO device_states (`+stateColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11)
			ON CONFLICT DO NOTHING
		`,
			st.DeviceID, nullTime(st.DownSince), nullTime(st.LastStateChange), st.LastProbeResult,
			nullTime(st.LastProbeAt), st.LastLatencyMs, st.ConsecutiveFailures, string(st.ProtocolStatus),
			st.ProtocolReason, nullTime(st.LastProtocolAt), formatTime(st.UpdatedAt),
		)
	} else {
		res, err = r.db.ExecContext(ctx, `
			UPDATE device_states SET
				down_since = $2, last_state_change = $3, last_probe_result = $4, last_probe_at = $5,
				last_latency_ms = $6, consecutive_failures = $7, protocol_status = $8,
				protocol_reason = $9, last_protocol_at = $10, version = version + 1, updated_at = $11
			WHERE device_id = $1 AND version = $12
		`,
			st.DeviceID, nullTime(st.DownSince), nullTime(st.LastStateChange), st.LastProbeResult,
			nullTime(st.LastProbeAt), st.LastLatencyMs, st.ConsecutiveFailures, string(st.ProtocolStatus),
			st.ProtocolReason, nullTime(st.LastProtocolAt), formatTime(st.UpdatedAt), expectedVersion,
		)
	}
	if err != nil {
		return errors.DatabaseError("Failed to save device state", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.DatabaseError("Failed to save device state", err)
	}
	if n == 0 {
		return state.ErrVersionConflict
	}

	st.Version = expectedVersion + 1
	return nil
}

func (r *StateRepository) List(ctx context.Context) ([]*state.DeviceState, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+stateColumns+` FROM device_states ORDER BY device_id`)
	if err != nil {
		return nil, errors.DatabaseError("Failed to list device states", err)
	}
	defer rows.Close()

	var states []*state.DeviceState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, errors.DatabaseError("Failed to scan device state", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.DatabaseError("Failed to list device states", err)
	}
	return states, nil
}

func (r *StateRepository) RecordTransition(ctx context.Context, t state.Transition) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO state_transitions (id, device_id, kind, at, down_since, downtime_ms, cycle_id, healed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		uuid.New().String(), t.DeviceID, string(t.Kind), formatTime(t.At), formatTime(t.DownSince),
		t.Downtime.Milliseconds(), int64(t.CycleID), t.Healed,
	)
	if err != nil {
		return errors.DatabaseError("Failed to record state transition", err)
	}
	return nil
}

func (r *StateRepository) TransitionsSince(ctx context.Context, since time.Time) ([]state.Transition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT device_id, kind, at, down_since, downtime_ms, cycle_id, healed
		FROM state_transitions WHERE at >= $1 ORDER BY at, id
	`, formatTime(since))
	if err != nil {
		return nil, errors.DatabaseError("Failed to list state transitions", err)
	}
	defer rows.Close()

	var out []state.Transition
	for rows.Next() {
		var t state.Transition
		var kind, at, downSince string
		var downtimeMs, cycleID int64
		if err := rows.Scan(&t.DeviceID, &kind, &at, &downSince, &downtimeMs, &cycleID, &t.Healed); err != nil {
			return nil, errors.DatabaseError("Failed to scan state transition", err)
		}
		t.Kind = state.TransitionKind(kind)
		t.At = parseTime(at)
		t.DownSince = parseTime(downSince)
		t.Downtime = time.Duration(downtimeMs) * time.Millisecond
		t.CycleID = uint64(cycleID)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.DatabaseError("Failed to list state transitions", err)
	}
	return out, nil
}

func (r *StateRepository) PruneTransitions(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM state_transitions WHERE at < $1`, formatTime(before))
	if err != nil {
		return 0, errors.DatabaseError("Failed to prune state transitions", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanState(row rowScanner) (*state.DeviceState, error) {
	var st state.DeviceState
	var downSince, lastChange, lastProbeAt, lastProtocolAt sql.NullString
	var protocolStatus, updatedAt string

	err := row.Scan(
		&st.DeviceID, &downSince, &lastChange, &st.LastProbeResult, &lastProbeAt,
		&st.LastLatencyMs, &st.ConsecutiveFailures, &protocolStatus, &st.ProtocolReason, &lastProtocolAt,
		&st.Version, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	st.DownSince = scanTime(downSince)
	st.LastStateChange = scanTime(lastChange)
	st.LastProbeAt = scanTime(lastProbeAt)
	st.LastProtocolAt = scanTime(lastProtocolAt)
	st.ProtocolStatus = state.ProtocolStatus(protocolStatus)
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}
