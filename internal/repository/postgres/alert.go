package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pratik-mahalle/fleetpulse/internal/domain/alert"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/errors"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/metrics"
)

type AlertRepository struct {
	db *sql.DB
}

func NewAlertRepository(db *sql.DB) alert.Repository {
	return &AlertRepository{db: db}
}

const alertColumns = `id, rule_id, device_id, severity, rule_group, message, triggered_at, resolved_at, resolution_reason`

// CreateIfAbsent relies on the partial unique index over active instances,
// so concurrent evaluators cannot both insert.
func (r *AlertRepository) CreateIfAbsent(ctx context.Context, inst *alert.Instance) (bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_if_absent", "alert_instances", time.Since(start)) }()

	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	if inst.TriggeredAt.IsZero() {
		inst.TriggeredAt = time.Now().UTC()
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO alert_instances (id, rule_id, device_id, severity, rule_group, message, triggered_at, resolution_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, '')
		ON CONFLICT DO NOTHING
	`, inst.ID, inst.RuleID, inst.DeviceID, inst.Severity, inst.Group, inst.Message, formatTime(inst.TriggeredAt))
	if err != nil {
		return false, errors.DatabaseError("Failed to create alert instance", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.DatabaseError("Failed to create alert instance", err)
	}
	return n == 1, nil
}

func (r *AlertRepository) Resolve(ctx context.Context, id string, at time.Time, reason string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE alert_instances SET resolved_at = $2, resolution_reason = $3
		WHERE id = $1 AND resolved_at IS NULL
	`, id, formatTime(at), reason)
	if err != nil {
		return false, errors.DatabaseError("Failed to resolve alert instance", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.DatabaseError("Failed to resolve alert instance", err)
	}
	return n == 1, nil
}

func (r *AlertRepository) Get(ctx context.Context, id string) (*alert.Instance, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alert_instances WHERE id = $1`, id)
	inst, err := scanInstance(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, alert.ErrNotFound
	}
	if err != nil {
		return nil, errors.DatabaseError("Failed to get alert instance", err)
	}
	return inst, nil
}

func (r *AlertRepository) ActiveForDevice(ctx context.Context, deviceID string) ([]*alert.Instance, error) {
	return r.List(ctx, alert.Filter{DeviceID: deviceID, ActiveOnly: true})
}

func (r *AlertRepository) List(ctx context.Context, filter alert.Filter) ([]*alert.Instance, error) {
	query := `SELECT ` + alertColumns + ` FROM alert_instances WHERE 1=1`
	var args []interface{}

	add := func(clause string, value interface{}) {
		args = append(args, value)
		query += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}

	if filter.DeviceID != "" {
		add("device_id =", filter.DeviceID)
	}
	if filter.RuleID != "" {
		add("rule_id =", filter.RuleID)
	}
	if filter.Severity != "" {
		add("severity =", filter.Severity)
	}
	if filter.ActiveOnly {
		query += " AND resolved_at IS NULL"
	}
	query += " ORDER BY triggered_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.DatabaseError("Failed to list alert instances", err)
	}
	defer rows.Close()

	var out []*alert.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, errors.DatabaseError("Failed to scan alert instance", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.DatabaseError("Failed to list alert instances", err)
	}
	return out, nil
}

func (r *AlertRepository) PruneResolved(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM alert_instances WHERE resolved_at IS NOT NULL AND resolved_at < $1`,
		formatTime(before),
	)
	if err != nil {
		return 0, errors.DatabaseError("Failed to prune resolved alerts", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanInstance(row rowScanner) (*alert.Instance, error) {
	var inst alert.Instance
	var triggeredAt string
	var resolvedAt sql.NullString
	err := row.Scan(&inst.ID, &inst.RuleID, &inst.DeviceID, &inst.Severity, &inst.Group,
		&inst.Message, &triggeredAt, &resolvedAt, &inst.ResolutionReason)
	if err != nil {
		return nil, err
	}
	inst.TriggeredAt = parseTime(triggeredAt)
	inst.ResolvedAt = scanTime(resolvedAt)
	return &inst, nil
}

// RuleRepository stores alert rules
type RuleRepository struct {
	db *sql.DB
}

func NewRuleRepository(db *sql.DB) alert.RuleRepository {
	return &RuleRepository{db: db}
}

func (r *RuleRepository) ListEnabled(ctx context.Context) ([]alert.Rule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, expression, severity, rule_group, priority, scope, for_ms, message, enabled
		FROM alert_rules WHERE enabled = $1 ORDER BY priority, id
	`, true)
	if err != nil {
		return nil, errors.DatabaseError("Failed to list alert rules", err)
	}
	defer rows.Close()

	var rules []alert.Rule
	for rows.Next() {
		var rule alert.Rule
		var scope string
		var forMs int64
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.Expression, &rule.Severity, &rule.Group,
			&rule.Priority, &scope, &forMs, &rule.Message, &rule.Enabled); err != nil {
			return nil, errors.DatabaseError("Failed to scan alert rule", err)
		}
		if err := decodeScope(scope, &rule.Scope); err != nil {
			return nil, errors.DatabaseError(fmt.Sprintf("Failed to decode scope of rule %s", rule.ID), err)
		}
		rule.For = time.Duration(forMs) * time.Millisecond
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.DatabaseError("Failed to list alert rules", err)
	}
	return rules, nil
}

func (r *RuleRepository) Upsert(ctx context.Context, rule alert.Rule) error {
	scope, err := encodeScope(rule.Scope)
	if err != nil {
		return errors.Internal("Failed to encode rule scope", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO alert_rules (id, name, expression, severity, rule_group, priority, scope, for_ms, message, enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			expression = excluded.expression,
			severity = excluded.severity,
			rule_group = excluded.rule_group,
			priority = excluded.priority,
			scope = excluded.scope,
			for_ms = excluded.for_ms,
			message = excluded.message,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`, rule.ID, rule.Name, rule.Expression, rule.Severity, rule.Group, rule.Priority, scope,
		rule.For.Milliseconds(), rule.Message, rule.Enabled, formatTime(time.Now()))
	if err != nil {
		return errors.DatabaseError("Failed to upsert alert rule", err)
	}
	return nil
}

func (r *RuleRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = $1`, id)
	if err != nil {
		return errors.DatabaseError("Failed to delete alert rule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("Alert rule")
	}
	return nil
}

func encodeScope(s alert.Scope) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeScope(raw string, s *alert.Scope) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), s)
}
