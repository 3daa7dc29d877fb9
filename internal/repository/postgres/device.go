package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pratik-mahalle/fleetpulse/internal/domain/device"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/errors"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/metrics"
)

type DeviceRepository struct {
	db *sql.DB
}

func NewDeviceRepository(db *sql.DB) device.Repository {
	return &DeviceRepository{db: db}
}

const deviceColumns = `id, name, address, enabled, tags, snmp, created_at, updated_at`

func (r *DeviceRepository) ListEnabled(ctx context.Context) ([]device.Device, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_enabled", "devices", time.Since(start)) }()

	query := `SELECT ` + deviceColumns + ` FROM devices WHERE enabled = $1 ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, true)
	if err != nil {
		return nil, errors.DeviceStoreUnavailable(err)
	}
	defer rows.Close()

	devices, err := scanDevices(rows)
	if err != nil {
		return nil, errors.DeviceStoreUnavailable(err)
	}
	return devices, nil
}

func (r *DeviceRepository) GetMany(ctx context.Context, ids []string) ([]device.Device, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_many", "devices", time.Since(start)) }()

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id IN (` + strings.Join(placeholders, ", ") + `) ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.DeviceStoreUnavailable(err)
	}
	defer rows.Close()

	devices, err := scanDevices(rows)
	if err != nil {
		return nil, errors.DeviceStoreUnavailable(err)
	}
	return devices, nil
}

func (r *DeviceRepository) Get(ctx context.Context, id string) (*device.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`
	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, errors.DeviceStoreUnavailable(err)
	}
	defer rows.Close()

	devices, err := scanDevices(rows)
	if err != nil {
		return nil, errors.DeviceStoreUnavailable(err)
	}
	if len(devices) == 0 {
		return nil, errors.NotFound("Device")
	}
	return &devices[0], nil
}

func (r *DeviceRepository) Upsert(ctx context.Context, d *device.Device) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	tags, err := json.Marshal(nonNilTags(d.Tags))
	if err != nil {
		return errors.Internal("Failed to encode device tags", err)
	}

	var snmp sql.NullString
	if d.SNMP != nil {
		raw, err := json.Marshal(d.SNMP)
		if err != nil {
			return errors.Internal("Failed to encode device snmp config", err)
		}
		snmp = sql.NullString{String: string(raw), Valid: true}
	}

	query := `
		INSERT INTO devices (id, name, address, enabled, tags, snmp, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			address = excluded.address,
			enabled = excluded.enabled,
			tags = excluded.tags,
			snmp = excluded.snmp,
			updated_at = excluded.updated_at
	`
	_, err = r.db.ExecContext(ctx, query,
		d.ID, d.Name, d.Address, d.Enabled, string(tags), snmp, formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
	)
	if err != nil {
		return errors.DatabaseError("Failed to upsert device", err)
	}
	return nil
}

func scanDevices(rows *sql.Rows) ([]device.Device, error) {
	var devices []device.Device
	for rows.Next() {
		var d device.Device
		var tags string
		var snmp sql.NullString
		var createdAt, updatedAt string

		if err := rows.Scan(&d.ID, &d.Name, &d.Address, &d.Enabled, &tags, &snmp, &createdAt, &updatedAt); err != nil {
			return nil, err
		}

		if tags != "" {
			if err := json.Unmarshal([]byte(tags), &d.Tags); err != nil {
				return nil, fmt.Errorf("device %s: decode tags: %w", d.ID, err)
			}
		}
		if snmp.Valid && snmp.String != "" {
			d.SNMP = &device.SNMPConfig{}
			if err := json.Unmarshal([]byte(snmp.String), d.SNMP); err != nil {
				return nil, fmt.Errorf("device %s: decode snmp: %w", d.ID, err)
			}
		}
		d.CreatedAt = parseTime(createdAt)
		d.UpdatedAt = parseTime(updatedAt)
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
