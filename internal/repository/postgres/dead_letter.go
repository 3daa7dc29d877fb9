package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/pratik-mahalle/fleetpulse/internal/domain/job"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/errors"
)

type DeadLetterRepository struct {
	db *sql.DB
}

func NewDeadLetterRepository(db *sql.DB) job.DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

func (r *DeadLetterRepository) Record(ctx context.Context, env *job.Envelope, reason string) error {
	payload, err := env.Marshal()
	if err != nil {
		return errors.Internal("Failed to encode dead letter", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, envelope_id, lane, kind, cycle_id, attempt, reason, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, uuid.New().String(), env.ID, string(env.Lane), string(env.Kind), int64(env.CycleID),
		env.Attempt, reason, string(payload), formatTime(time.Now()))
	if err != nil {
		return errors.DatabaseError("Failed to record dead letter", err)
	}
	return nil
}

func (r *DeadLetterRepository) List(ctx context.Context, limit int) ([]*job.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, envelope_id, lane, kind, cycle_id, attempt, reason, payload, created_at
		FROM dead_letters ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.DatabaseError("Failed to list dead letters", err)
	}
	defer rows.Close()

	var out []*job.DeadLetter
	for rows.Next() {
		var dl job.DeadLetter
		var lane, kind, createdAt string
		var cycleID int64
		if err := rows.Scan(&dl.ID, &dl.EnvelopeID, &lane, &kind, &cycleID, &dl.Attempt,
			&dl.Reason, &dl.Payload, &createdAt); err != nil {
			return nil, errors.DatabaseError("Failed to scan dead letter", err)
		}
		dl.Lane = job.Lane(lane)
		dl.Kind = job.Kind(kind)
		dl.CycleID = uint64(cycleID)
		dl.CreatedAt = parseTime(createdAt)
		out = append(out, &dl)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.DatabaseError("Failed to list dead letters", err)
	}
	return out, nil
}
