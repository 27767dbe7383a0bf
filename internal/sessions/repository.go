// Package sessions stores live-session metadata: schedule, fixed duration
// and the operator end override. The content service owns creation; this
// engine reads it on every admission decision.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classroom-live/backend/internal/models"
)

// ErrNotFound means no session exists with that id.
var ErrNotFound = errors.New("session not found")

// Repository handles session persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a session repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new scheduled session.
func (r *Repository) Create(ctx context.Context, s *models.Session) error {
	const q = `INSERT INTO sessions (id, title, scheduled_start, duration_seconds, created_by)
		VALUES (gen_random_uuid(), $1, $2, $3, $4)
		RETURNING id, created_at, updated_at`
	return r.pool.QueryRow(ctx, q, s.Title, s.ScheduledStart, s.DurationSeconds, s.CreatedBy).
		Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}

// GetByID returns a session by id.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	const q = `SELECT id, title, scheduled_start, duration_seconds, ended_override, created_by, created_at, updated_at
		FROM sessions WHERE id = $1`
	var s models.Session
	err := r.pool.QueryRow(ctx, q, id).
		Scan(&s.ID, &s.Title, &s.ScheduledStart, &s.DurationSeconds, &s.EndedOverride, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// List returns sessions whose window has not yet closed, soonest first.
// includeEnded widens it to everything.
func (r *Repository) List(ctx context.Context, includeEnded bool, now time.Time) ([]models.Session, error) {
	q := `SELECT id, title, scheduled_start, duration_seconds, ended_override, created_by, created_at, updated_at
		FROM sessions`
	var args []interface{}
	if !includeEnded {
		q += ` WHERE ended_override = FALSE AND scheduled_start + duration_seconds * INTERVAL '1 second' > $1`
		args = append(args, now)
	}
	q += ` ORDER BY scheduled_start ASC`
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.Session
	for rows.Next() {
		var s models.Session
		if err := rows.Scan(&s.ID, &s.Title, &s.ScheduledStart, &s.DurationSeconds, &s.EndedOverride, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// SetEndedOverride records the operator override. Idempotent.
func (r *Repository) SetEndedOverride(ctx context.Context, id uuid.UUID, ended bool) error {
	const q = `UPDATE sessions SET ended_override = $1, updated_at = NOW() WHERE id = $2`
	tag, err := r.pool.Exec(ctx, q, ended, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
