// Package attendance keeps the durable presence-event log and serves the
// per-user attendance report consumed by the reporting collaborator.
package attendance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classroom-live/backend/internal/models"
)

// Row is one user's aggregate for GET /sessions/:id/attendance.
type Row struct {
	UserID      uuid.UUID  `json:"user_id"`
	UserName    string     `json:"user_name"`
	Joins       int        `json:"joins"`
	Leaves      int        `json:"leaves"`
	FirstJoined *time.Time `json:"first_joined,omitempty"`
	LastEvent   *time.Time `json:"last_event,omitempty"`
	Status      string     `json:"status"` // "present" or "left", from the latest event
}

// Repository handles presence_events.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an attendance repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Record inserts one presence event. Implements live.PresenceRecorder for
// deployments that write synchronously; the worker uses it too.
func (r *Repository) Record(ctx context.Context, ev models.PresenceEvent) error {
	const q = `INSERT INTO presence_events (session_id, user_id, user_name, kind, occurred_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, q, ev.SessionID, ev.UserID, ev.UserName, string(ev.Kind), ev.OccurredAt)
	return err
}

// Report aggregates join/leave counts and latest status per user for a
// session, most recently active first.
func (r *Repository) Report(ctx context.Context, sessionID uuid.UUID) ([]Row, error) {
	const q = `SELECT
			user_id,
			MAX(user_name),
			COUNT(*) FILTER (WHERE kind = 'join'),
			COUNT(*) FILTER (WHERE kind = 'leave'),
			MIN(occurred_at) FILTER (WHERE kind = 'join'),
			MAX(occurred_at),
			(ARRAY_AGG(kind ORDER BY occurred_at DESC))[1]
		FROM presence_events
		WHERE session_id = $1
		GROUP BY user_id
		ORDER BY MAX(occurred_at) DESC`
	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []Row
	for rows.Next() {
		var row Row
		var latest string
		if err := rows.Scan(&row.UserID, &row.UserName, &row.Joins, &row.Leaves, &row.FirstJoined, &row.LastEvent, &latest); err != nil {
			return nil, err
		}
		if latest == string(models.PresenceJoin) {
			row.Status = "present"
		} else {
			row.Status = "left"
		}
		list = append(list, row)
	}
	return list, rows.Err()
}
