package chat

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classroom-live/backend/internal/models"
)

// PostgresStore persists chat events in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed chat store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Append assigns the next id for the session and inserts the event in one
// statement. The counter upsert and the insert share a snapshot, so
// concurrent appends serialize on the counter row and ids come out gap-free.
func (s *PostgresStore) Append(ctx context.Context, ev models.ChatEvent) (models.ChatEvent, error) {
	const q = `WITH next AS (
			INSERT INTO chat_sequences (session_id, last_id) VALUES ($1, 1)
			ON CONFLICT (session_id) DO UPDATE SET last_id = chat_sequences.last_id + 1
			RETURNING last_id
		)
		INSERT INTO chat_events (session_id, id, user_id, user_name, body, kind)
		SELECT $1, last_id, $2, $3, $4, $5 FROM next
		RETURNING id, created_at`
	err := s.pool.QueryRow(ctx, q, ev.SessionID, ev.UserID, ev.UserName, ev.Text, string(ev.Kind)).
		Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return models.ChatEvent{}, fmt.Errorf("append chat event: %w", err)
	}
	return ev, nil
}

// QuerySince returns events after the cursor in id order.
func (s *PostgresStore) QuerySince(ctx context.Context, sessionID uuid.UUID, afterID int64, limit int) ([]models.ChatEvent, error) {
	q := `SELECT id, session_id, user_id, user_name, body, kind, created_at
		FROM chat_events WHERE session_id = $1 AND id > $2 ORDER BY id ASC`
	args := []interface{}{sessionID, afterID}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query chat events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// QueryLatest returns the tail of the log, ascending.
func (s *PostgresStore) QueryLatest(ctx context.Context, sessionID uuid.UUID, limit int) ([]models.ChatEvent, error) {
	if limit <= 0 {
		return s.QuerySince(ctx, sessionID, 0, 0)
	}
	const q = `SELECT id, session_id, user_id, user_name, body, kind, created_at FROM (
			SELECT id, session_id, user_id, user_name, body, kind, created_at
			FROM chat_events WHERE session_id = $1 ORDER BY id DESC LIMIT $2
		) tail ORDER BY id ASC`
	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query latest chat events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]models.ChatEvent, error) {
	var list []models.ChatEvent
	for rows.Next() {
		var ev models.ChatEvent
		var kind string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.UserID, &ev.UserName, &ev.Text, &kind, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Kind = models.EventKind(kind)
		list = append(list, ev)
	}
	return list, rows.Err()
}
