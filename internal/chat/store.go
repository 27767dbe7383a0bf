// Package chat is the durable, append-only event log per session. The
// server-assigned id is the single source of truth for ordering; created_at
// is informational only.
package chat

import (
	"context"

	"github.com/google/uuid"

	"github.com/classroom-live/backend/internal/models"
)

// Store appends chat events and serves cursor reads. Append assigns the next
// per-session id atomically: ids strictly increase with no gaps or reuse, so
// clients can dedupe and resume on them.
type Store interface {
	// Append persists ev and returns it with ID and CreatedAt assigned.
	Append(ctx context.Context, ev models.ChatEvent) (models.ChatEvent, error)
	// QuerySince returns up to limit events with id > afterID, in id order.
	// afterID 0 reads from the beginning; limit <= 0 means no cap.
	QuerySince(ctx context.Context, sessionID uuid.UUID, afterID int64, limit int) ([]models.ChatEvent, error)
	// QueryLatest returns the most recent limit events, still in ascending
	// id order. limit <= 0 means the whole log.
	QueryLatest(ctx context.Context, sessionID uuid.UUID, limit int) ([]models.ChatEvent, error)
}
