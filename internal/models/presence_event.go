package models

import (
	"time"

	"github.com/google/uuid"
)

// PresenceKind is the direction of a presence change.
type PresenceKind string

const (
	PresenceJoin  PresenceKind = "join"
	PresenceLeave PresenceKind = "leave"
)

// PresenceEvent records one distinct-user join or leave for a session.
// Emitted on the first connection of a user and the last disconnect only;
// extra devices of an already-present user do not produce events.
type PresenceEvent struct {
	SessionID  uuid.UUID    `json:"session_id"`
	UserID     uuid.UUID    `json:"user_id"`
	UserName   string       `json:"user_name"`
	Kind       PresenceKind `json:"kind"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// LiveCount is the derived distinct-viewer count for a session.
type LiveCount struct {
	SessionID uuid.UUID `json:"session_id"`
	Count     int       `json:"count"`
}
