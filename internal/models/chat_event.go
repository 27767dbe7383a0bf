package models

import (
	"time"

	"github.com/google/uuid"
)

// EventKind classifies a chat event.
type EventKind string

const (
	EventMessage EventKind = "message"
	EventJoin    EventKind = "join"
	EventLeave   EventKind = "leave"
	EventAdmin   EventKind = "admin"
)

// ChatEvent is one immutable entry in a session's event log. ID is assigned
// by the store and strictly increases per session; clients dedupe on it.
// CreatedAt is informational only and never used for ordering.
type ChatEvent struct {
	ID        int64      `json:"id"`
	SessionID uuid.UUID  `json:"session_id"`
	UserID    *uuid.UUID `json:"user_id,omitempty"` // nil for admin broadcasts
	UserName  string     `json:"user_name"`
	Text      string     `json:"text"`
	Kind      EventKind  `json:"kind"`
	CreatedAt time.Time  `json:"created_at"`
}
