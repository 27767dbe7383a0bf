package realtime

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/classroom-live/backend/internal/models"
)

// Client-to-server operations.
const (
	OpJoin      = "join"
	OpLeave     = "leave"
	OpSend      = "send"
	OpHeartbeat = "heartbeat"
)

// Server-to-client operations.
const (
	OpEvent = "event"
	OpCount = "count"
	OpEnded = "ended"
	OpError = "error"
)

// ClientFrame is one message read from the duplex channel.
type ClientFrame struct {
	Op        string    `json:"op"`
	SessionID uuid.UUID `json:"session_id,omitempty"`
	Text      string    `json:"text,omitempty"`
}

// ServerFrame is one message written to the duplex channel.
type ServerFrame struct {
	Op        string            `json:"op"`
	SessionID uuid.UUID         `json:"session_id,omitempty"`
	Event     *models.ChatEvent `json:"event,omitempty"`
	Count     *int              `json:"count,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// EventFrame wraps a chat event for delivery.
func EventFrame(ev models.ChatEvent) ServerFrame {
	return ServerFrame{Op: OpEvent, SessionID: ev.SessionID, Event: &ev}
}

// CountFrame carries the distinct-viewer count after a presence change.
func CountFrame(sessionID uuid.UUID, count int) ServerFrame {
	return ServerFrame{Op: OpCount, SessionID: sessionID, Count: &count}
}

// EndedFrame is the terminal frame sent when a session ends.
func EndedFrame(sessionID uuid.UUID) ServerFrame {
	return ServerFrame{Op: OpEnded, SessionID: sessionID}
}

// ErrorFrame reports a per-connection error without closing the channel.
func ErrorFrame(sessionID uuid.UUID, msg string) ServerFrame {
	return ServerFrame{Op: OpError, SessionID: sessionID, Error: msg}
}

// Encode marshals the frame for the wire.
func (f ServerFrame) Encode() ([]byte, error) {
	return json.Marshal(f)
}
