package models

import (
	"time"

	"github.com/google/uuid"
)

// Session is one schedulable live video instance. The content service owns
// scheduling; this engine only reads it and flips EndedOverride.
type Session struct {
	ID              uuid.UUID `json:"id"`
	Title           string    `json:"title"`
	ScheduledStart  time.Time `json:"scheduled_start"`
	DurationSeconds int       `json:"duration_seconds"`
	EndedOverride   bool      `json:"ended_override"`
	CreatedBy       uuid.UUID `json:"created_by"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// End returns the moment the session's fixed duration expires.
func (s Session) End() time.Time {
	return s.ScheduledStart.Add(time.Duration(s.DurationSeconds) * time.Second)
}
