// Package clock derives a session's lifecycle state from its schedule.
package clock

import (
	"time"

	"github.com/classroom-live/backend/internal/models"
)

// State is a session's lifecycle phase at a point in time.
type State string

const (
	StateScheduled State = "scheduled" // too early, join window not open yet
	StateJoinable  State = "joinable"  // inside the pre-start join window
	StateLive      State = "live"      // between start and start+duration
	StateEnded     State = "ended"     // past duration, or operator override
)

// Joinable reports whether clients may be admitted in this state.
func (s State) Joinable() bool {
	return s == StateJoinable || s == StateLive
}

// SessionState returns the lifecycle state of sess at now. joinWindow is how
// long before the scheduled start clients may already connect. The fixed
// duration is an upper bound: once it elapses the session is ended whether or
// not anyone flipped the override.
func SessionState(sess models.Session, now time.Time, joinWindow time.Duration) State {
	if sess.EndedOverride || !now.Before(sess.End()) {
		return StateEnded
	}
	if !now.Before(sess.ScheduledStart) {
		return StateLive
	}
	if !now.Before(sess.ScheduledStart.Add(-joinWindow)) {
		return StateJoinable
	}
	return StateScheduled
}
