package clock

import (
	"testing"
	"time"

	"github.com/classroom-live/backend/internal/models"
)

func TestSessionState(t *testing.T) {
	start := time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC)
	joinWindow := 5 * time.Minute
	sess := models.Session{ScheduledStart: start, DurationSeconds: 7200}

	tests := []struct {
		name string
		now  time.Time
		sess models.Session
		want State
	}{
		{"ten minutes early", start.Add(-10 * time.Minute), sess, StateScheduled},
		{"just before join window", start.Add(-joinWindow).Add(-time.Second), sess, StateScheduled},
		{"join window opens", start.Add(-joinWindow), sess, StateJoinable},
		{"one minute early", start.Add(-time.Minute), sess, StateJoinable},
		{"exactly at start", start, sess, StateLive},
		{"mid session", start.Add(time.Hour), sess, StateLive},
		{"last second", start.Add(2*time.Hour - time.Second), sess, StateLive},
		{"duration elapsed", start.Add(2 * time.Hour), sess, StateEnded},
		{"well after", start.Add(3 * time.Hour), sess, StateEnded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SessionState(tt.sess, tt.now, joinWindow); got != tt.want {
				t.Fatalf("SessionState() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSessionStateEndedOverride(t *testing.T) {
	start := time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC)
	sess := models.Session{ScheduledStart: start, DurationSeconds: 7200, EndedOverride: true}

	// Override wins at every phase, including before start.
	for _, now := range []time.Time{start.Add(-time.Hour), start.Add(-time.Minute), start.Add(time.Hour)} {
		if got := SessionState(sess, now, 5*time.Minute); got != StateEnded {
			t.Fatalf("SessionState(override, %v) = %q, want %q", now, got, StateEnded)
		}
	}
}

func TestStateJoinable(t *testing.T) {
	for _, tt := range []struct {
		state State
		want  bool
	}{
		{StateScheduled, false},
		{StateJoinable, true},
		{StateLive, true},
		{StateEnded, false},
	} {
		if got := tt.state.Joinable(); got != tt.want {
			t.Fatalf("%q.Joinable() = %v, want %v", tt.state, got, tt.want)
		}
	}
}
