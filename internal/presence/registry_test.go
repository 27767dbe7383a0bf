package presence

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/classroom-live/backend/internal/models"
)

func newTestRegistry(gate Gate) *Registry {
	r := NewRegistry(4, 45*time.Second, nil)
	if gate != nil {
		r.SetGate(gate)
	}
	return r
}

func TestJoinRejectedByGate(t *testing.T) {
	gate := GateFunc(func(ctx context.Context, sessionID uuid.UUID, now time.Time) error {
		return ErrSessionNotJoinable
	})
	r := newTestRegistry(gate)
	_, err := r.Join(context.Background(), uuid.New(), uuid.New(), "amina", uuid.New())
	if !errors.Is(err, ErrSessionNotJoinable) {
		t.Fatalf("Join() error = %v, want ErrSessionNotJoinable", err)
	}
}

func TestJoinSecondDeviceDoesNotDoubleCount(t *testing.T) {
	r := newTestRegistry(nil)
	sessionID, userID := uuid.New(), uuid.New()

	first, err := r.Join(context.Background(), sessionID, userID, "amina", uuid.New())
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if !first.New {
		t.Fatalf("first join should emit a presence event")
	}
	if first.Count != 1 {
		t.Fatalf("Count after first join = %d, want 1", first.Count)
	}

	second, err := r.Join(context.Background(), sessionID, userID, "amina", uuid.New())
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if second.New {
		t.Fatalf("second device should not emit another join event")
	}
	if second.Count != 1 {
		t.Fatalf("Count after second device = %d, want 1", second.Count)
	}
	if second.Event.OccurredAt != first.Event.OccurredAt || second.Event.UserID != userID {
		t.Fatalf("second join should return the prior event, got %+v", second.Event)
	}
	if got := r.Connections(sessionID); got != 2 {
		t.Fatalf("Connections() = %d, want 2", got)
	}
}

func TestJoinIdempotentPerConnection(t *testing.T) {
	r := newTestRegistry(nil)
	sessionID, userID, connID := uuid.New(), uuid.New(), uuid.New()

	first, err := r.Join(context.Background(), sessionID, userID, "amina", connID)
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	repeat, err := r.Join(context.Background(), sessionID, userID, "amina", connID)
	if err != nil {
		t.Fatalf("repeat Join() error = %v", err)
	}
	if repeat.New {
		t.Fatalf("repeat join must be a no-op")
	}
	if repeat.Conn != first.Conn {
		t.Fatalf("repeat join should return the existing connection")
	}
	if got := r.Connections(sessionID); got != 1 {
		t.Fatalf("Connections() = %d, want 1", got)
	}
}

func TestLeaveEmitsOnlyOnLastConnection(t *testing.T) {
	r := newTestRegistry(nil)
	sessionID, userID := uuid.New(), uuid.New()
	c1, c2 := uuid.New(), uuid.New()

	if _, err := r.Join(context.Background(), sessionID, userID, "amina", c1); err != nil {
		t.Fatalf("Join(c1) error = %v", err)
	}
	if _, err := r.Join(context.Background(), sessionID, userID, "amina", c2); err != nil {
		t.Fatalf("Join(c2) error = %v", err)
	}

	ev, count, err := r.Leave(sessionID, c1)
	if err != nil {
		t.Fatalf("Leave(c1) error = %v", err)
	}
	if ev != nil {
		t.Fatalf("leaving one of two devices must not emit a leave event")
	}
	if count != 1 {
		t.Fatalf("count after first leave = %d, want 1", count)
	}

	ev, count, err = r.Leave(sessionID, c2)
	if err != nil {
		t.Fatalf("Leave(c2) error = %v", err)
	}
	if ev == nil || ev.Kind != models.PresenceLeave || ev.UserID != userID {
		t.Fatalf("last leave should emit a leave event, got %+v", ev)
	}
	if count != 0 {
		t.Fatalf("count after last leave = %d, want 0", count)
	}

	if _, _, err := r.Leave(sessionID, c2); !errors.Is(err, ErrConnectionNotFound) {
		t.Fatalf("double leave error = %v, want ErrConnectionNotFound", err)
	}
}

func TestSweepExpiresSilentConnections(t *testing.T) {
	r := newTestRegistry(nil)
	base := time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	sessionID, userID := uuid.New(), uuid.New()
	connID := uuid.New()
	if _, err := r.Join(context.Background(), sessionID, userID, "amina", connID); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	var mu sync.Mutex
	var leaves []*models.PresenceEvent
	var reasons []error
	r.SetImplicitLeaveHandler(func(conn *Conn, ev *models.PresenceEvent, count int, reason error) {
		mu.Lock()
		defer mu.Unlock()
		leaves = append(leaves, ev)
		reasons = append(reasons, reason)
	})

	// Heartbeat keeps the connection alive past the first cutoff.
	if err := r.Heartbeat(sessionID, connID, base.Add(30*time.Second)); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if n := r.Sweep(base.Add(60 * time.Second)); n != 0 {
		t.Fatalf("Sweep after heartbeat removed %d, want 0", n)
	}

	// Then silence for longer than the timeout.
	if n := r.Sweep(base.Add(80 * time.Second)); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	// Expiry fires exactly once.
	if n := r.Sweep(base.Add(2 * time.Minute)); n != 0 {
		t.Fatalf("second Sweep removed %d, want 0", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(leaves) != 1 || leaves[0] == nil || leaves[0].Kind != models.PresenceLeave {
		t.Fatalf("implicit leave events = %+v, want one leave", leaves)
	}
	if !errors.Is(reasons[0], ErrHeartbeatExpired) {
		t.Fatalf("reason = %v, want ErrHeartbeatExpired", reasons[0])
	}
	if r.Count(sessionID) != 0 {
		t.Fatalf("Count after sweep = %d, want 0", r.Count(sessionID))
	}
}

func TestDeliverDropsSlowConsumer(t *testing.T) {
	r := newTestRegistry(nil) // queue limit 4
	sessionID := uuid.New()
	fast, err := r.Join(context.Background(), sessionID, uuid.New(), "amina", uuid.New())
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	slow, err := r.Join(context.Background(), sessionID, uuid.New(), "bela", uuid.New())
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	var mu sync.Mutex
	var dropped []*Conn
	r.SetImplicitLeaveHandler(func(conn *Conn, ev *models.PresenceEvent, count int, reason error) {
		mu.Lock()
		defer mu.Unlock()
		if errors.Is(reason, ErrSlowConsumerDropped) {
			dropped = append(dropped, conn)
		}
	})

	// The fast consumer drains, the slow one never reads.
	donePumping := make(chan struct{})
	go func() {
		defer close(donePumping)
		for {
			select {
			case <-fast.Conn.Outbox():
			case <-fast.Conn.Done():
				return
			}
		}
	}()

	frame := []byte(`{"op":"event"}`)
	for i := 0; i < 10; i++ {
		r.Deliver(sessionID, frame)
		time.Sleep(time.Millisecond) // let the fast reader drain
	}

	mu.Lock()
	got := len(dropped)
	var droppedConn *Conn
	if got > 0 {
		droppedConn = dropped[0]
	}
	mu.Unlock()

	if got != 1 || droppedConn != slow.Conn {
		t.Fatalf("dropped %d conns, want exactly the slow one", got)
	}
	select {
	case <-slow.Conn.Done():
		if !errors.Is(slow.Conn.Err(), ErrSlowConsumerDropped) {
			t.Fatalf("slow conn close reason = %v", slow.Conn.Err())
		}
	default:
		t.Fatalf("slow conn should be closed")
	}
	if r.Count(sessionID) != 1 {
		t.Fatalf("Count after drop = %d, want 1", r.Count(sessionID))
	}

	r.CloseSession(sessionID, ErrSessionEnded)
	<-donePumping
}

func TestCloseSessionRemovesEveryone(t *testing.T) {
	r := newTestRegistry(nil)
	sessionID := uuid.New()
	var conns []*Conn
	for i := 0; i < 3; i++ {
		res, err := r.Join(context.Background(), sessionID, uuid.New(), "viewer", uuid.New())
		if err != nil {
			t.Fatalf("Join() error = %v", err)
		}
		conns = append(conns, res.Conn)
	}

	events := r.CloseSession(sessionID, ErrSessionEnded)
	if len(events) != 3 {
		t.Fatalf("CloseSession returned %d leave events, want 3", len(events))
	}
	for _, c := range conns {
		select {
		case <-c.Done():
			if !errors.Is(c.Err(), ErrSessionEnded) {
				t.Fatalf("close reason = %v, want ErrSessionEnded", c.Err())
			}
		default:
			t.Fatalf("connection not closed by CloseSession")
		}
	}
	if r.Count(sessionID) != 0 {
		t.Fatalf("Count after close = %d, want 0", r.Count(sessionID))
	}
}

// Count must always equal the number of distinct users with at least one
// live connection, under any interleaving of joins, leaves and expiries.
func TestCountInvariantRandomized(t *testing.T) {
	r := newTestRegistry(nil)
	base := time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC)
	now := base
	r.now = func() time.Time { return now }

	rng := rand.New(rand.NewSource(42))
	sessionID := uuid.New()
	users := make([]uuid.UUID, 5)
	for i := range users {
		users[i] = uuid.New()
	}
	live := make(map[uuid.UUID]uuid.UUID) // connID -> userID

	check := func(step int) {
		distinct := make(map[uuid.UUID]bool)
		for _, u := range live {
			distinct[u] = true
		}
		if got := r.Count(sessionID); got != len(distinct) {
			t.Fatalf("step %d: Count = %d, want %d", step, got, len(distinct))
		}
	}

	for step := 0; step < 500; step++ {
		now = now.Add(time.Duration(rng.Intn(5)) * time.Second)
		switch op := rng.Intn(10); {
		case op < 5: // join
			connID := uuid.New()
			userID := users[rng.Intn(len(users))]
			if _, err := r.Join(context.Background(), sessionID, userID, "u", connID); err != nil {
				t.Fatalf("step %d: Join() error = %v", step, err)
			}
			live[connID] = userID
		case op < 8: // leave a random live connection
			for connID := range live {
				if _, _, err := r.Leave(sessionID, connID); err != nil {
					t.Fatalf("step %d: Leave() error = %v", step, err)
				}
				delete(live, connID)
				break
			}
		default: // jump past the heartbeat timeout and sweep everything stale
			now = now.Add(time.Minute)
			r.Sweep(now)
			for connID := range live {
				delete(live, connID)
			}
		}
		check(step)
	}
}

func TestConcurrentJoinsAndLeaves(t *testing.T) {
	r := newTestRegistry(nil)
	sessionID := uuid.New()

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			userID := uuid.New()
			for j := 0; j < 50; j++ {
				connID := uuid.New()
				if _, err := r.Join(context.Background(), sessionID, userID, "u", connID); err != nil {
					t.Errorf("Join() error = %v", err)
					return
				}
				if _, _, err := r.Leave(sessionID, connID); err != nil {
					t.Errorf("Leave() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := r.Count(sessionID); got != 0 {
		t.Fatalf("Count after churn = %d, want 0", got)
	}
	if got := r.Connections(sessionID); got != 0 {
		t.Fatalf("Connections after churn = %d, want 0", got)
	}
}
