// Package presence tracks the live connections of each session: who is
// watching, from how many devices, and for how long a connection may stay
// silent before it is treated as gone.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classroom-live/backend/internal/models"
)

var (
	// ErrSessionNotJoinable means a join was attempted outside the
	// joinable/live window. Recoverable: the client can retry later.
	ErrSessionNotJoinable = errors.New("session not joinable")
	// ErrSessionEnded means the session is over (duration elapsed or
	// operator override). Terminal for that session.
	ErrSessionEnded = errors.New("session ended")
	// ErrConnectionNotFound means the connection is not registered.
	ErrConnectionNotFound = errors.New("connection not registered")
	// ErrSlowConsumerDropped means a connection's outbound queue
	// overflowed and the connection was removed.
	ErrSlowConsumerDropped = errors.New("slow consumer dropped")
	// ErrHeartbeatExpired means a connection stopped heartbeating and was
	// removed as an implicit leave.
	ErrHeartbeatExpired = errors.New("heartbeat expired")
)

// Gate decides whether a session currently admits connections. Join calls it
// before registering; it returns ErrSessionNotJoinable or ErrSessionEnded to
// reject.
type Gate interface {
	Admit(ctx context.Context, sessionID uuid.UUID, now time.Time) error
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(ctx context.Context, sessionID uuid.UUID, now time.Time) error

// Admit implements Gate.
func (f GateFunc) Admit(ctx context.Context, sessionID uuid.UUID, now time.Time) error {
	return f(ctx, sessionID, now)
}

// JoinResult is the outcome of a successful Join.
type JoinResult struct {
	Conn  *Conn
	Event models.PresenceEvent // the user's join event (prior one on repeat joins)
	New   bool                 // true when this join made the user present
	Count int                  // distinct-user count after the join
}

// LeaveFunc is invoked after implicit leaves (heartbeat expiry, slow-consumer
// drops). ev is non-nil when the removed connection was the user's last.
type LeaveFunc func(conn *Conn, ev *models.PresenceEvent, count int, reason error)

// Registry is the in-memory table of active connections per session. The
// session map is guarded by a read-write lock; every mutation of one
// session's state happens under that session's own lock, so presence changes
// within a session are serialized and sessions never block one another.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*sessionPresence

	queueLimit       int
	heartbeatTimeout time.Duration
	logger           *zap.Logger

	hookMu          sync.RWMutex
	gate            Gate
	onImplicitLeave LeaveFunc

	now func() time.Time // test hook
}

type sessionPresence struct {
	mu      sync.Mutex
	conns   map[uuid.UUID]*Conn
	users   map[uuid.UUID]*userPresence
	evicted bool // set when removed from the registry map; joins must retry
}

// userPresence tracks one distinct user's connections within a session.
type userPresence struct {
	conns  int
	joined models.PresenceEvent
}

// NewRegistry creates a presence registry. The admission gate is attached
// afterwards via SetGate, once the component that owns session metadata
// exists.
func NewRegistry(queueLimit int, heartbeatTimeout time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueLimit <= 0 {
		queueLimit = 64
	}
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 45 * time.Second
	}
	return &Registry{
		sessions:         make(map[uuid.UUID]*sessionPresence),
		queueLimit:       queueLimit,
		heartbeatTimeout: heartbeatTimeout,
		logger:           logger,
		now:              time.Now,
	}
}

// SetImplicitLeaveHandler sets the callback for removals the client did not
// ask for: heartbeat expiries and slow-consumer drops.
func (r *Registry) SetImplicitLeaveHandler(fn LeaveFunc) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onImplicitLeave = fn
}

// SetGate attaches the admission gate consulted by Join.
func (r *Registry) SetGate(gate Gate) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.gate = gate
}

func (r *Registry) implicitLeave(conn *Conn, ev *models.PresenceEvent, count int, reason error) {
	r.hookMu.RLock()
	fn := r.onImplicitLeave
	r.hookMu.RUnlock()
	if fn != nil {
		fn(conn, ev, count, reason)
	}
}

// Join admits a connection to a session. It is idempotent per connection id:
// a repeat join with the same id returns the prior result and emits nothing.
// A join event is recorded only for the user's first connection; extra
// devices raise the connection count but not the viewer count.
func (r *Registry) Join(ctx context.Context, sessionID, userID uuid.UUID, userName string, connID uuid.UUID) (*JoinResult, error) {
	now := r.now()
	r.hookMu.RLock()
	gate := r.gate
	r.hookMu.RUnlock()
	if gate != nil {
		if err := gate.Admit(ctx, sessionID, now); err != nil {
			return nil, err
		}
	}

	for {
		s := r.getOrCreate(sessionID)
		s.mu.Lock()
		if s.evicted {
			s.mu.Unlock()
			continue // lost a race with the last leave; grab a fresh entry
		}

		if existing, ok := s.conns[connID]; ok {
			res := &JoinResult{
				Conn:  existing,
				Event: s.users[existing.UserID].joined,
				New:   false,
				Count: len(s.users),
			}
			s.mu.Unlock()
			return res, nil
		}

		conn := newConn(sessionID, userID, userName, connID, r.queueLimit, now)
		s.conns[connID] = conn

		up, present := s.users[userID]
		if !present {
			up = &userPresence{
				joined: models.PresenceEvent{
					SessionID:  sessionID,
					UserID:     userID,
					UserName:   userName,
					Kind:       models.PresenceJoin,
					OccurredAt: now,
				},
			}
			s.users[userID] = up
		}
		up.conns++

		res := &JoinResult{Conn: conn, Event: up.joined, New: !present, Count: len(s.users)}
		s.mu.Unlock()

		r.logger.Debug("connection joined",
			zap.String("session_id", sessionID.String()),
			zap.String("user_id", userID.String()),
			zap.String("conn_id", connID.String()),
			zap.Bool("first_for_user", res.New))
		return res, nil
	}
}

// Leave removes exactly one connection. The returned event is non-nil only
// when it was the user's last connection in the session.
func (r *Registry) Leave(sessionID, connID uuid.UUID) (*models.PresenceEvent, int, error) {
	s := r.lookup(sessionID)
	if s == nil {
		return nil, 0, ErrConnectionNotFound
	}
	s.mu.Lock()
	conn, ev, count, ok := s.removeLocked(connID, r.now())
	empty := len(s.conns) == 0
	s.mu.Unlock()
	if !ok {
		return nil, count, ErrConnectionNotFound
	}
	conn.close(nil)
	if empty {
		r.evict(sessionID, s)
	}
	r.logger.Debug("connection left",
		zap.String("session_id", sessionID.String()),
		zap.String("conn_id", connID.String()),
		zap.Bool("last_for_user", ev != nil))
	return ev, count, nil
}

// Heartbeat refreshes a connection's liveness timestamp.
func (r *Registry) Heartbeat(sessionID, connID uuid.UUID, now time.Time) error {
	s := r.lookup(sessionID)
	if s == nil {
		return ErrConnectionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[connID]
	if !ok {
		return ErrConnectionNotFound
	}
	if now.After(conn.lastBeat) {
		conn.lastBeat = now
	}
	return nil
}

// Count returns the distinct-user count for a session. The counter is
// maintained on every mutation; no scan happens here.
func (r *Registry) Count(sessionID uuid.UUID) int {
	s := r.lookup(sessionID)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// Connections returns the number of live connections for a session.
func (r *Registry) Connections(sessionID uuid.UUID) int {
	s := r.lookup(sessionID)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Deliver pushes one pre-encoded frame to every connection of a session.
// Sends never block: a connection whose outbound queue is full is removed as
// an implicit leave so one slow consumer cannot stall the rest. Returns the
// number of connections the frame was queued for.
func (r *Registry) Deliver(sessionID uuid.UUID, frame []byte) int {
	s := r.lookup(sessionID)
	if s == nil {
		return 0
	}

	type dropped struct {
		conn  *Conn
		ev    *models.PresenceEvent
		count int
	}
	var drops []dropped
	delivered := 0

	s.mu.Lock()
	for id, conn := range s.conns {
		if conn.trySend(frame) {
			delivered++
			continue
		}
		if c, ev, count, ok := s.removeLocked(id, r.now()); ok {
			drops = append(drops, dropped{conn: c, ev: ev, count: count})
		}
	}
	empty := len(s.conns) == 0
	s.mu.Unlock()

	for _, d := range drops {
		d.conn.close(ErrSlowConsumerDropped)
		r.logger.Warn("slow consumer dropped",
			zap.String("session_id", sessionID.String()),
			zap.String("conn_id", d.conn.ID.String()))
		r.implicitLeave(d.conn, d.ev, d.count, ErrSlowConsumerDropped)
	}
	if empty && len(drops) > 0 {
		r.evict(sessionID, s)
	}
	return delivered
}

// CloseSession force-closes every connection of a session and returns the
// leave events for each user that was present. Used when the operator ends a
// session mid-flight.
func (r *Registry) CloseSession(sessionID uuid.UUID, reason error) []models.PresenceEvent {
	s := r.lookup(sessionID)
	if s == nil {
		return nil
	}
	now := r.now()

	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	events := make([]models.PresenceEvent, 0, len(s.users))
	for userID, up := range s.users {
		events = append(events, models.PresenceEvent{
			SessionID:  sessionID,
			UserID:     userID,
			UserName:   up.joined.UserName,
			Kind:       models.PresenceLeave,
			OccurredAt: now,
		})
	}
	s.conns = make(map[uuid.UUID]*Conn)
	s.users = make(map[uuid.UUID]*userPresence)
	s.mu.Unlock()

	for _, c := range conns {
		c.close(reason)
	}
	r.evict(sessionID, s)
	if len(conns) > 0 {
		r.logger.Info("session closed",
			zap.String("session_id", sessionID.String()),
			zap.Int("connections", len(conns)))
	}
	return events
}

// Sweep removes connections whose heartbeat is older than the timeout and
// reports each as an implicit leave. Returns how many were removed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.RLock()
	shards := make(map[uuid.UUID]*sessionPresence, len(r.sessions))
	for id, s := range r.sessions {
		shards[id] = s
	}
	r.mu.RUnlock()

	removed := 0
	cutoff := now.Add(-r.heartbeatTimeout)
	for sessionID, s := range shards {
		type expired struct {
			conn  *Conn
			ev    *models.PresenceEvent
			count int
		}
		var out []expired

		s.mu.Lock()
		for id, conn := range s.conns {
			if conn.lastBeat.Before(cutoff) {
				if c, ev, count, ok := s.removeLocked(id, now); ok {
					out = append(out, expired{conn: c, ev: ev, count: count})
				}
			}
		}
		empty := len(s.conns) == 0
		s.mu.Unlock()

		for _, e := range out {
			e.conn.close(ErrHeartbeatExpired)
			r.logger.Info("heartbeat expired",
				zap.String("session_id", sessionID.String()),
				zap.String("conn_id", e.conn.ID.String()),
				zap.String("user_id", e.conn.UserID.String()))
			r.implicitLeave(e.conn, e.ev, e.count, ErrHeartbeatExpired)
			removed++
		}
		if empty && len(out) > 0 {
			r.evict(sessionID, s)
		}
	}
	return removed
}

// StartSweeper runs the heartbeat sweep until ctx is done.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(r.now())
			}
		}
	}()
}

// SessionIDs returns the sessions that currently have at least one connection.
func (r *Registry) SessionIDs() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// removeLocked detaches one connection. Caller holds s.mu. The returned event
// is non-nil when the connection was the user's last in the session.
func (s *sessionPresence) removeLocked(connID uuid.UUID, now time.Time) (*Conn, *models.PresenceEvent, int, bool) {
	conn, ok := s.conns[connID]
	if !ok {
		return nil, nil, len(s.users), false
	}
	delete(s.conns, connID)

	var ev *models.PresenceEvent
	if up, ok := s.users[conn.UserID]; ok {
		up.conns--
		if up.conns <= 0 {
			delete(s.users, conn.UserID)
			ev = &models.PresenceEvent{
				SessionID:  conn.SessionID,
				UserID:     conn.UserID,
				UserName:   conn.UserName,
				Kind:       models.PresenceLeave,
				OccurredAt: now,
			}
		}
	}
	return conn, ev, len(s.users), true
}

func (r *Registry) lookup(sessionID uuid.UUID) *sessionPresence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

func (r *Registry) getOrCreate(sessionID uuid.UUID) *sessionPresence {
	r.mu.RLock()
	s := r.sessions[sessionID]
	r.mu.RUnlock()
	if s != nil {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s = r.sessions[sessionID]; s == nil {
		s = &sessionPresence{
			conns: make(map[uuid.UUID]*Conn),
			users: make(map[uuid.UUID]*userPresence),
		}
		r.sessions[sessionID] = s
	}
	return s
}

// evict drops a session's entry once it has no connections. The emptiness
// recheck under both locks closes the race with a concurrent join.
func (r *Registry) evict(sessionID uuid.UUID, s *sessionPresence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[sessionID]
	if !ok || cur != s {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		s.evicted = true
		delete(r.sessions, sessionID)
	}
}
