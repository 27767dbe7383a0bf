// Package live wires presence, chat persistence and fan-out into the session
// operations the transport layer calls. Cross-component ordering lives here:
// an event is broadcast only after it was durably appended.
package live

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classroom-live/backend/internal/chat"
	"github.com/classroom-live/backend/internal/clock"
	"github.com/classroom-live/backend/internal/models"
	"github.com/classroom-live/backend/internal/observability"
	"github.com/classroom-live/backend/internal/presence"
	"github.com/classroom-live/backend/internal/realtime"
)

// ErrPersistenceFailure means a chat append exhausted its local retries. The
// event was not broadcast.
var ErrPersistenceFailure = errors.New("chat event could not be persisted")

const appendRetryDelay = 100 * time.Millisecond

// SessionSource is the content-collaborator boundary: it supplies session
// metadata and records the operator end override.
type SessionSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
	SetEndedOverride(ctx context.Context, id uuid.UUID, ended bool) error
}

// PresenceRecorder durably records presence events for attendance reporting.
// Implementations may write directly or enqueue for a worker.
type PresenceRecorder interface {
	Record(ctx context.Context, ev models.PresenceEvent) error
}

// PresenceRecorderFunc adapts a function to PresenceRecorder.
type PresenceRecorderFunc func(ctx context.Context, ev models.PresenceEvent) error

// Record implements PresenceRecorder.
func (f PresenceRecorderFunc) Record(ctx context.Context, ev models.PresenceEvent) error {
	return f(ctx, ev)
}

// Config holds the service tunables.
type Config struct {
	JoinWindow    time.Duration
	AppendRetries int
}

// Service coordinates one live-session operation end to end: registry
// mutation, durable append, fan-out. Presence changes and chat appends are
// deliberately independent; clients reconcile either ordering through the
// history endpoint.
type Service struct {
	sessions    SessionSource
	registry    *presence.Registry
	store       chat.Store
	broadcaster *realtime.Broadcaster
	recorder    PresenceRecorder
	metrics     *observability.Metrics
	logger      *zap.Logger
	cfg         Config

	now func() time.Time
}

// NewService creates the live-session service and hooks the registry's
// implicit-leave path (heartbeat expiries, slow-consumer drops) into the same
// leave handling explicit disconnects get.
func NewService(sessions SessionSource, registry *presence.Registry, store chat.Store, broadcaster *realtime.Broadcaster, recorder PresenceRecorder, metrics *observability.Metrics, logger *zap.Logger, cfg Config) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AppendRetries <= 0 {
		cfg.AppendRetries = 3
	}
	if cfg.JoinWindow <= 0 {
		cfg.JoinWindow = 5 * time.Minute
	}
	s := &Service{
		sessions:    sessions,
		registry:    registry,
		store:       store,
		broadcaster: broadcaster,
		recorder:    recorder,
		metrics:     metrics,
		logger:      logger,
		cfg:         cfg,
		now:         time.Now,
	}
	registry.SetGate(s)
	registry.SetImplicitLeaveHandler(s.onImplicitLeave)
	broadcaster.SetSessionEndedHandler(s.onRemoteEnded)
	return s
}

// Admit implements presence.Gate: a session admits connections only while
// joinable or live.
func (s *Service) Admit(ctx context.Context, sessionID uuid.UUID, now time.Time) error {
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return presence.ErrSessionNotJoinable
	}
	switch clock.SessionState(*sess, now, s.cfg.JoinWindow) {
	case clock.StateEnded:
		return presence.ErrSessionEnded
	case clock.StateScheduled:
		return presence.ErrSessionNotJoinable
	default:
		return nil
	}
}

// Join admits a connection and, when it makes the user present, records the
// join, appends the join system event and fans out event plus updated count.
func (s *Service) Join(ctx context.Context, sessionID, userID uuid.UUID, userName string, connID uuid.UUID) (*presence.JoinResult, error) {
	res, err := s.registry.Join(ctx, sessionID, userID, userName, connID)
	if err != nil {
		return nil, err
	}
	s.broadcaster.EnsureSession(sessionID)
	s.trackGauges()

	if res.New {
		s.recordPresence(ctx, res.Event)
		s.appendAndPublishSystem(ctx, sessionID, userID, userName, models.EventJoin)
		s.broadcaster.Publish(sessionID, realtime.CountFrame(sessionID, res.Count))
	}
	return res, nil
}

// Leave removes one connection; the user's last connection also emits the
// leave event and the updated count.
func (s *Service) Leave(ctx context.Context, sessionID, connID uuid.UUID) {
	ev, count, err := s.registry.Leave(sessionID, connID)
	if err != nil {
		return // already gone (sweep, drop, session end)
	}
	s.afterLeave(ctx, sessionID, ev, count)
}

// SendMessage appends a user message and fans it out. The append is retried
// a bounded number of times; on exhaustion the event is surfaced as failed
// and nothing is broadcast.
func (s *Service) SendMessage(ctx context.Context, sessionID, userID uuid.UUID, userName, text string) (models.ChatEvent, error) {
	if text == "" {
		return models.ChatEvent{}, errors.New("empty message")
	}
	ev, err := s.appendWithRetry(ctx, models.ChatEvent{
		SessionID: sessionID,
		UserID:    &userID,
		UserName:  userName,
		Text:      text,
		Kind:      models.EventMessage,
	})
	if err != nil {
		return models.ChatEvent{}, err
	}
	s.broadcaster.Publish(sessionID, realtime.EventFrame(ev))
	return ev, nil
}

// Announce appends an admin broadcast (no user attached) and fans it out.
func (s *Service) Announce(ctx context.Context, sessionID uuid.UUID, senderName, text string) (models.ChatEvent, error) {
	ev, err := s.appendWithRetry(ctx, models.ChatEvent{
		SessionID: sessionID,
		UserName:  senderName,
		Text:      text,
		Kind:      models.EventAdmin,
	})
	if err != nil {
		return models.ChatEvent{}, err
	}
	s.broadcaster.Publish(sessionID, realtime.EventFrame(ev))
	return ev, nil
}

// Heartbeat refreshes a connection's liveness timestamp.
func (s *Service) Heartbeat(sessionID, connID uuid.UUID) error {
	return s.registry.Heartbeat(sessionID, connID, s.now())
}

// Count returns the current distinct-viewer count for a session.
func (s *Service) Count(sessionID uuid.UUID) int {
	return s.registry.Count(sessionID)
}

// EndSession records the operator override, sends the terminal frame to every
// active connection and force-closes them. Later joins fail with
// ErrSessionEnded via the gate.
func (s *Service) EndSession(ctx context.Context, sessionID uuid.UUID) error {
	if err := s.sessions.SetEndedOverride(ctx, sessionID, true); err != nil {
		return err
	}
	// Terminal frame first, queued on the local outboxes ahead of the close
	// so the write loops flush it before shutting the socket. PublishEnded
	// delivers locally without waiting on the bridge round-trip; other
	// instances hear it over the bridge and run their own close.
	s.broadcaster.PublishEnded(sessionID)
	n := s.closeLocal(ctx, sessionID)
	s.logger.Info("session ended by operator",
		zap.String("session_id", sessionID.String()),
		zap.Int("viewers_disconnected", n))
	return nil
}

// closeLocal force-closes this instance's registrations for a session and
// emits their leave events. Safe to call twice; the second close finds
// nothing.
func (s *Service) closeLocal(ctx context.Context, sessionID uuid.UUID) int {
	events := s.registry.CloseSession(sessionID, presence.ErrSessionEnded)
	for i := range events {
		ev := events[i]
		s.recordPresence(ctx, ev)
		s.appendAndPublishSystem(ctx, sessionID, ev.UserID, ev.UserName, models.EventLeave)
	}
	s.broadcaster.ReleaseSession(sessionID)
	s.trackGauges()
	return len(events)
}

// onRemoteEnded runs when another instance's ended frame arrives over the
// bridge. The frame itself is already queued on the local outboxes by the
// subscription delivery; only the close and the leave bookkeeping remain.
func (s *Service) onRemoteEnded(sessionID uuid.UUID) {
	if n := s.closeLocal(context.Background(), sessionID); n > 0 {
		s.logger.Info("session ended remotely",
			zap.String("session_id", sessionID.String()),
			zap.Int("viewers_disconnected", n))
	}
}

// History serves the reconciliation pull plus the current count, so clients
// can merge by id and converge regardless of what the push path delivered.
// A zero cursor is the initial load and returns the most recent events; a
// positive cursor pages forward from it.
func (s *Service) History(ctx context.Context, sessionID uuid.UUID, sinceID int64, limit int) ([]models.ChatEvent, int, error) {
	var (
		events []models.ChatEvent
		err    error
	)
	if sinceID == 0 {
		events, err = s.store.QueryLatest(ctx, sessionID, limit)
	} else {
		events, err = s.store.QuerySince(ctx, sessionID, sinceID, limit)
	}
	if err != nil {
		return nil, 0, err
	}
	return events, s.registry.Count(sessionID), nil
}

// onImplicitLeave handles removals the client never signaled: heartbeat
// expiries and slow-consumer drops. Same event shape as an explicit leave.
func (s *Service) onImplicitLeave(conn *presence.Conn, ev *models.PresenceEvent, count int, reason error) {
	if s.metrics != nil {
		switch {
		case errors.Is(reason, presence.ErrSlowConsumerDropped):
			s.metrics.SlowConsumers.Inc()
		case errors.Is(reason, presence.ErrHeartbeatExpired):
			s.metrics.HeartbeatExpired.Inc()
		}
	}
	s.afterLeave(context.Background(), conn.SessionID, ev, count)
}

func (s *Service) afterLeave(ctx context.Context, sessionID uuid.UUID, ev *models.PresenceEvent, count int) {
	s.trackGauges()
	if ev != nil {
		s.recordPresence(ctx, *ev)
		s.appendAndPublishSystem(ctx, sessionID, ev.UserID, ev.UserName, models.EventLeave)
		s.broadcaster.Publish(sessionID, realtime.CountFrame(sessionID, count))
	}
	if s.registry.Connections(sessionID) == 0 {
		s.broadcaster.ReleaseSession(sessionID)
	}
}

// appendAndPublishSystem appends a join/leave system event and fans it out.
// A failed append is logged and skipped: the presence change stands, and the
// event is simply never broadcast (nothing undurable goes on the wire).
func (s *Service) appendAndPublishSystem(ctx context.Context, sessionID, userID uuid.UUID, userName string, kind models.EventKind) {
	ev, err := s.appendWithRetry(ctx, models.ChatEvent{
		SessionID: sessionID,
		UserID:    &userID,
		UserName:  userName,
		Kind:      kind,
	})
	if err != nil {
		s.logger.Warn("system event append failed",
			zap.String("session_id", sessionID.String()),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return
	}
	s.broadcaster.Publish(sessionID, realtime.EventFrame(ev))
}

func (s *Service) appendWithRetry(ctx context.Context, ev models.ChatEvent) (models.ChatEvent, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.AppendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return models.ChatEvent{}, ctx.Err()
			case <-time.After(appendRetryDelay):
			}
		}
		stored, err := s.store.Append(ctx, ev)
		if err == nil {
			if s.metrics != nil {
				s.metrics.EventsAppended.WithLabelValues(string(ev.Kind)).Inc()
			}
			return stored, nil
		}
		lastErr = err
	}
	if s.metrics != nil {
		s.metrics.AppendFailures.Inc()
	}
	s.logger.Error("chat append exhausted retries",
		zap.String("session_id", ev.SessionID.String()),
		zap.Error(lastErr))
	return models.ChatEvent{}, ErrPersistenceFailure
}

func (s *Service) recordPresence(ctx context.Context, ev models.PresenceEvent) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(ctx, ev); err != nil {
		s.logger.Warn("presence record failed",
			zap.String("session_id", ev.SessionID.String()),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
	}
}

func (s *Service) trackGauges() {
	if s.metrics == nil {
		return
	}
	var conns, viewers int
	for _, id := range s.registry.SessionIDs() {
		conns += s.registry.Connections(id)
		viewers += s.registry.Count(id)
	}
	s.metrics.LiveConnections.Set(float64(conns))
	s.metrics.LiveViewers.Set(float64(viewers))
}
