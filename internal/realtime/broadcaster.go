// Package realtime carries events to live connections: websocket client
// loops, the fan-out broadcaster, and the Redis bridge between instances.
package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classroom-live/backend/internal/observability"
)

// Deliverer pushes a pre-encoded frame to every live connection of a session.
// Implemented by the presence registry.
type Deliverer interface {
	Deliver(sessionID uuid.UUID, frame []byte) int
}

// Publisher publishes a frame for other instances (cross-instance fan-out).
type Publisher interface {
	PublishSessionFrame(sessionID uuid.UUID, frame []byte) error
}

// Subscriber subscribes to a session's cross-instance channel.
type Subscriber interface {
	SubscribeSession(sessionID uuid.UUID, handler func(frame []byte)) (cancel func(), err error)
}

// Broadcaster fans frames out to the connections registered for a session.
// Delivery is at-least-once to connections live at publish time; per
// connection it is independent and best-effort, backed by the registry's
// bounded outboxes. When a Redis bridge is configured, frames go through the
// session channel once so every instance (this one included) delivers them
// exactly one time to its local connections.
type Broadcaster struct {
	deliver Deliverer
	pub     Publisher
	sub     Subscriber
	metrics *observability.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	subs    map[uuid.UUID]func()
	onEnded func(sessionID uuid.UUID)
}

// NewBroadcaster creates a fan-out broadcaster. pub and sub may be nil for
// single-instance deployments; frames then go straight to local connections.
// metrics may be nil.
func NewBroadcaster(deliver Deliverer, pub Publisher, sub Subscriber, metrics *observability.Metrics, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		deliver: deliver,
		pub:     pub,
		sub:     sub,
		metrics: metrics,
		logger:  logger,
		subs:    make(map[uuid.UUID]func()),
	}
}

// SetSessionEndedHandler registers the callback invoked when an ended frame
// arrives over the bridge, so this instance closes its own registrations
// instead of waiting for their heartbeats to lapse.
func (b *Broadcaster) SetSessionEndedHandler(fn func(sessionID uuid.UUID)) {
	b.mu.Lock()
	b.onEnded = fn
	b.mu.Unlock()
}

func (b *Broadcaster) deliverLocal(sessionID uuid.UUID, payload []byte) {
	n := b.deliver.Deliver(sessionID, payload)
	if b.metrics != nil && n > 0 {
		b.metrics.FramesDelivered.Add(float64(n))
	}
}

// Publish sends one frame to all connections of a session. It never blocks on
// a slow consumer and never touches the chat store.
func (b *Broadcaster) Publish(sessionID uuid.UUID, frame ServerFrame) {
	payload, err := frame.Encode()
	if err != nil {
		b.logger.Error("encode frame", zap.Error(err), zap.String("op", frame.Op))
		return
	}
	if b.pub != nil {
		if err := b.pub.PublishSessionFrame(sessionID, payload); err == nil {
			return // the subscription callback delivers locally
		}
		b.logger.Warn("redis publish failed, delivering locally",
			zap.String("session_id", sessionID.String()))
	}
	b.deliverLocal(sessionID, payload)
}

// PublishEnded sends the terminal frame for a session. Local connections get
// it synchronously, so a close that follows immediately cannot outrun an
// asynchronous bridge round-trip; the bridge copy tells other instances to
// deliver it and close their registrations. The echo back to this instance
// finds the connections already gone, or at worst queues a harmless
// duplicate of an idempotent frame.
func (b *Broadcaster) PublishEnded(sessionID uuid.UUID) {
	payload, err := EndedFrame(sessionID).Encode()
	if err != nil {
		b.logger.Error("encode frame", zap.Error(err), zap.String("op", OpEnded))
		return
	}
	b.deliverLocal(sessionID, payload)
	if b.pub != nil {
		if err := b.pub.PublishSessionFrame(sessionID, payload); err != nil {
			b.logger.Warn("redis publish failed for ended frame",
				zap.String("session_id", sessionID.String()))
		}
	}
}

// EnsureSession starts the cross-instance subscription for a session. Called
// when its first local connection joins; repeat calls are no-ops.
func (b *Broadcaster) EnsureSession(sessionID uuid.UUID) {
	if b.sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sessionID]; ok {
		return
	}
	cancel, err := b.sub.SubscribeSession(sessionID, func(frame []byte) {
		b.deliverLocal(sessionID, frame)
		if frameOp(frame) == OpEnded {
			b.mu.Lock()
			fn := b.onEnded
			b.mu.Unlock()
			if fn != nil {
				fn(sessionID)
			}
		}
	})
	if err != nil {
		b.logger.Warn("session subscribe failed", zap.String("session_id", sessionID.String()), zap.Error(err))
		return
	}
	b.subs[sessionID] = cancel
}

// ReleaseSession cancels the subscription once the last local connection of a
// session is gone.
func (b *Broadcaster) ReleaseSession(sessionID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cancel, ok := b.subs[sessionID]; ok {
		cancel()
		delete(b.subs, sessionID)
	}
}

// frameOp peeks at a wire frame's op without decoding the rest.
func frameOp(payload []byte) string {
	var f struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(payload, &f); err != nil {
		return ""
	}
	return f.Op
}
