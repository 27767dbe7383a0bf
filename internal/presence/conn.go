package presence

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conn is the registry's record of one live duplex channel. It is created by
// Join and owned by the registry until Leave, heartbeat expiry, slow-consumer
// drop, or session close removes it.
type Conn struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	UserID    uuid.UUID
	UserName  string
	JoinedAt  time.Time

	outbox chan []byte
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error

	lastBeat time.Time // guarded by the owning session's lock
}

func newConn(sessionID, userID uuid.UUID, userName string, connID uuid.UUID, queueLimit int, now time.Time) *Conn {
	return &Conn{
		ID:        connID,
		SessionID: sessionID,
		UserID:    userID,
		UserName:  userName,
		JoinedAt:  now,
		outbox:    make(chan []byte, queueLimit),
		done:      make(chan struct{}),
		lastBeat:  now,
	}
}

// Outbox is the bounded stream of frames to write to the client.
func (c *Conn) Outbox() <-chan []byte { return c.outbox }

// Done is closed when the registry removes the connection.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection was closed. Valid after Done is closed.
func (c *Conn) Err() error { return c.closeErr }

// trySend enqueues a frame without blocking. A false return means the
// outbound queue is full.
func (c *Conn) trySend(p []byte) bool {
	select {
	case c.outbox <- p:
		return true
	default:
		return false
	}
}

func (c *Conn) close(reason error) {
	c.closeOnce.Do(func() {
		c.closeErr = reason
		close(c.done)
	})
}
