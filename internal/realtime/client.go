package realtime

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/classroom-live/backend/internal/models"
	"github.com/classroom-live/backend/internal/presence"
)

const (
	// PingInterval and PongWait are used for transport-level liveness.
	PingInterval = 30
	PongWait     = 60

	writeWait = 10 * time.Second
)

// originChecker applies the same origin policy as the HTTP CORS middleware:
// "*" or an empty list allows everything, otherwise the Origin header must
// match one of the listed origins. Requests without an Origin header are
// non-browser clients and pass.
func originChecker(allowedOrigins string) func(*http.Request) bool {
	allowed := make(map[string]bool)
	for _, o := range strings.Split(strings.TrimSpace(allowedOrigins), ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			allowed[o] = true
		}
	}
	return func(r *http.Request) bool {
		if len(allowed) == 0 || allowed["*"] {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return allowed[origin]
	}
}

// SessionService is the live-session surface the websocket loop drives.
type SessionService interface {
	Join(ctx context.Context, sessionID, userID uuid.UUID, userName string, connID uuid.UUID) (*presence.JoinResult, error)
	Leave(ctx context.Context, sessionID, connID uuid.UUID)
	SendMessage(ctx context.Context, sessionID, userID uuid.UUID, userName, text string) (models.ChatEvent, error)
	Heartbeat(sessionID, connID uuid.UUID) error
}

// Client runs one websocket connection. Before the join op it only answers
// pings; after it, the write loop drains the registry-owned bounded outbox so
// a stalled socket backs up into that queue and gets dropped there, never in
// the broadcaster.
type Client struct {
	sessionID uuid.UUID
	userID    uuid.UUID
	userName  string
	connID    uuid.UUID

	svc    SessionService
	ws     *websocket.Conn
	logger *zap.Logger

	direct chan []byte   // per-connection frames (errors, initial count)
	quit   chan struct{} // closed when the read loop exits

	mu     sync.Mutex
	joined *presence.Conn
}

// ServeWS handles the websocket upgrade and runs the client loops. The token
// comes from the identity collaborator and carries the user id and display
// name; session_id selects the session the channel is bound to.
// allowedOrigins follows the CORS middleware format.
func ServeWS(svc SessionService, logger *zap.Logger, jwtValidate func(token string) (userID uuid.UUID, name string, err error), allowedOrigins string) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return func(c *gin.Context) {
		sessionIDStr := c.Query("session_id")
		token := c.Query("token")
		if sessionIDStr == "" || token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session_id and token required"})
			return
		}
		sessionID, err := uuid.Parse(sessionIDStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session_id"})
			return
		}
		userID, name, err := jwtValidate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			sessionID: sessionID,
			userID:    userID,
			userName:  name,
			connID:    uuid.New(),
			svc:       svc,
			ws:        ws,
			logger:    logger,
			direct:    make(chan []byte, 8),
			quit:      make(chan struct{}),
		}
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) presence() *presence.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

func (c *Client) setPresence(conn *presence.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined = conn
}

// sendDirect queues a frame for this connection only. Best-effort.
func (c *Client) sendDirect(frame ServerFrame) {
	payload, err := frame.Encode()
	if err != nil {
		return
	}
	select {
	case c.direct <- payload:
	default:
	}
}

func (c *Client) readPump() {
	defer func() {
		close(c.quit)
		if c.presence() != nil {
			c.svc.Leave(context.Background(), c.sessionID, c.connID)
		}
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(65536)
	_ = c.ws.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		// A live transport counts as liveness even between explicit
		// heartbeat ops.
		if c.presence() != nil {
			_ = c.svc.Heartbeat(c.sessionID, c.connID)
		}
		return nil
	})

	for {
		var frame ClientFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		if frame.SessionID != uuid.Nil && frame.SessionID != c.sessionID {
			c.sendDirect(ErrorFrame(c.sessionID, "session mismatch"))
			continue
		}

		switch frame.Op {
		case OpJoin:
			res, err := c.svc.Join(context.Background(), c.sessionID, c.userID, c.userName, c.connID)
			if err != nil {
				c.sendDirect(ErrorFrame(c.sessionID, err.Error()))
				continue
			}
			c.setPresence(res.Conn)
			c.sendDirect(CountFrame(c.sessionID, res.Count))
		case OpSend:
			if c.presence() == nil {
				c.sendDirect(ErrorFrame(c.sessionID, "join first"))
				continue
			}
			if _, err := c.svc.SendMessage(context.Background(), c.sessionID, c.userID, c.userName, frame.Text); err != nil {
				c.sendDirect(ErrorFrame(c.sessionID, err.Error()))
			}
		case OpHeartbeat:
			if err := c.svc.Heartbeat(c.sessionID, c.connID); err != nil {
				c.sendDirect(ErrorFrame(c.sessionID, err.Error()))
			}
		case OpLeave:
			return
		default:
			// ignore
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	write := func(payload []byte) bool {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		return c.ws.WriteMessage(websocket.TextMessage, payload) == nil
	}

	for {
		// Until the join op lands these are nil and never selected.
		var outbox <-chan []byte
		var done <-chan struct{}
		if pc := c.presence(); pc != nil {
			outbox = pc.Outbox()
			done = pc.Done()
		}

		select {
		case payload := <-c.direct:
			if !write(payload) {
				return
			}
		case payload := <-outbox:
			if !write(payload) {
				return
			}
		case <-done:
			// The registry removed us (session end, slow consumer,
			// heartbeat expiry). Flush whatever is already queued,
			// the terminal frame included, then close.
			for {
				select {
				case payload := <-outbox:
					if !write(payload) {
						return
					}
				default:
					_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.quit:
			return
		}
	}
}
