package sessions

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classroom-live/backend/internal/clock"
	"github.com/classroom-live/backend/internal/live"
	"github.com/classroom-live/backend/internal/middleware"
	"github.com/classroom-live/backend/internal/models"
	"github.com/classroom-live/backend/pkg/response"
)

// Handler handles session scheduling and the operator end override.
type Handler struct {
	repo            *Repository
	svc             *live.Service
	joinWindow      time.Duration
	defaultDuration int
	logger          *zap.Logger
}

// NewHandler creates a sessions handler.
func NewHandler(repo *Repository, svc *live.Service, joinWindow time.Duration, defaultDuration int, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, svc: svc, joinWindow: joinWindow, defaultDuration: defaultDuration, logger: logger}
}

type createRequest struct {
	Title           string    `json:"title" binding:"required"`
	ScheduledStart  time.Time `json:"scheduled_start" binding:"required"`
	DurationSeconds int       `json:"duration_seconds"`
}

// Create handles POST /sessions (admin): schedule a live session.
func (h *Handler) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "title and scheduled_start required")
		return
	}
	if req.DurationSeconds <= 0 {
		req.DurationSeconds = h.defaultDuration
	}
	userID, _ := c.Get(middleware.ContextUserID)
	createdBy, _ := userID.(uuid.UUID)

	s := &models.Session{
		Title:           req.Title,
		ScheduledStart:  req.ScheduledStart,
		DurationSeconds: req.DurationSeconds,
		CreatedBy:       createdBy,
	}
	if err := h.repo.Create(c.Request.Context(), s); err != nil {
		h.logger.Error("create session", zap.Error(err))
		response.Internal(c, "failed to create session")
		return
	}
	response.Created(c, s)
}

// GetByID handles GET /sessions/:id, including the derived lifecycle state
// and the current live count.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	s, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(c, "session not found")
			return
		}
		response.Internal(c, "failed to load session")
		return
	}
	response.OK(c, gin.H{
		"session":       s,
		"state":         clock.SessionState(*s, time.Now(), h.joinWindow),
		"current_count": h.svc.Count(s.ID),
	})
}

// List handles GET /sessions?include_ended=true.
func (h *Handler) List(c *gin.Context) {
	includeEnded := c.Query("include_ended") == "true"
	list, err := h.repo.List(c.Request.Context(), includeEnded, time.Now())
	if err != nil {
		response.Internal(c, "failed to list sessions")
		return
	}
	if list == nil {
		list = []models.Session{}
	}
	response.OK(c, gin.H{"sessions": list})
}

// End handles POST /sessions/:id/end (admin): sets the ended override,
// notifies every active connection and closes them.
func (h *Handler) End(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	if err := h.svc.EndSession(c.Request.Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(c, "session not found")
			return
		}
		h.logger.Error("end session", zap.Error(err), zap.String("session_id", id.String()))
		response.Internal(c, "failed to end session")
		return
	}
	response.OK(c, gin.H{"ended": true})
}

// Announce handles POST /sessions/:id/announcements (admin): append and fan
// out an admin broadcast.
func (h *Handler) Announce(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "text required")
		return
	}
	name, _ := c.Get(middleware.ContextUserName)
	sender, _ := name.(string)

	ev, err := h.svc.Announce(c.Request.Context(), id, sender, req.Text)
	if err != nil {
		response.Internal(c, "failed to send announcement")
		return
	}
	response.Created(c, ev)
}
