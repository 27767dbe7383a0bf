// Package history is the pull-based reconciliation endpoint: clients load,
// poll, or catch up after a reconnect from here, merging by event id.
package history

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/classroom-live/backend/internal/live"
	"github.com/classroom-live/backend/internal/models"
	"github.com/classroom-live/backend/pkg/response"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Handler serves GET /sessions/:id/history.
type Handler struct {
	svc          *live.Service
	pollInterval int
}

// NewHandler creates a history handler. pollInterval is advertised to clients
// as the suggested safety-net poll cadence, in seconds.
func NewHandler(svc *live.Service, pollInterval int) *Handler {
	return &Handler{svc: svc, pollInterval: pollInterval}
}

// GetHistory handles GET /sessions/:id/history?since_id&limit. since_id 0 (or
// absent) is the initial load and returns the most recent events; otherwise
// events strictly after the cursor. Both in ascending id order, plus the
// current live count.
func (h *Handler) GetHistory(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	sinceID, err := strconv.ParseInt(c.DefaultQuery("since_id", "0"), 10, 64)
	if err != nil || sinceID < 0 {
		response.BadRequest(c, "invalid since_id")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if err != nil || limit < 0 {
		response.BadRequest(c, "invalid limit")
		return
	}
	if limit == 0 || limit > maxLimit {
		limit = maxLimit
	}

	events, count, err := h.svc.History(c.Request.Context(), sessionID, sinceID, limit)
	if err != nil {
		response.Internal(c, "failed to load history")
		return
	}
	if events == nil {
		events = []models.ChatEvent{}
	}
	response.OK(c, gin.H{
		"events":                events,
		"current_count":         count,
		"poll_interval_seconds": h.pollInterval,
	})
}
