package attendance

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/classroom-live/backend/pkg/response"
)

// Handler handles GET /sessions/:id/attendance.
type Handler struct {
	repo *Repository
}

// NewHandler creates an attendance handler.
func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

// GetAttendance handles GET /sessions/:id/attendance (admin: per-user
// join/leave counts and latest status).
func (h *Handler) GetAttendance(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	list, err := h.repo.Report(c.Request.Context(), sessionID)
	if err != nil {
		response.Internal(c, "failed to load attendance")
		return
	}
	if list == nil {
		list = []Row{}
	}
	response.OK(c, gin.H{"attendance": list})
}
