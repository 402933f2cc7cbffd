package bookings

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/the3tree/3tree-sub003/internal/middleware"
	"github.com/the3tree/3tree-sub003/internal/models"
	"github.com/the3tree/3tree-sub003/pkg/response"
)

// Handler serves the participant's booking list.
type Handler struct {
	repo *Repository
}

// NewHandler creates a booking handler.
func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

// ListMine handles GET /bookings.
func (h *Handler) ListMine(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	list, err := h.repo.ListForUser(c.Request.Context(), userID)
	if err != nil {
		response.Internal(c, "failed to list bookings")
		return
	}
	if list == nil {
		list = []models.Booking{}
	}
	response.OK(c, gin.H{"bookings": list})
}
