package sessions

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/the3tree/3tree-sub003/internal/callerr"
	"github.com/the3tree/3tree-sub003/internal/middleware"
	"github.com/the3tree/3tree-sub003/internal/models"
	"github.com/the3tree/3tree-sub003/pkg/response"
)

// Presence reports who is connected to a room.
type Presence interface {
	Participants(roomID string) []string
}

// ICEProvider returns the ICE servers a participant should use for a session.
type ICEProvider interface {
	ICEServers(sessionID string) []webrtc.ICEServer
}

// AttendanceLog lists participant join/leave rows.
type AttendanceLog interface {
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.ParticipantLog, error)
}

// ArchiveLinks resolves download links for session archives; "" means not written yet.
type ArchiveLinks interface {
	ArchiveURL(ctx context.Context, bookingID, sessionID string) (string, error)
}

// ICEServer is the JSON form of a webrtc.ICEServer with a password credential.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// PresenceResponse is the body of GET /sessions/:id/presence.
type PresenceResponse struct {
	RoomID       string   `json:"room_id"`
	Participants []string `json:"participants"`
}

var statusByCode = map[callerr.Code]int{
	callerr.CodeBookingNotFound:    http.StatusNotFound,
	callerr.CodeSessionNotFound:    http.StatusNotFound,
	callerr.CodeNotParticipant:     http.StatusForbidden,
	callerr.CodeBookingNotEligible: http.StatusConflict,
	callerr.CodeSessionEnded:       http.StatusGone,
}

func writeError(c *gin.Context, err error) {
	code := callerr.CodeOf(err)
	status, ok := statusByCode[code]
	if !ok {
		response.Internal(c, "internal error")
		return
	}
	response.Fail(c, status, string(code), err.Error())
}

// Handler serves the session HTTP API.
type Handler struct {
	registry   *Registry
	presence   Presence
	ice        ICEProvider
	attendance AttendanceLog
	archives   ArchiveLinks
}

// NewHandler creates a session handler. presence and attendance may be nil.
func NewHandler(registry *Registry, presence Presence, ice ICEProvider, attendance AttendanceLog) *Handler {
	return &Handler{registry: registry, presence: presence, ice: ice, attendance: attendance}
}

// SetArchives enables GET /sessions/:id/archive.
func (h *Handler) SetArchives(a ArchiveLinks) {
	h.archives = a
}

// CreateOrResume handles POST /bookings/:id/session.
func (h *Handler) CreateOrResume(c *gin.Context) {
	bookingID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid booking id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	ctx := c.Request.Context()
	if _, err := h.registry.Authorize(ctx, bookingID, userID); err != nil {
		writeError(c, err)
		return
	}
	s, err := h.registry.CreateOrResumeSession(ctx, bookingID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, s)
}

// session resolves :id for the caller. Admins may read any session.
func (h *Handler) session(c *gin.Context) (*models.VideoSession, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return nil, false
	}
	var s *models.VideoSession
	if c.GetString(middleware.ContextUserRole) == string(models.RoleAdmin) {
		s, err = h.registry.GetSession(c.Request.Context(), id)
	} else {
		userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
		s, _, err = h.registry.AuthorizeSession(c.Request.Context(), id, userID)
	}
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return s, true
}

// Get handles GET /sessions/:id.
func (h *Handler) Get(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	response.OK(c, s)
}

// Activate handles POST /sessions/:id/activate.
func (h *Handler) Activate(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	s, err := h.registry.MarkActive(c.Request.Context(), s.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, s)
}

// End handles POST /sessions/:id/end.
func (h *Handler) End(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	s, err := h.registry.EndSession(c.Request.Context(), s.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, s)
}

// Presence handles GET /sessions/:id/presence.
func (h *Handler) Presence(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	resp := PresenceResponse{RoomID: s.RoomID, Participants: []string{}}
	if h.presence != nil && !s.Ended() {
		if p := h.presence.Participants(s.RoomID); p != nil {
			resp.Participants = p
		}
	}
	response.OK(c, resp)
}

// ICEServers handles GET /sessions/:id/ice-servers.
func (h *Handler) ICEServers(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if s.Ended() {
		writeError(c, callerr.ErrSessionEnded)
		return
	}
	servers := []ICEServer{}
	for _, srv := range h.ice.ICEServers(s.ID.String()) {
		out := ICEServer{URLs: srv.URLs, Username: srv.Username}
		if cred, ok := srv.Credential.(string); ok {
			out.Credential = cred
		}
		servers = append(servers, out)
	}
	response.OK(c, gin.H{"ice_servers": servers})
}

// Attendance handles GET /sessions/:id/attendance.
func (h *Handler) Attendance(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	list := []models.ParticipantLog{}
	if h.attendance != nil {
		rows, err := h.attendance.ListBySession(c.Request.Context(), s.ID)
		if err != nil {
			response.Internal(c, "failed to list attendance")
			return
		}
		if rows != nil {
			list = rows
		}
	}
	response.OK(c, gin.H{"attendance": list})
}

// Archive handles GET /sessions/:id/archive: a short-lived download link for an ended session's report.
func (h *Handler) Archive(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if h.archives == nil {
		response.ServiceUnavailable(c, "archiving disabled")
		return
	}
	if !s.Ended() {
		response.NotFound(c, "session not archived")
		return
	}
	url, err := h.archives.ArchiveURL(c.Request.Context(), s.BookingID.String(), s.ID.String())
	if err != nil {
		response.Internal(c, "failed to resolve archive")
		return
	}
	if url == "" {
		response.NotFound(c, "archive not ready")
		return
	}
	response.OK(c, gin.H{"url": url})
}
