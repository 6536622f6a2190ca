package presence

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"campuslink-backend/internal/service/presence"
	"campuslink-backend/pkg/response"
)

// Handler handles presence HTTP requests
type Handler struct {
	presenceService *presence.Service
}

// NewHandler creates a new presence handler
func NewHandler(presenceService *presence.Service) *Handler {
	return &Handler{presenceService: presenceService}
}

// PresenceResponse is the read model returned to clients. State already
// has the staleness window applied; LastActive doubles as "last seen".
type PresenceResponse struct {
	UserID     string `json:"user_id"`
	State      string `json:"state"`
	LastActive string `json:"last_active,omitempty"`
}

// GetPresence returns another user's effective presence
// GET /v1/presence/:user_id
func (h *Handler) GetPresence(c *gin.Context) {
	uid, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		response.ValidationError(c, "Invalid user ID")
		return
	}

	state, record, err := h.presenceService.GetEffective(c.Request.Context(), uid)
	if err != nil {
		response.InternalError(c, "Failed to get presence")
		return
	}

	resp := PresenceResponse{
		UserID: uid.String(),
		State:  string(state),
	}
	if record != nil && !record.LastActive.IsZero() {
		resp.LastActive = record.LastActive.UTC().Format(time.RFC3339Nano)
	}
	response.Success(c, http.StatusOK, resp)
}

// SetOnline marks the current user online
// POST /v1/presence/online
func (h *Handler) SetOnline(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		return
	}
	h.presenceService.GoOnline(c.Request.Context(), uid)
	response.Success(c, http.StatusOK, gin.H{"state": "online"})
}

// SetOffline marks the current user offline
// POST /v1/presence/offline
func (h *Handler) SetOffline(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		return
	}
	h.presenceService.GoOffline(c.Request.Context(), uid)
	response.Success(c, http.StatusOK, gin.H{"state": "offline"})
}

// Heartbeat refreshes the current user's lastActive
// POST /v1/presence/heartbeat
func (h *Handler) Heartbeat(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		return
	}
	// Reuse the self-healing beat so a lost record comes back instead of
	// erroring until the next full online write.
	h.presenceService.GoOnline(c.Request.Context(), uid)
	response.Success(c, http.StatusOK, gin.H{"state": "online"})
}

func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}
