package call

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"campuslink-backend/internal/service/call"
	"campuslink-backend/pkg/response"
)

// Handler handles call HTTP requests. Live call control happens over the
// WebSocket session; HTTP only serves configuration and history.
type Handler struct {
	callService *call.Service
}

// NewHandler creates a new call handler
func NewHandler(callService *call.Service) *Handler {
	return &Handler{callService: callService}
}

// ICEConfigResponse is the transport bootstrap handed to clients
type ICEConfigResponse struct {
	ICEServers []string `json:"ice_servers"`
}

// GetICEConfig returns the ICE server URLs calls should dial with
// GET /v1/rtc/ice-config
func (h *Handler) GetICEConfig(c *gin.Context) {
	response.Success(c, http.StatusOK, ICEConfigResponse{
		ICEServers: h.callService.ICEServers(),
	})
}

// GetHistory returns the current user's ended calls, newest first
// GET /v1/calls/history
func (h *Handler) GetHistory(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	entries, err := h.callService.ListHistory(c.Request.Context(), uid, limit, offset)
	if err != nil {
		response.InternalError(c, "Failed to get call history")
		return
	}
	response.Success(c, http.StatusOK, entries)
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
