package push

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"campuslink-backend/internal/service/notification"
	"campuslink-backend/pkg/push"
	"campuslink-backend/pkg/response"
)

// Handler handles push token HTTP requests
type Handler struct {
	notificationService *notification.Service
}

// NewHandler creates a new push token handler
func NewHandler(notificationService *notification.Service) *Handler {
	return &Handler{notificationService: notificationService}
}

// RegisterTokenRequest registers a device token for the current user
type RegisterTokenRequest struct {
	Token    string `json:"token" binding:"required"`
	Type     string `json:"type" binding:"required,oneof=fcm apns"`
	Platform string `json:"platform" binding:"omitempty,oneof=ios android web"`
}

// UnregisterTokenRequest removes a device token
type UnregisterTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// RegisterToken registers a device token
// POST /v1/push/tokens
func (h *Handler) RegisterToken(c *gin.Context) {
	var req RegisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	err := h.notificationService.RegisterDevice(c.Request.Context(), userID, req.Token, push.TokenType(req.Type), req.Platform)
	if err != nil {
		response.InternalError(c, "Failed to register device token")
		return
	}
	response.Success(c, http.StatusCreated, gin.H{"registered": true})
}

// UnregisterToken removes a device token
// DELETE /v1/push/tokens
func (h *Handler) UnregisterToken(c *gin.Context) {
	var req UnregisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if _, ok := currentUserID(c); !ok {
		return
	}

	if err := h.notificationService.UnregisterDevice(c.Request.Context(), req.Token); err != nil {
		response.InternalError(c, "Failed to unregister device token")
		return
	}
	response.Success(c, http.StatusOK, gin.H{"unregistered": true})
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
