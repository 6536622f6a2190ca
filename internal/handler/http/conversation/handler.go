package conversation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"campuslink-backend/internal/service/conversation"
	pkgerrors "campuslink-backend/pkg/errors"
	"campuslink-backend/pkg/response"
)

// Handler handles conversation HTTP requests
type Handler struct {
	conversationService *conversation.Service
}

// NewHandler creates a new conversation handler
func NewHandler(conversationService *conversation.Service) *Handler {
	return &Handler{conversationService: conversationService}
}

// EnsureRequest asks for the conversation with another user
type EnsureRequest struct {
	UserID string `json:"user_id" binding:"required,uuid"`
}

// TypingRequest carries the typing flag
type TypingRequest struct {
	Typing bool `json:"typing"`
}

// Ensure returns the conversation with the given user, creating it on
// first contact
// POST /v1/conversations
func (h *Handler) Ensure(c *gin.Context) {
	var req EnsureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	selfUID, ok := currentUserID(c)
	if !ok {
		return
	}
	otherUID, err := uuid.Parse(req.UserID)
	if err != nil {
		response.ValidationError(c, "Invalid user ID")
		return
	}
	if otherUID == selfUID {
		response.ValidationError(c, "Cannot start a conversation with yourself")
		return
	}

	conv, created, err := h.conversationService.Ensure(c.Request.Context(), selfUID, otherUID)
	if err != nil {
		response.InternalError(c, "Failed to ensure conversation")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	response.Success(c, status, conv)
}

// List returns the current user's conversations
// GET /v1/conversations
func (h *Handler) List(c *gin.Context) {
	selfUID, ok := currentUserID(c)
	if !ok {
		return
	}

	conversations, err := h.conversationService.List(c.Request.Context(), selfUID)
	if err != nil {
		response.InternalError(c, "Failed to list conversations")
		return
	}
	response.Success(c, http.StatusOK, conversations)
}

// Get returns one conversation
// GET /v1/conversations/:id
func (h *Handler) Get(c *gin.Context) {
	selfUID, ok := currentUserID(c)
	if !ok {
		return
	}

	conv, err := h.conversationService.Get(c.Request.Context(), c.Param("id"), selfUID)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) {
			response.NotFound(c, "Conversation not found")
			return
		}
		response.InternalError(c, "Failed to get conversation")
		return
	}
	response.Success(c, http.StatusOK, conv)
}

// SetTyping publishes the current user's typing flag
// PUT /v1/conversations/:id/typing
func (h *Handler) SetTyping(c *gin.Context) {
	var req TypingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	selfUID, ok := currentUserID(c)
	if !ok {
		return
	}

	err := h.conversationService.SetTyping(c.Request.Context(), c.Param("id"), selfUID, req.Typing)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) {
			response.NotFound(c, "Conversation not found")
			return
		}
		response.InternalError(c, "Failed to set typing")
		return
	}
	response.Success(c, http.StatusOK, gin.H{"typing": req.Typing})
}

// LastMessageRequest carries the newest-message preview text
type LastMessageRequest struct {
	Text string `json:"text" binding:"required"`
}

// SetLastMessage stamps the newest-message preview on the conversation
// PUT /v1/conversations/:id/last-message
func (h *Handler) SetLastMessage(c *gin.Context) {
	var req LastMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	selfUID, ok := currentUserID(c)
	if !ok {
		return
	}

	err := h.conversationService.SetLastMessage(c.Request.Context(), c.Param("id"), selfUID, req.Text)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) {
			response.NotFound(c, "Conversation not found")
			return
		}
		response.InternalError(c, "Failed to set last message")
		return
	}
	response.Success(c, http.StatusOK, gin.H{"updated": true})
}

// MarkRead stamps the current user's last-read marker
// PUT /v1/conversations/:id/read
func (h *Handler) MarkRead(c *gin.Context) {
	selfUID, ok := currentUserID(c)
	if !ok {
		return
	}

	err := h.conversationService.MarkRead(c.Request.Context(), c.Param("id"), selfUID)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) {
			response.NotFound(c, "Conversation not found")
			return
		}
		response.InternalError(c, "Failed to mark conversation read")
		return
	}
	response.Success(c, http.StatusOK, gin.H{"read": true})
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
