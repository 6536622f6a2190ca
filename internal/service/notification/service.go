package notification

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campuslink-backend/internal/domain"
	"campuslink-backend/pkg/logger"
	"campuslink-backend/pkg/push"
)

// TokenStore persists device tokens
type TokenStore interface {
	Store(ctx context.Context, token *push.Token) error
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*push.Token, error)
	MarkInactive(ctx context.Context, tokenStr string) error
	Delete(ctx context.Context, tokenStr string) error
	DeleteForUser(ctx context.Context, userID uuid.UUID) error
}

// PresenceReader tells whether a user has a live session. An online user
// gets the ring over their socket, not as a push.
type PresenceReader interface {
	GetEffective(ctx context.Context, uid uuid.UUID) (domain.PresenceState, *domain.Presence, error)
}

// Service delivers push notifications to devices without a live session
type Service struct {
	provider push.Provider
	tokens   TokenStore
	presence PresenceReader
}

// NewService creates a new notification service
func NewService(provider push.Provider, tokens TokenStore, presence PresenceReader) *Service {
	return &Service{provider: provider, tokens: tokens, presence: presence}
}

// RegisterDevice upserts a device token for the user
func (s *Service) RegisterDevice(ctx context.Context, userID uuid.UUID, tokenStr string, tokenType push.TokenType, platform string) error {
	return s.tokens.Store(ctx, &push.Token{
		UserID:   userID,
		Token:    tokenStr,
		Type:     tokenType,
		Platform: platform,
		Active:   true,
	})
}

// UnregisterDevice removes a device token
func (s *Service) UnregisterDevice(ctx context.Context, tokenStr string) error {
	return s.tokens.Delete(ctx, tokenStr)
}

// UnregisterAllDevices removes every device token for a user
func (s *Service) UnregisterAllDevices(ctx context.Context, userID uuid.UUID) error {
	return s.tokens.DeleteForUser(ctx, userID)
}

// NotifyIncomingCall pushes a ring to the callee's devices when they have
// no live session to surface it on. Best-effort; a failed push never
// affects the call.
func (s *Service) NotifyIncomingCall(ctx context.Context, conversationID string, caller *domain.Profile, calleeUID uuid.UUID) {
	state, _, err := s.presence.GetEffective(ctx, calleeUID)
	if err == nil && state == domain.PresenceOnline {
		// A live session surfaces the ring through its listener.
		return
	}

	callerName := "Someone"
	callerID := ""
	if caller != nil {
		callerID = caller.UserID.String()
		if caller.DisplayName != "" {
			callerName = caller.DisplayName
		} else if caller.Username != "" {
			callerName = caller.Username
		}
	}

	notification := &push.Notification{
		Title:    "Incoming call",
		Body:     fmt.Sprintf("%s is calling you", callerName),
		Priority: "high",
		Sound:    "default",
		Category: "INCOMING_CALL",
		Data: map[string]string{
			"type":            "incoming_call",
			"conversation_id": conversationID,
			"caller_id":       callerID,
			"caller_name":     callerName,
		},
	}

	s.deliver(ctx, notification, calleeUID)
}

func (s *Service) deliver(ctx context.Context, notification *push.Notification, userID uuid.UUID) {
	tokens, err := s.tokens.GetByUserID(ctx, userID)
	if err != nil {
		logger.Warn("failed to load push tokens",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	active := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if token.Active {
			active = append(active, token.Token)
		}
	}
	if len(active) == 0 {
		return
	}

	result, err := s.provider.Send(ctx, notification, active)
	if err != nil {
		logger.Warn("push delivery failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	for _, invalid := range result.InvalidTokens {
		if err := s.tokens.MarkInactive(ctx, invalid); err != nil {
			logger.Warn("failed to retire push token", zap.Error(err))
		}
	}

	logger.Info("push delivered",
		zap.String("user_id", userID.String()),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount))
}
