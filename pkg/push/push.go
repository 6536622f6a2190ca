package push

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campuslink-backend/pkg/logger"
)

// Provider delivers a notification to a set of device tokens
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult summarizes one delivery attempt. InvalidTokens holds tokens
// the provider rejected as dead; callers should retire them.
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
}

// Notification is a provider-independent push payload
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
}

// TokenType says which provider a device token belongs to
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"
	TokenTypeAPNs TokenType = "apns"
)

// Token is one registered device token for a user
type Token struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	Platform  string    `json:"platform,omitempty"` // ios, android, web
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// maskToken returns a log-safe form of a device token
func maskToken(token string) string {
	if len(token) <= 16 {
		return "********"
	}
	return token[:8] + "..." + token[len(token)-8:]
}

// MockProvider logs deliveries instead of sending them. Default provider
// in development.
type MockProvider struct {
	NotificationsSent int
}

// Send implements Provider
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.NotificationsSent++
	logger.Debug("mock push delivery",
		zap.String("title", notification.Title),
		zap.Int("token_count", len(tokens)))
	return &SendResult{SuccessCount: len(tokens)}, nil
}
