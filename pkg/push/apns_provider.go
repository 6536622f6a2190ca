package push

import (
	"context"
	"fmt"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
	"go.uber.org/zap"

	"campuslink-backend/pkg/logger"
)

// APNsProvider implements Provider over the Apple Push Notification
// Service using token-based authentication
type APNsProvider struct {
	client   *apns2.Client
	bundleID string
}

// APNsConfig configures the APNs provider
type APNsConfig struct {
	KeyPath    string // path to the .p8 private key file
	KeyID      string
	TeamID     string
	BundleID   string
	Production bool
}

// NewAPNsProvider creates an APNs provider
func NewAPNsProvider(config *APNsConfig) (*APNsProvider, error) {
	if config == nil {
		return nil, fmt.Errorf("APNs config is required")
	}
	if config.BundleID == "" {
		return nil, fmt.Errorf("BundleID is required")
	}
	if config.KeyPath == "" || config.KeyID == "" || config.TeamID == "" {
		return nil, fmt.Errorf("KeyPath, KeyID, and TeamID are required")
	}

	authKey, err := token.AuthKeyFromFile(config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load APNs key: %w", err)
	}

	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   config.KeyID,
		TeamID:  config.TeamID,
	})
	if config.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	logger.Info("APNs provider initialized",
		zap.String("bundle_id", config.BundleID),
		zap.Bool("production", config.Production))
	return &APNsProvider{client: client, bundleID: config.BundleID}, nil
}

// Send implements Provider. APNs has no batch API; tokens are pushed one
// by one.
func (p *APNsProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	body := payload.NewPayload().
		AlertTitle(notification.Title).
		AlertBody(notification.Body)
	if notification.Sound != "" {
		body = body.Sound(notification.Sound)
	}
	if notification.Category != "" {
		body = body.Category(notification.Category)
	}
	for key, value := range notification.Data {
		body = body.Custom(key, value)
	}

	result := &SendResult{}
	for _, deviceToken := range tokens {
		res, err := p.client.PushWithContext(ctx, &apns2.Notification{
			DeviceToken: deviceToken,
			Topic:       p.bundleID,
			Payload:     body,
		})
		if err != nil {
			result.FailureCount++
			logger.Warn("APNs push failed",
				zap.String("token", maskToken(deviceToken)),
				zap.Error(err))
			continue
		}
		if res.Sent() {
			result.SuccessCount++
			continue
		}
		result.FailureCount++
		if res.Reason == apns2.ReasonUnregistered || res.Reason == apns2.ReasonBadDeviceToken {
			result.InvalidTokens = append(result.InvalidTokens, deviceToken)
		}
		logger.Warn("APNs push rejected",
			zap.String("token", maskToken(deviceToken)),
			zap.String("reason", res.Reason))
	}
	return result, nil
}
