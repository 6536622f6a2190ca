package push

import (
	"fmt"

	"go.uber.org/zap"

	"campuslink-backend/pkg/env"
	"campuslink-backend/pkg/logger"
)

// ProviderType selects the push backend
type ProviderType string

const (
	ProviderTypeMock ProviderType = "mock"
	ProviderTypeFCM  ProviderType = "fcm"
	ProviderTypeAPNs ProviderType = "apns"
)

// NewProvider builds the provider selected by PUSH_PROVIDER. Unset or
// unknown values fall back to the mock provider.
func NewProvider() (Provider, error) {
	providerType := ProviderType(env.GetString("PUSH_PROVIDER", "mock"))

	switch providerType {
	case ProviderTypeFCM:
		return newFCMFromEnv()
	case ProviderTypeAPNs:
		return newAPNsFromEnv()
	case ProviderTypeMock:
		return &MockProvider{}, nil
	default:
		logger.Warn("Unknown push provider type, falling back to mock",
			zap.String("provider_type", string(providerType)))
		return &MockProvider{}, nil
	}
}

func newFCMFromEnv() (Provider, error) {
	projectID := env.GetString("FCM_PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("FCM_PROJECT_ID is required for the fcm provider")
	}
	return NewFCMProvider(&FCMConfig{
		ProjectID:       projectID,
		CredentialsPath: env.GetString("FCM_CREDENTIALS_PATH", ""),
	})
}

func newAPNsFromEnv() (Provider, error) {
	return NewAPNsProvider(&APNsConfig{
		KeyPath:    env.GetString("APNS_KEY_PATH", ""),
		KeyID:      env.GetString("APNS_KEY_ID", ""),
		TeamID:     env.GetString("APNS_TEAM_ID", ""),
		BundleID:   env.GetString("APNS_BUNDLE_ID", ""),
		Production: env.GetBool("APNS_PRODUCTION", false),
	})
}
