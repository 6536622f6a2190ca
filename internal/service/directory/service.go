package directory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"campuslink-backend/internal/domain"
	"campuslink-backend/pkg/logger"
)

// UserRepository is the directory store contract
type UserRepository interface {
	GetByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
}

// Service resolves user profiles for call overlays and conversation
// records. Avatar object keys are exchanged for presigned URLs when an
// object store is configured; without one, avatars pass through as-is.
type Service struct {
	userRepo    UserRepository
	minioClient *minio.Client
	bucketName  string
}

// NewService creates a directory service without avatar presigning
func NewService(userRepo UserRepository) *Service {
	return &Service{userRepo: userRepo}
}

// NewServiceWithAvatars creates a directory service backed by a MinIO
// bucket for avatar objects
func NewServiceWithAvatars(userRepo UserRepository, endpoint, accessKey, secretKey, bucketName string, secure bool) (*Service, error) {
	minioClient, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &Service{
		userRepo:    userRepo,
		minioClient: minioClient,
		bucketName:  bucketName,
	}, nil
}

// ResolveProfile looks up a user's public profile. Lookup failures degrade
// to a uid-only profile rather than an error, so a directory outage never
// blocks an incoming call from showing.
func (s *Service) ResolveProfile(ctx context.Context, uid uuid.UUID) *domain.Profile {
	user, err := s.userRepo.GetByID(ctx, uid)
	if err != nil {
		logger.Warn("profile resolution failed, degrading to uid only",
			zap.String("user_id", uid.String()),
			zap.Error(err))
		return &domain.Profile{UserID: uid}
	}

	profile := user.Profile()
	profile.AvatarURL = s.avatarURL(ctx, profile.AvatarURL)
	return &profile
}

// GetUser looks up a full directory entry, propagating errors
func (s *Service) GetUser(ctx context.Context, uid uuid.UUID) (*domain.User, error) {
	user, err := s.userRepo.GetByID(ctx, uid)
	if err != nil {
		return nil, err
	}
	user.AvatarURL = s.avatarURL(ctx, user.AvatarURL)
	return user, nil
}

// avatarURL exchanges a bare object key for a presigned GET URL. Values
// that already look like URLs, and any value when no object store is
// configured, pass through unchanged.
func (s *Service) avatarURL(ctx context.Context, value string) string {
	if s.minioClient == nil || value == "" {
		return value
	}
	if strings.Contains(value, "://") {
		return value
	}

	presigned, err := s.minioClient.PresignedGetObject(ctx, s.bucketName, value, time.Hour, nil)
	if err != nil {
		logger.Warn("failed to presign avatar object",
			zap.String("object_key", value),
			zap.Error(err))
		return ""
	}
	return presigned.String()
}
