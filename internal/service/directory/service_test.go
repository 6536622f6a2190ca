package directory

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"campuslink-backend/internal/domain"
	pkgerrors "campuslink-backend/pkg/errors"
)

type MockUserRepository struct {
	mock.Mock
}

func (m *MockUserRepository) GetByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *MockUserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	args := m.Called(ctx, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func TestResolveProfile(t *testing.T) {
	mockRepo := new(MockUserRepository)
	service := NewService(mockRepo)

	uid := uuid.New()
	ctx := context.Background()

	mockRepo.On("GetByID", ctx, uid).Return(&domain.User{
		UserID:      uid,
		Username:    "amara",
		DisplayName: "Amara O.",
		AvatarURL:   "https://cdn.example.com/a.png",
	}, nil)

	profile := service.ResolveProfile(ctx, uid)

	assert.Equal(t, uid, profile.UserID)
	assert.Equal(t, "amara", profile.Username)
	assert.Equal(t, "https://cdn.example.com/a.png", profile.AvatarURL)
}

func TestResolveProfileDegradesToUIDOnly(t *testing.T) {
	mockRepo := new(MockUserRepository)
	service := NewService(mockRepo)

	uid := uuid.New()
	ctx := context.Background()

	mockRepo.On("GetByID", ctx, uid).Return(nil, pkgerrors.ErrNotFound)

	profile := service.ResolveProfile(ctx, uid)

	assert.NotNil(t, profile)
	assert.Equal(t, uid, profile.UserID)
	assert.Empty(t, profile.Username)
	assert.Empty(t, profile.DisplayName)
}

func TestAvatarURLPassThroughWithoutObjectStore(t *testing.T) {
	service := NewService(new(MockUserRepository))

	assert.Equal(t, "avatars/u1.png", service.avatarURL(context.Background(), "avatars/u1.png"))
	assert.Equal(t, "", service.avatarURL(context.Background(), ""))
}
