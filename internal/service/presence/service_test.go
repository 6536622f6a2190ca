package presence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"campuslink-backend/internal/domain"
	pkgerrors "campuslink-backend/pkg/errors"
	"campuslink-backend/pkg/metrics"
)

// Mocks
type MockPresenceRepository struct {
	mock.Mock
}

func (m *MockPresenceRepository) SetOnline(ctx context.Context, uid uuid.UUID) error {
	args := m.Called(ctx, uid)
	return args.Error(0)
}

func (m *MockPresenceRepository) Heartbeat(ctx context.Context, uid uuid.UUID) error {
	args := m.Called(ctx, uid)
	return args.Error(0)
}

func (m *MockPresenceRepository) SetOffline(ctx context.Context, uid uuid.UUID) error {
	args := m.Called(ctx, uid)
	return args.Error(0)
}

func (m *MockPresenceRepository) Get(ctx context.Context, uid uuid.UUID) (*domain.Presence, error) {
	args := m.Called(ctx, uid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Presence), args.Error(1)
}

func (m *MockPresenceRepository) Watch(ctx context.Context, uid uuid.UUID, fn func(*domain.Presence)) func() {
	args := m.Called(ctx, uid, fn)
	return args.Get(0).(func())
}

func newTestService(repo Repository) *Service {
	m := metrics.NewMetricsWith(prometheus.NewRegistry(), "test")
	return NewService(repo, m, 45*time.Second)
}

func TestHeartbeatRecreatesMissingRecord(t *testing.T) {
	mockRepo := new(MockPresenceRepository)
	service := newTestService(mockRepo)

	uid := uuid.New()
	ctx := context.Background()

	mockRepo.On("Heartbeat", ctx, uid).Return(pkgerrors.ErrNoPresence)
	mockRepo.On("SetOnline", ctx, uid).Return(nil)

	service.beat(ctx, uid)

	mockRepo.AssertCalled(t, "SetOnline", ctx, uid)
}

func TestHeartbeatHappyPath(t *testing.T) {
	mockRepo := new(MockPresenceRepository)
	service := newTestService(mockRepo)

	uid := uuid.New()
	ctx := context.Background()

	mockRepo.On("Heartbeat", ctx, uid).Return(nil)

	service.beat(ctx, uid)

	mockRepo.AssertNotCalled(t, "SetOnline", mock.Anything, mock.Anything)
}

func TestGoOfflineSwallowsErrors(t *testing.T) {
	mockRepo := new(MockPresenceRepository)
	service := newTestService(mockRepo)

	uid := uuid.New()
	ctx := context.Background()

	mockRepo.On("SetOffline", ctx, uid).Return(assert.AnError)

	// Must not panic or propagate; offline writes are best-effort.
	service.GoOffline(ctx, uid)

	mockRepo.AssertExpectations(t)
}

func TestGetEffectiveAppliesStaleness(t *testing.T) {
	mockRepo := new(MockPresenceRepository)
	service := newTestService(mockRepo)

	uid := uuid.New()
	ctx := context.Background()

	stale := &domain.Presence{
		UserID:     uid,
		State:      domain.PresenceOnline,
		LastActive: time.Now().Add(-3 * time.Minute),
		UpdatedAt:  time.Now().Add(-3 * time.Minute),
	}
	mockRepo.On("Get", ctx, uid).Return(stale, nil)

	state, record, err := service.GetEffective(ctx, uid)

	assert.NoError(t, err)
	assert.Equal(t, domain.PresenceOffline, state)
	assert.Equal(t, domain.PresenceOnline, record.State)
}

func TestGetEffectiveMissingRecordReadsOffline(t *testing.T) {
	mockRepo := new(MockPresenceRepository)
	service := newTestService(mockRepo)

	uid := uuid.New()
	ctx := context.Background()

	mockRepo.On("Get", ctx, uid).Return(nil, nil)

	state, record, err := service.GetEffective(ctx, uid)

	assert.NoError(t, err)
	assert.Equal(t, domain.PresenceOffline, state)
	assert.Nil(t, record)
}
