package presence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campuslink-backend/internal/domain"
	pkgerrors "campuslink-backend/pkg/errors"
	"campuslink-backend/pkg/logger"
	"campuslink-backend/pkg/metrics"
)

// Repository is the presence store contract the service depends on
type Repository interface {
	SetOnline(ctx context.Context, uid uuid.UUID) error
	Heartbeat(ctx context.Context, uid uuid.UUID) error
	SetOffline(ctx context.Context, uid uuid.UUID) error
	Get(ctx context.Context, uid uuid.UUID) (*domain.Presence, error)
	Watch(ctx context.Context, uid uuid.UUID, fn func(*domain.Presence)) func()
}

// Service handles presence business logic. All writes are best-effort:
// failures are logged and counted but never block the session that
// triggered them, since the reader-side staleness window corrects any
// record the writer fails to maintain.
type Service struct {
	repo              Repository
	metrics           *metrics.Metrics
	heartbeatInterval time.Duration
}

// NewService creates a new presence service
func NewService(repo Repository, m *metrics.Metrics, heartbeatInterval time.Duration) *Service {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 45 * time.Second
	}
	return &Service{
		repo:              repo,
		metrics:           m,
		heartbeatInterval: heartbeatInterval,
	}
}

// HeartbeatInterval returns the configured heartbeat cadence
func (s *Service) HeartbeatInterval() time.Duration {
	return s.heartbeatInterval
}

// GoOnline marks the user online. Called when a session attaches.
func (s *Service) GoOnline(ctx context.Context, uid uuid.UUID) {
	err := s.repo.SetOnline(ctx, uid)
	s.metrics.RecordPresenceWrite("online", err)
	if err != nil {
		logger.Warn("failed to set user online",
			zap.String("user_id", uid.String()),
			zap.Error(err))
	}
}

// GoOffline marks the user offline. Called on clean session detach; a
// crashed session skips it and relies on staleness instead.
func (s *Service) GoOffline(ctx context.Context, uid uuid.UUID) {
	err := s.repo.SetOffline(ctx, uid)
	s.metrics.RecordPresenceWrite("offline", err)
	if err != nil && !errors.Is(err, pkgerrors.ErrNoPresence) {
		logger.Warn("failed to set user offline",
			zap.String("user_id", uid.String()),
			zap.Error(err))
	}
}

// RunHeartbeat refreshes the user's lastActive on a fixed cadence until ctx
// is cancelled. A heartbeat that finds no record recreates it with a full
// online write, covering records lost to store eviction mid-session.
func (s *Service) RunHeartbeat(ctx context.Context, uid uuid.UUID) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.beat(ctx, uid)
		}
	}
}

func (s *Service) beat(ctx context.Context, uid uuid.UUID) {
	err := s.repo.Heartbeat(ctx, uid)
	s.metrics.RecordPresenceWrite("heartbeat", err)
	if err == nil {
		return
	}

	if errors.Is(err, pkgerrors.ErrNoPresence) {
		s.metrics.RecordHeartbeatMiss()
		logger.Warn("presence record missing on heartbeat, recreating",
			zap.String("user_id", uid.String()))
		s.GoOnline(ctx, uid)
		return
	}

	logger.Warn("heartbeat failed",
		zap.String("user_id", uid.String()),
		zap.Error(err))
}

// GetEffective returns the user's presence with the staleness window
// applied: a record claiming online but not refreshed within the window
// reads as offline. A missing record reads as offline with zero timestamps.
func (s *Service) GetEffective(ctx context.Context, uid uuid.UUID) (domain.PresenceState, *domain.Presence, error) {
	record, err := s.repo.Get(ctx, uid)
	if err != nil {
		return domain.PresenceOffline, nil, err
	}
	return record.Effective(time.Now()), record, nil
}

// Watch streams the user's effective presence state to fn until the
// returned cancel func runs
func (s *Service) Watch(ctx context.Context, uid uuid.UUID, fn func(domain.PresenceState, *domain.Presence)) func() {
	return s.repo.Watch(ctx, uid, func(record *domain.Presence) {
		fn(record.Effective(time.Now()), record)
	})
}
