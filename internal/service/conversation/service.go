package conversation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"campuslink-backend/internal/domain"
	pkgerrors "campuslink-backend/pkg/errors"
)

// Repository is the conversation store contract
type Repository interface {
	Ensure(ctx context.Context, a, b domain.Profile) (*domain.Conversation, bool, error)
	Get(ctx context.Context, id string) (*domain.Conversation, error)
	ListForUser(ctx context.Context, uid uuid.UUID) ([]string, error)
	SetTyping(ctx context.Context, id string, uid uuid.UUID, typing bool) error
	UpdateLastRead(ctx context.Context, id string, uid uuid.UUID) error
	SetLastMessage(ctx context.Context, id string, msg domain.LastMessage) error
}

// ProfileResolver resolves participant profiles embedded at creation
type ProfileResolver interface {
	ResolveProfile(ctx context.Context, uid uuid.UUID) *domain.Profile
}

// Service handles conversation business logic
type Service struct {
	repo     Repository
	profiles ProfileResolver
}

// NewService creates a new conversation service
func NewService(repo Repository, profiles ProfileResolver) *Service {
	return &Service{repo: repo, profiles: profiles}
}

// Ensure creates the conversation between the two users if it does not
// exist yet and returns it either way. The id is derived from the sorted
// participant ids, so both users always land on the same record.
func (s *Service) Ensure(ctx context.Context, selfUID, otherUID uuid.UUID) (*domain.Conversation, bool, error) {
	self := s.profiles.ResolveProfile(ctx, selfUID)
	other := s.profiles.ResolveProfile(ctx, otherUID)
	return s.repo.Ensure(ctx, *self, *other)
}

// Get returns a conversation the user participates in
func (s *Service) Get(ctx context.Context, id string, selfUID uuid.UUID) (*domain.Conversation, error) {
	conv, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv == nil || !conv.HasParticipant(selfUID) {
		return nil, pkgerrors.ErrNotFound
	}
	return conv, nil
}

// List returns the user's conversations
func (s *Service) List(ctx context.Context, uid uuid.UUID) ([]*domain.Conversation, error) {
	ids, err := s.repo.ListForUser(ctx, uid)
	if err != nil {
		return nil, err
	}

	conversations := make([]*domain.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if conv != nil {
			conversations = append(conversations, conv)
		}
	}
	return conversations, nil
}

// SetTyping publishes the user's typing flag into the conversation
func (s *Service) SetTyping(ctx context.Context, id string, uid uuid.UUID, typing bool) error {
	if err := s.requireMembership(ctx, id, uid); err != nil {
		return err
	}
	return s.repo.SetTyping(ctx, id, uid, typing)
}

// SetLastMessage stamps the denormalized newest-message preview. The
// sender must participate in the conversation; messaging backends call
// this after delivering the message body elsewhere.
func (s *Service) SetLastMessage(ctx context.Context, id string, senderUID uuid.UUID, text string) error {
	if err := s.requireMembership(ctx, id, senderUID); err != nil {
		return err
	}
	return s.repo.SetLastMessage(ctx, id, domain.LastMessage{
		Text:      text,
		SenderID:  senderUID,
		CreatedAt: time.Now().UTC(),
	})
}

// MarkRead stamps the user's last-read marker
func (s *Service) MarkRead(ctx context.Context, id string, uid uuid.UUID) error {
	if err := s.requireMembership(ctx, id, uid); err != nil {
		return err
	}
	return s.repo.UpdateLastRead(ctx, id, uid)
}

func (s *Service) requireMembership(ctx context.Context, id string, uid uuid.UUID) error {
	conv, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if conv == nil || !conv.HasParticipant(uid) {
		return pkgerrors.ErrNotFound
	}
	return nil
}
