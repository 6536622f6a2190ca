package call

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campuslink-backend/internal/domain"
	"campuslink-backend/internal/repository/cassandra"
	"campuslink-backend/pkg/logger"
	"campuslink-backend/pkg/metrics"
)

// CallStore is the shared call-record contract
type CallStore interface {
	SessionStore
	StartRinging(ctx context.Context, conversationID string, from, to uuid.UUID) (*domain.Call, error)
	Get(ctx context.Context, conversationID string) (*domain.Call, error)
}

// ConversationStore ensures the conversation a call nests under exists
type ConversationStore interface {
	Ensure(ctx context.Context, a, b domain.Profile) (*domain.Conversation, bool, error)
}

// HistoryStore persists ended calls
type HistoryStore interface {
	Create(ctx context.Context, entry *domain.CallHistoryEntry) error
	ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallHistoryEntry, error)
}

// EventLog receives the transition audit trail. Optional.
type EventLog interface {
	Append(event *cassandra.CallEvent) error
}

// ProfileResolver resolves peer profiles for sessions
type ProfileResolver interface {
	ResolveProfile(ctx context.Context, uid uuid.UUID) *domain.Profile
}

// Notifier pushes a ring to a callee's devices when they have no live
// session. Optional.
type Notifier interface {
	NotifyIncomingCall(ctx context.Context, conversationID string, caller *domain.Profile, calleeUID uuid.UUID)
}

// Service handles call business logic: starting rings, building sessions
// around the shared record, and finalizing ended calls into history
type Service struct {
	calls      CallStore
	convs      ConversationStore
	history    HistoryStore
	events     EventLog
	notifier   Notifier
	profiles   ProfileResolver
	metrics    *metrics.Metrics
	iceServers []string
	autoAccept bool
}

// NewService creates a new call service. history, events, and notifier may
// be nil when the backing stores are not configured; related features
// degrade to no-ops.
func NewService(calls CallStore, convs ConversationStore, history HistoryStore, events EventLog, notifier Notifier, profiles ProfileResolver, m *metrics.Metrics, iceServers []string, autoAccept bool) *Service {
	return &Service{
		calls:      calls,
		convs:      convs,
		history:    history,
		events:     events,
		notifier:   notifier,
		profiles:   profiles,
		metrics:    m,
		iceServers: iceServers,
		autoAccept: autoAccept,
	}
}

// ICEServers returns the ICE server URLs handed to transports
func (s *Service) ICEServers() []string {
	return s.iceServers
}

// Initiate rings calleeUID from callerUID and returns the caller-side
// session, already started. Returns ErrCallActive when the conversation's
// slot is occupied by a live call.
func (s *Service) Initiate(ctx context.Context, callerUID, calleeUID uuid.UUID, peer PeerConnection, onRender func(RenderState)) (*Session, error) {
	caller := s.profiles.ResolveProfile(ctx, callerUID)
	callee := s.profiles.ResolveProfile(ctx, calleeUID)

	conv, created, err := s.convs.Ensure(ctx, *caller, *callee)
	if err != nil {
		return nil, err
	}
	if created {
		logger.Info("conversation created for call",
			zap.String("conversation_id", conv.ID))
	}

	record, err := s.calls.StartRinging(ctx, conv.ID, callerUID, calleeUID)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordCallStarted()
	s.appendEvent(conv.ID, domain.CallRinging, "", callerUID)

	if s.notifier != nil {
		// Off the request path; the ring must not wait on push delivery.
		go func() {
			notifyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			s.notifier.NotifyIncomingCall(notifyCtx, conv.ID, caller, calleeUID)
		}()
	}

	session := NewSession(SessionConfig{
		Store:          s.calls,
		ConversationID: conv.ID,
		Role:           RoleCaller,
		SelfUID:        callerUID,
		PeerProfile:    callee,
		Peer:           peer,
		ICEServers:     s.iceServers,
		OnRender:       onRender,
		OnTransition:   s.auditor(conv.ID, callerUID),
		// Only the caller side finalizes, so one call lands in history
		// and the metrics exactly once however it ends.
		OnEnded: s.finalizer(record),
	})
	session.Start(ctx)
	return session, nil
}

// Answer builds the callee-side session for an incoming call surfaced by
// the signaling listener, already started. With auto-accept enabled the
// session answers immediately; otherwise it rings until Accept or Decline.
func (s *Service) Answer(ctx context.Context, incoming *domain.IncomingCall, selfUID uuid.UUID, peer PeerConnection, onRender func(RenderState)) *Session {
	peerProfile := incoming.Caller
	if peerProfile == nil {
		peerProfile = s.profiles.ResolveProfile(ctx, incoming.Call.FromUID)
	}

	session := NewSession(SessionConfig{
		Store:          s.calls,
		ConversationID: incoming.ConversationID,
		Role:           RoleCallee,
		SelfUID:        selfUID,
		PeerProfile:    peerProfile,
		Peer:           peer,
		ICEServers:     s.iceServers,
		AutoAccept:     s.autoAccept,
		OnRender:       onRender,
		OnTransition:   s.auditor(incoming.ConversationID, selfUID),
	})
	session.Start(ctx)
	return session
}

// ListHistory returns a user's ended calls, newest first
func (s *Service) ListHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallHistoryEntry, error) {
	if s.history == nil {
		return []*domain.CallHistoryEntry{}, nil
	}
	return s.history.ListForUser(ctx, userID, limit, offset)
}

// auditor builds the OnTransition hook appending every status write this
// side performs to the transition log, stamped with the writing user
func (s *Service) auditor(conversationID string, actorUID uuid.UUID) func(domain.CallStatus, domain.EndReason) {
	return func(status domain.CallStatus, reason domain.EndReason) {
		s.appendEvent(conversationID, status, reason, actorUID)
	}
}

// finalizer builds the OnEnded hook that records metrics and history for
// one call. Attached to the caller session only, so a call finalizes once
// no matter which side ends it. Everything here is best-effort; a call
// that fails to land in history still ended.
func (s *Service) finalizer(record *domain.Call) func(domain.EndReason, time.Duration) {
	return func(reason domain.EndReason, connectedFor time.Duration) {
		s.metrics.RecordCallEnded(string(reason), connectedFor)

		if s.history == nil {
			return
		}
		now := time.Now().UTC()
		entry := &domain.CallHistoryEntry{
			CallID:          uuid.New(),
			ConversationID:  record.ConversationID,
			FromUID:         record.FromUID,
			ToUID:           record.ToUID,
			EndReason:       reason,
			StartedAt:       record.CreatedAt,
			EndedAt:         now,
			DurationSeconds: int(connectedFor / time.Second),
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.history.Create(ctx, entry); err != nil {
			logger.Warn("failed to persist call history",
				zap.String("conversation_id", record.ConversationID),
				zap.Error(err))
		}
	}
}

func (s *Service) appendEvent(conversationID string, status domain.CallStatus, reason domain.EndReason, actorUID uuid.UUID) {
	if s.events == nil {
		return
	}
	err := s.events.Append(&cassandra.CallEvent{
		ConversationID: conversationID,
		Status:         status,
		EndReason:      reason,
		ActorUID:       actorUID,
	})
	if err != nil {
		logger.Warn("failed to append call event",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
	}
}
