package ws

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campuslink-backend/internal/domain"
	"campuslink-backend/internal/repository/redis"
	"campuslink-backend/internal/service/call"
	"campuslink-backend/pkg/metrics"
)

// memCallStore is an in-memory call slot with synchronous watchers, enough
// to drive callee sessions opened by the handler
type memCallStore struct {
	mu       sync.Mutex
	calls    map[string]*domain.Call
	watchers map[string][]func(*domain.Call)
}

func newMemCallStore() *memCallStore {
	return &memCallStore{
		calls:    map[string]*domain.Call{},
		watchers: map[string][]func(*domain.Call){},
	}
}

func (m *memCallStore) StartRinging(ctx context.Context, conversationID string, from, to uuid.UUID) (*domain.Call, error) {
	m.mu.Lock()
	record := &domain.Call{
		ConversationID: conversationID,
		Status:         domain.CallRinging,
		FromUID:        from,
		ToUID:          to,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	m.calls[conversationID] = record
	m.mu.Unlock()
	return record, nil
}

func (m *memCallStore) Get(ctx context.Context, conversationID string) (*domain.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[conversationID], nil
}

func (m *memCallStore) UpdateStatus(ctx context.Context, conversationID string, next domain.CallStatus, reason domain.EndReason) error {
	m.mu.Lock()
	record, ok := m.calls[conversationID]
	if !ok || !record.Status.CanTransition(next) {
		m.mu.Unlock()
		return assert.AnError
	}
	updated := *record
	updated.Status = next
	updated.UpdatedAt = time.Now()
	if next == domain.CallEnded && updated.EndReason == "" {
		updated.EndReason = reason
	}
	m.calls[conversationID] = &updated
	fns := append([]func(*domain.Call){}, m.watchers[conversationID]...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(&updated)
	}
	return nil
}

func (m *memCallStore) WatchCall(ctx context.Context, conversationID string, fn func(*domain.Call)) func() {
	m.mu.Lock()
	m.watchers[conversationID] = append(m.watchers[conversationID], fn)
	current := m.calls[conversationID]
	m.mu.Unlock()
	if current != nil {
		fn(current)
	}
	return func() {}
}

type uidResolver struct{}

func (uidResolver) ResolveProfile(ctx context.Context, uid uuid.UUID) *domain.Profile {
	return &domain.Profile{UserID: uid, Username: "u-" + uid.String()[:8]}
}

func newTestHandler(store *memCallStore) *Handler {
	m := metrics.NewMetricsWith(prometheus.NewRegistry(), "test")
	callSvc := call.NewService(store, nil, nil, nil, nil, uidResolver{}, m, nil, false)
	return NewHandler(nil, callSvc, nil, m, nil)
}

func ringSnapshot(t *testing.T, store *memCallStore, callerUID, calleeUID uuid.UUID) *domain.IncomingCall {
	t.Helper()
	convID := domain.ConversationID(callerUID, calleeUID)
	record, err := store.StartRinging(context.Background(), convID, callerUID, calleeUID)
	require.NoError(t, err)
	return &domain.IncomingCall{
		ConversationID: convID,
		Path:           redis.CallPath(convID),
		Call:           *record,
	}
}

// drainEvents decodes every frame currently queued on the session socket
func drainEvents(t *testing.T, session *Session) []Event {
	t.Helper()
	var events []Event
	for {
		select {
		case frame := <-session.send:
			var event Event
			require.NoError(t, json.Unmarshal(frame, &event))
			events = append(events, event)
		default:
			return events
		}
	}
}

func incomingConvIDs(t *testing.T, events []Event) []string {
	t.Helper()
	var ids []string
	for _, event := range events {
		if event.Type != EventIncomingCall {
			continue
		}
		require.NotEmpty(t, event.Payload)
		var snapshot domain.IncomingCall
		require.NoError(t, json.Unmarshal(event.Payload, &snapshot))
		ids = append(ids, snapshot.ConversationID)
	}
	return ids
}

func TestOnIncomingForwardsFreshRing(t *testing.T) {
	store := newMemCallStore()
	handler := newTestHandler(store)

	calleeUID := uuid.New()
	session := newSession(nil, calleeUID)
	defer session.cancel()

	incoming := ringSnapshot(t, store, uuid.New(), calleeUID)
	handler.onIncoming(session, incoming)

	ids := incomingConvIDs(t, drainEvents(t, session))
	require.Equal(t, []string{incoming.ConversationID}, ids)

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.NotNil(t, session.activeCall)
	assert.Equal(t, incoming.ConversationID, session.lastIncomingID)
}

func TestOnIncomingSuppressedWhileBusy(t *testing.T) {
	store := newMemCallStore()
	handler := newTestHandler(store)

	calleeUID := uuid.New()
	session := newSession(nil, calleeUID)
	defer session.cancel()

	first := ringSnapshot(t, store, uuid.New(), calleeUID)
	handler.onIncoming(session, first)
	drainEvents(t, session)

	// A second caller rings while the callee already holds a call. The
	// overlay must never see the second conversation.
	second := ringSnapshot(t, store, uuid.New(), calleeUID)
	handler.onIncoming(session, second)

	ids := incomingConvIDs(t, drainEvents(t, session))
	assert.Empty(t, ids)

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Equal(t, first.ConversationID, session.lastIncomingID)
}

func TestOnIncomingResendsEnrichedSnapshot(t *testing.T) {
	store := newMemCallStore()
	handler := newTestHandler(store)

	callerUID := uuid.New()
	calleeUID := uuid.New()
	session := newSession(nil, calleeUID)
	defer session.cancel()

	incoming := ringSnapshot(t, store, callerUID, calleeUID)
	handler.onIncoming(session, incoming)
	drainEvents(t, session)

	// The listener re-emits the surfaced call once the caller profile
	// resolves. Same conversation, so it passes through the busy check.
	enriched := *incoming
	enriched.Caller = &domain.Profile{UserID: callerUID, Username: "ada"}
	handler.onIncoming(session, &enriched)

	ids := incomingConvIDs(t, drainEvents(t, session))
	require.Equal(t, []string{incoming.ConversationID}, ids)
}

func TestOnIncomingNilClearsOverlay(t *testing.T) {
	store := newMemCallStore()
	handler := newTestHandler(store)

	session := newSession(nil, uuid.New())
	defer session.cancel()

	handler.onIncoming(session, nil)

	events := drainEvents(t, session)
	require.Len(t, events, 1)
	assert.Equal(t, EventIncomingCall, events[0].Type)
	assert.Empty(t, events[0].Payload)
}
