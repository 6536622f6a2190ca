package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campuslink-backend/internal/domain"
	pkgerrors "campuslink-backend/pkg/errors"
)

// fakeRecordStore is an in-memory call slot with synchronous watchers and
// the same guarded transition rules as the real store
type fakeRecordStore struct {
	mu        sync.Mutex
	calls     map[string]*domain.Call
	watchers  map[string][]func(*domain.Call)
	failEnded bool
	writes    []domain.CallStatus
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{
		calls:    map[string]*domain.Call{},
		watchers: map[string][]func(*domain.Call){},
	}
}

func (f *fakeRecordStore) StartRinging(ctx context.Context, conversationID string, from, to uuid.UUID) (*domain.Call, error) {
	f.mu.Lock()
	if existing := f.calls[conversationID]; existing != nil && existing.Active() && existing.Status != domain.CallRinging {
		f.mu.Unlock()
		return nil, pkgerrors.ErrCallActive
	}
	call := &domain.Call{
		ConversationID: conversationID,
		Status:         domain.CallRinging,
		FromUID:        from,
		ToUID:          to,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	f.calls[conversationID] = call
	f.mu.Unlock()
	f.notify(conversationID)
	return call, nil
}

func (f *fakeRecordStore) UpdateStatus(ctx context.Context, conversationID string, next domain.CallStatus, reason domain.EndReason) error {
	f.mu.Lock()
	f.writes = append(f.writes, next)
	if f.failEnded && next == domain.CallEnded {
		f.mu.Unlock()
		return assert.AnError
	}
	call, ok := f.calls[conversationID]
	if !ok {
		f.mu.Unlock()
		return assert.AnError
	}
	if !call.Status.CanTransition(next) {
		f.mu.Unlock()
		return assert.AnError
	}
	updated := *call
	updated.Status = next
	updated.UpdatedAt = time.Now()
	if next == domain.CallEnded && updated.EndReason == "" {
		updated.EndReason = reason
	}
	f.calls[conversationID] = &updated
	f.mu.Unlock()
	f.notify(conversationID)
	return nil
}

func (f *fakeRecordStore) Get(ctx context.Context, conversationID string) (*domain.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[conversationID], nil
}

func (f *fakeRecordStore) WatchCall(ctx context.Context, conversationID string, fn func(*domain.Call)) func() {
	f.mu.Lock()
	f.watchers[conversationID] = append(f.watchers[conversationID], fn)
	current := f.calls[conversationID]
	f.mu.Unlock()
	if current != nil {
		fn(current)
	}
	return func() {}
}

func (f *fakeRecordStore) notify(conversationID string) {
	f.mu.Lock()
	call := f.calls[conversationID]
	fns := append([]func(*domain.Call){}, f.watchers[conversationID]...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(call)
	}
}

func (f *fakeRecordStore) statusWrites() []domain.CallStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.CallStatus{}, f.writes...)
}

// fakePeer is a scripted PeerConnection
type fakePeer struct {
	mu         sync.Mutex
	connected  bool
	closed     bool
	muted      bool
	speaker    bool
	connectErr error
	stateFn    func(*PeerState)
}

func (p *fakePeer) Connect(iceServers []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connectErr != nil {
		return p.connectErr
	}
	p.connected = true
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) ToggleMute() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted = !p.muted
	return nil
}

func (p *fakePeer) ToggleSpeaker() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.speaker = !p.speaker
	return nil
}

func (p *fakePeer) OnStateChange(fn func(*PeerState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateFn = fn
}

func (p *fakePeer) signal(state *PeerState) {
	p.mu.Lock()
	fn := p.stateFn
	p.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (p *fakePeer) wasClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func ringingCall(store *fakeRecordStore, from, to uuid.UUID) *domain.Call {
	convID := domain.ConversationID(from, to)
	call, _ := store.StartRinging(context.Background(), convID, from, to)
	return call
}

func TestCalleeAcceptFlow(t *testing.T) {
	store := newFakeRecordStore()
	peer := &fakePeer{}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	callerUID := uuid.New()
	calleeUID := uuid.New()
	call := ringingCall(store, callerUID, calleeUID)

	var endedReason domain.EndReason
	session := NewSession(SessionConfig{
		Store:          store,
		ConversationID: call.ConversationID,
		Role:           RoleCallee,
		SelfUID:        calleeUID,
		Peer:           peer,
		Clock:          clock.Now,
		OnEnded:        func(r domain.EndReason, _ time.Duration) { endedReason = r },
	})
	session.Start(context.Background())

	assert.Equal(t, PhaseRinging, session.Render().Phase)

	session.Accept(context.Background())
	assert.Equal(t, PhaseConnecting, session.Render().Phase)

	// Transport comes up; the record moves to connected and the timer
	// starts.
	require.Eventually(t, func() bool {
		peer.mu.Lock()
		defer peer.mu.Unlock()
		return peer.connected
	}, time.Second, 5*time.Millisecond)
	peer.signal(&PeerState{Connected: true})

	assert.Equal(t, PhaseConnected, session.Render().Phase)
	record, _ := store.Get(context.Background(), call.ConversationID)
	assert.Equal(t, domain.CallConnected, record.Status)

	clock.Advance(42 * time.Second)
	assert.Equal(t, 42, session.Render().ElapsedSeconds)

	session.Hangup(context.Background())
	assert.Equal(t, PhaseIdle, session.Render().Phase)
	assert.Equal(t, domain.EndReasonHangup, endedReason)
	assert.True(t, peer.wasClosed())
}

func TestAutoAcceptAnswersImmediately(t *testing.T) {
	store := newFakeRecordStore()
	peer := &fakePeer{}
	callerUID := uuid.New()
	calleeUID := uuid.New()
	call := ringingCall(store, callerUID, calleeUID)

	session := NewSession(SessionConfig{
		Store:          store,
		ConversationID: call.ConversationID,
		Role:           RoleCallee,
		SelfUID:        calleeUID,
		Peer:           peer,
		AutoAccept:     true,
	})
	session.Start(context.Background())

	record, _ := store.Get(context.Background(), call.ConversationID)
	assert.Equal(t, domain.CallAccepted, record.Status)
	assert.Equal(t, PhaseConnecting, session.Render().Phase)
}

func TestDeclineWritesDeclined(t *testing.T) {
	store := newFakeRecordStore()
	peer := &fakePeer{}
	callerUID := uuid.New()
	calleeUID := uuid.New()
	call := ringingCall(store, callerUID, calleeUID)

	var endedReason domain.EndReason
	session := NewSession(SessionConfig{
		Store:          store,
		ConversationID: call.ConversationID,
		Role:           RoleCallee,
		SelfUID:        calleeUID,
		Peer:           peer,
		OnEnded:        func(r domain.EndReason, _ time.Duration) { endedReason = r },
	})
	session.Start(context.Background())

	session.Decline(context.Background())

	record, _ := store.Get(context.Background(), call.ConversationID)
	assert.Equal(t, domain.CallEnded, record.Status)
	assert.Equal(t, domain.EndReasonDeclined, record.EndReason)
	assert.Equal(t, domain.EndReasonDeclined, endedReason)
	assert.True(t, peer.wasClosed())
}

func TestRemoteEndIdlesWithoutLocalWrite(t *testing.T) {
	store := newFakeRecordStore()
	peer := &fakePeer{}
	callerUID := uuid.New()
	calleeUID := uuid.New()
	call := ringingCall(store, callerUID, calleeUID)

	session := NewSession(SessionConfig{
		Store:          store,
		ConversationID: call.ConversationID,
		Role:           RoleCallee,
		SelfUID:        calleeUID,
		Peer:           peer,
	})
	session.Start(context.Background())
	writesBefore := len(store.statusWrites())

	// The caller hangs up before the callee answers.
	err := store.UpdateStatus(context.Background(), call.ConversationID, domain.CallEnded, domain.EndReasonHangup)
	require.NoError(t, err)

	render := session.Render()
	assert.Equal(t, PhaseIdle, render.Phase)
	assert.Equal(t, domain.EndReasonHangup, render.EndReason)
	// Reacting to the remote end must not write the record again.
	assert.Len(t, store.statusWrites(), writesBefore+1)
	assert.True(t, peer.wasClosed())
}

func TestDurationTimerStartsOnce(t *testing.T) {
	store := newFakeRecordStore()
	peer := &fakePeer{}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	callerUID := uuid.New()
	calleeUID := uuid.New()
	call := ringingCall(store, callerUID, calleeUID)

	session := NewSession(SessionConfig{
		Store:          store,
		ConversationID: call.ConversationID,
		Role:           RoleCallee,
		SelfUID:        calleeUID,
		Peer:           peer,
		Clock:          clock.Now,
	})
	session.Start(context.Background())
	session.Accept(context.Background())

	peer.signal(&PeerState{Connected: true})
	clock.Advance(30 * time.Second)
	// A duplicate connected signal must not reset the timer.
	peer.signal(&PeerState{Connected: true})
	clock.Advance(30 * time.Second)

	assert.Equal(t, 60, session.Render().ElapsedSeconds)
}

func TestHangupWriteFailureStillIdlesLocally(t *testing.T) {
	store := newFakeRecordStore()
	store.failEnded = true
	peer := &fakePeer{}
	callerUID := uuid.New()
	calleeUID := uuid.New()
	call := ringingCall(store, callerUID, calleeUID)

	var ended bool
	session := NewSession(SessionConfig{
		Store:          store,
		ConversationID: call.ConversationID,
		Role:           RoleCallee,
		SelfUID:        calleeUID,
		Peer:           peer,
		OnEnded:        func(domain.EndReason, time.Duration) { ended = true },
	})
	session.Start(context.Background())

	session.Hangup(context.Background())

	assert.Equal(t, PhaseIdle, session.Render().Phase)
	assert.True(t, ended)
	assert.True(t, peer.wasClosed())
}

func TestPeerTeardownEndsSession(t *testing.T) {
	store := newFakeRecordStore()
	peer := &fakePeer{}
	callerUID := uuid.New()
	calleeUID := uuid.New()
	call := ringingCall(store, callerUID, calleeUID)

	session := NewSession(SessionConfig{
		Store:          store,
		ConversationID: call.ConversationID,
		Role:           RoleCallee,
		SelfUID:        calleeUID,
		Peer:           peer,
	})
	session.Start(context.Background())
	session.Accept(context.Background())

	peer.signal(nil)

	assert.Equal(t, PhaseIdle, session.Render().Phase)
	record, _ := store.Get(context.Background(), call.ConversationID)
	assert.Equal(t, domain.CallEnded, record.Status)
}

func TestToggles(t *testing.T) {
	store := newFakeRecordStore()
	peer := &fakePeer{}
	callerUID := uuid.New()
	calleeUID := uuid.New()
	call := ringingCall(store, callerUID, calleeUID)

	session := NewSession(SessionConfig{
		Store:          store,
		ConversationID: call.ConversationID,
		Role:           RoleCallee,
		SelfUID:        calleeUID,
		Peer:           peer,
	})
	session.Start(context.Background())

	session.ToggleMute()
	assert.True(t, session.Render().MicMuted)
	session.ToggleMute()
	assert.False(t, session.Render().MicMuted)

	session.ToggleSpeaker()
	assert.True(t, session.Render().SpeakerOn)
}
