package signaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campuslink-backend/internal/domain"
	pkgerrors "campuslink-backend/pkg/errors"
	"campuslink-backend/pkg/metrics"
)

// fakeCallStore is an in-memory CallStore with synchronous notifications
type fakeCallStore struct {
	mu            sync.Mutex
	indexReady    bool
	calls         map[string]*domain.Call
	ringing       map[uuid.UUID][]string
	ringingNotify map[uuid.UUID]func()
	callNotify    map[string]func(*domain.Call)
	cancelledSubs int
}

func newFakeCallStore(indexReady bool) *fakeCallStore {
	return &fakeCallStore{
		indexReady:    indexReady,
		calls:         map[string]*domain.Call{},
		ringing:       map[uuid.UUID][]string{},
		ringingNotify: map[uuid.UUID]func(){},
		callNotify:    map[string]func(*domain.Call){},
	}
}

func (f *fakeCallStore) Get(ctx context.Context, conversationID string) (*domain.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[conversationID], nil
}

func (f *fakeCallStore) RingingConversations(ctx context.Context, uid uuid.UUID) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.indexReady {
		return nil, pkgerrors.ErrIndexUnavailable
	}
	return append([]string{}, f.ringing[uid]...), nil
}

func (f *fakeCallStore) WatchRinging(ctx context.Context, uid uuid.UUID, fn func()) func() {
	f.mu.Lock()
	f.ringingNotify[uid] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.ringingNotify, uid)
		f.cancelledSubs++
	}
}

func (f *fakeCallStore) WatchCall(ctx context.Context, conversationID string, fn func(*domain.Call)) func() {
	f.mu.Lock()
	f.callNotify[conversationID] = fn
	current := f.calls[conversationID]
	f.mu.Unlock()
	fn(current)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.callNotify, conversationID)
		f.cancelledSubs++
	}
}

// ring installs a ringing call and fires the relevant notifications
func (f *fakeCallStore) ring(conversationID string, from, to uuid.UUID) {
	f.mu.Lock()
	call := &domain.Call{
		ConversationID: conversationID,
		Status:         domain.CallRinging,
		FromUID:        from,
		ToUID:          to,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	f.calls[conversationID] = call
	f.ringing[to] = append(f.ringing[to], conversationID)
	ringingFn := f.ringingNotify[to]
	callFn := f.callNotify[conversationID]
	f.mu.Unlock()

	if ringingFn != nil {
		ringingFn()
	}
	if callFn != nil {
		callFn(call)
	}
}

func (f *fakeCallStore) end(conversationID string, reason domain.EndReason) {
	f.mu.Lock()
	call := *f.calls[conversationID]
	call.Status = domain.CallEnded
	call.EndReason = reason
	f.calls[conversationID] = &call
	to := call.ToUID
	remaining := f.ringing[to][:0]
	for _, id := range f.ringing[to] {
		if id != conversationID {
			remaining = append(remaining, id)
		}
	}
	f.ringing[to] = remaining
	ringingFn := f.ringingNotify[to]
	callFn := f.callNotify[conversationID]
	f.mu.Unlock()

	if ringingFn != nil {
		ringingFn()
	}
	if callFn != nil {
		callFn(&call)
	}
}

type fakeConvStore struct {
	mu       sync.Mutex
	lists    map[uuid.UUID][]string
	notify   map[uuid.UUID]func([]string)
	watchers int
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{
		lists:  map[uuid.UUID][]string{},
		notify: map[uuid.UUID]func([]string){},
	}
}

func (f *fakeConvStore) ListForUser(ctx context.Context, uid uuid.UUID) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.lists[uid]...), nil
}

func (f *fakeConvStore) WatchUserConversations(ctx context.Context, uid uuid.UUID, fn func([]string)) func() {
	f.mu.Lock()
	f.notify[uid] = fn
	f.watchers++
	list := append([]string{}, f.lists[uid]...)
	f.mu.Unlock()
	fn(list)
	return func() {}
}

func (f *fakeConvStore) setList(uid uuid.UUID, ids []string) {
	f.mu.Lock()
	f.lists[uid] = ids
	fn := f.notify[uid]
	f.mu.Unlock()
	if fn != nil {
		fn(append([]string{}, ids...))
	}
}

type fakeResolver struct {
	mu       sync.Mutex
	profiles map[uuid.UUID]*domain.Profile
}

func (f *fakeResolver) ResolveProfile(ctx context.Context, uid uuid.UUID) *domain.Profile {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.profiles[uid]; ok {
		return p
	}
	return &domain.Profile{UserID: uid}
}

// emissionSpy collects snapshots thread-safely
type emissionSpy struct {
	mu    sync.Mutex
	calls []*domain.IncomingCall
}

func (s *emissionSpy) emit(snapshot *domain.IncomingCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, snapshot)
}

func (s *emissionSpy) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *emissionSpy) last() *domain.IncomingCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return nil
	}
	return s.calls[len(s.calls)-1]
}

func testPath(conversationID string) string {
	return "conv/" + conversationID + "/call/current"
}

func newTestListener(calls CallStore, convs ConversationStore, resolver ProfileResolver) *Listener {
	m := metrics.NewMetricsWith(prometheus.NewRegistry(), "test")
	return NewListener(calls, convs, resolver, testPath, m)
}

func TestIndexStrategyEmitsRing(t *testing.T) {
	callerUID := uuid.New()
	calleeUID := uuid.New()
	convID := domain.ConversationID(callerUID, calleeUID)

	calls := newFakeCallStore(true)
	convs := newFakeConvStore()
	resolver := &fakeResolver{profiles: map[uuid.UUID]*domain.Profile{
		callerUID: {UserID: callerUID, Username: "amara"},
	}}
	spy := &emissionSpy{}

	listener := newTestListener(calls, convs, resolver)
	listener.Bind(context.Background(), calleeUID, spy.emit)
	defer listener.Stop()

	calls.ring(convID, callerUID, calleeUID)

	require.Eventually(t, func() bool {
		last := spy.last()
		return last != nil && last.Caller != nil
	}, time.Second, 5*time.Millisecond)

	last := spy.last()
	assert.Equal(t, convID, last.ConversationID)
	assert.Equal(t, testPath(convID), last.Path)
	assert.Equal(t, domain.CallRinging, last.Call.Status)
	assert.Equal(t, "amara", last.Caller.Username)

	// No per-conversation fan-out while the index works.
	assert.Zero(t, convs.watchers)
}

func TestIndexRingEndedEmitsNil(t *testing.T) {
	callerUID := uuid.New()
	calleeUID := uuid.New()
	convID := domain.ConversationID(callerUID, calleeUID)

	calls := newFakeCallStore(true)
	spy := &emissionSpy{}

	listener := newTestListener(calls, newFakeConvStore(), &fakeResolver{})
	listener.Bind(context.Background(), calleeUID, spy.emit)
	defer listener.Stop()

	calls.ring(convID, callerUID, calleeUID)
	require.Eventually(t, func() bool { return spy.last() != nil }, time.Second, 5*time.Millisecond)

	calls.end(convID, domain.EndReasonDeclined)

	require.Eventually(t, func() bool { return spy.last() == nil }, time.Second, 5*time.Millisecond)
}

func TestFallbackEngagesWhenIndexUnavailable(t *testing.T) {
	callerUID := uuid.New()
	calleeUID := uuid.New()
	convID := domain.ConversationID(callerUID, calleeUID)

	calls := newFakeCallStore(false)
	convs := newFakeConvStore()
	convs.lists[calleeUID] = []string{convID}
	spy := &emissionSpy{}

	listener := newTestListener(calls, convs, &fakeResolver{})
	listener.Bind(context.Background(), calleeUID, spy.emit)
	defer listener.Stop()

	assert.Equal(t, 1, convs.watchers)

	calls.ring(convID, callerUID, calleeUID)

	require.Eventually(t, func() bool {
		last := spy.last()
		return last != nil && last.ConversationID == convID
	}, time.Second, 5*time.Millisecond)
}

func TestFallbackReconcilesMembershipChanges(t *testing.T) {
	calleeUID := uuid.New()
	otherUID := uuid.New()
	oldConv := domain.ConversationID(calleeUID, uuid.New())
	newConv := domain.ConversationID(calleeUID, otherUID)

	calls := newFakeCallStore(false)
	convs := newFakeConvStore()
	convs.lists[calleeUID] = []string{oldConv}
	spy := &emissionSpy{}

	listener := newTestListener(calls, convs, &fakeResolver{})
	listener.Bind(context.Background(), calleeUID, spy.emit)
	defer listener.Stop()

	convs.setList(calleeUID, []string{newConv})

	// The watcher for the dropped conversation must be cancelled.
	calls.mu.Lock()
	_, oldWatched := calls.callNotify[oldConv]
	_, newWatched := calls.callNotify[newConv]
	calls.mu.Unlock()
	assert.False(t, oldWatched)
	assert.True(t, newWatched)

	calls.ring(newConv, otherUID, calleeUID)
	require.Eventually(t, func() bool {
		last := spy.last()
		return last != nil && last.ConversationID == newConv
	}, time.Second, 5*time.Millisecond)
}

func TestRebindTearsDownOldSubscriptions(t *testing.T) {
	callerUID := uuid.New()
	firstUID := uuid.New()
	secondUID := uuid.New()
	firstConv := domain.ConversationID(callerUID, firstUID)

	calls := newFakeCallStore(true)
	spy := &emissionSpy{}

	listener := newTestListener(calls, newFakeConvStore(), &fakeResolver{})
	listener.Bind(context.Background(), firstUID, spy.emit)

	secondSpy := &emissionSpy{}
	listener.Bind(context.Background(), secondUID, secondSpy.emit)

	// A ring for the first user after rebinding must reach nobody.
	calls.ring(firstConv, callerUID, firstUID)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, spy.len())
	assert.Zero(t, secondSpy.len())

	listener.Stop()
}

func TestAtMostOneOverlay(t *testing.T) {
	calleeUID := uuid.New()
	callerA := uuid.New()
	callerB := uuid.New()
	convA := domain.ConversationID(callerA, calleeUID)
	convB := domain.ConversationID(callerB, calleeUID)

	calls := newFakeCallStore(true)
	spy := &emissionSpy{}

	listener := newTestListener(calls, newFakeConvStore(), &fakeResolver{})
	listener.Bind(context.Background(), calleeUID, spy.emit)
	defer listener.Stop()

	calls.ring(convA, callerA, calleeUID)
	calls.ring(convB, callerB, calleeUID)

	require.Eventually(t, func() bool { return spy.last() != nil }, time.Second, 5*time.Millisecond)

	// The first ring holds the overlay; the second never displaces it.
	spy.mu.Lock()
	for _, snapshot := range spy.calls {
		require.NotNil(t, snapshot)
		assert.Equal(t, convA, snapshot.ConversationID)
	}
	spy.mu.Unlock()

	// Once the surfaced ring ends, the waiting one takes over.
	calls.end(convA, domain.EndReasonHangup)
	require.Eventually(t, func() bool {
		last := spy.last()
		return last != nil && last.ConversationID == convB
	}, time.Second, 5*time.Millisecond)
}

func TestLowestConversationWinsWhenRingingTogether(t *testing.T) {
	calleeUID := uuid.New()
	callerA := uuid.New()
	callerB := uuid.New()
	convA := domain.ConversationID(callerA, calleeUID)
	convB := domain.ConversationID(callerB, calleeUID)
	want := convA
	if convB < convA {
		want = convB
	}

	calls := newFakeCallStore(true)
	// Both rings exist before the listener attaches, so the initial index
	// sweep sees them together.
	calls.ring(convA, callerA, calleeUID)
	calls.ring(convB, callerB, calleeUID)
	spy := &emissionSpy{}

	listener := newTestListener(calls, newFakeConvStore(), &fakeResolver{})
	listener.Bind(context.Background(), calleeUID, spy.emit)
	defer listener.Stop()

	require.Eventually(t, func() bool { return spy.last() != nil }, time.Second, 5*time.Millisecond)

	spy.mu.Lock()
	defer spy.mu.Unlock()
	for _, snapshot := range spy.calls {
		require.NotNil(t, snapshot)
		assert.Equal(t, want, snapshot.ConversationID)
	}
}
