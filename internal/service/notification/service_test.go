package notification

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campuslink-backend/internal/domain"
	"campuslink-backend/pkg/push"
)

type fakeTokenStore struct {
	mu       sync.Mutex
	tokens   map[string]*push.Token
	inactive []string
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{tokens: map[string]*push.Token{}}
}

func (f *fakeTokenStore) Store(ctx context.Context, token *push.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[token.Token] = token
	return nil
}

func (f *fakeTokenStore) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*push.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*push.Token
	for _, token := range f.tokens {
		if token.UserID == userID {
			out = append(out, token)
		}
	}
	return out, nil
}

func (f *fakeTokenStore) MarkInactive(ctx context.Context, tokenStr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inactive = append(f.inactive, tokenStr)
	if token, ok := f.tokens[tokenStr]; ok {
		token.Active = false
	}
	return nil
}

func (f *fakeTokenStore) Delete(ctx context.Context, tokenStr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokens, tokenStr)
	return nil
}

func (f *fakeTokenStore) DeleteForUser(ctx context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, token := range f.tokens {
		if token.UserID == userID {
			delete(f.tokens, key)
		}
	}
	return nil
}

type fakeProvider struct {
	mu      sync.Mutex
	sent    []*push.Notification
	tokens  [][]string
	invalid []string
}

func (f *fakeProvider) Send(ctx context.Context, notification *push.Notification, tokens []string) (*push.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, notification)
	f.tokens = append(f.tokens, tokens)
	return &push.SendResult{
		SuccessCount:  len(tokens) - len(f.invalid),
		FailureCount:  len(f.invalid),
		InvalidTokens: f.invalid,
	}, nil
}

func (f *fakeProvider) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakePresence struct {
	state domain.PresenceState
}

func (f *fakePresence) GetEffective(ctx context.Context, uid uuid.UUID) (domain.PresenceState, *domain.Presence, error) {
	return f.state, nil, nil
}

func TestNotifyIncomingCallSkipsOnlineCallee(t *testing.T) {
	store := newFakeTokenStore()
	provider := &fakeProvider{}
	service := NewService(provider, store, &fakePresence{state: domain.PresenceOnline})

	calleeUID := uuid.New()
	require.NoError(t, service.RegisterDevice(context.Background(), calleeUID, "tok-1", push.TokenTypeFCM, "android"))

	service.NotifyIncomingCall(context.Background(), "conv-1", &domain.Profile{UserID: uuid.New()}, calleeUID)

	assert.Zero(t, provider.sendCount())
}

func TestNotifyIncomingCallPushesToOfflineCallee(t *testing.T) {
	store := newFakeTokenStore()
	provider := &fakeProvider{}
	service := NewService(provider, store, &fakePresence{state: domain.PresenceOffline})

	callerUID := uuid.New()
	calleeUID := uuid.New()
	require.NoError(t, service.RegisterDevice(context.Background(), calleeUID, "tok-1", push.TokenTypeFCM, "android"))

	caller := &domain.Profile{UserID: callerUID, DisplayName: "Ada"}
	service.NotifyIncomingCall(context.Background(), "conv-1", caller, calleeUID)

	require.Equal(t, 1, provider.sendCount())
	provider.mu.Lock()
	defer provider.mu.Unlock()
	assert.Equal(t, []string{"tok-1"}, provider.tokens[0])
	assert.Equal(t, "Ada is calling you", provider.sent[0].Body)
	assert.Equal(t, "conv-1", provider.sent[0].Data["conversation_id"])
	assert.Equal(t, callerUID.String(), provider.sent[0].Data["caller_id"])
}

func TestNotifyIncomingCallSkipsInactiveTokens(t *testing.T) {
	store := newFakeTokenStore()
	provider := &fakeProvider{}
	service := NewService(provider, store, &fakePresence{state: domain.PresenceOffline})

	calleeUID := uuid.New()
	require.NoError(t, store.Store(context.Background(), &push.Token{
		UserID: calleeUID,
		Token:  "tok-dead",
		Type:   push.TokenTypeFCM,
		Active: false,
	}))

	service.NotifyIncomingCall(context.Background(), "conv-1", nil, calleeUID)

	assert.Zero(t, provider.sendCount())
}

func TestInvalidTokensAreRetired(t *testing.T) {
	store := newFakeTokenStore()
	provider := &fakeProvider{invalid: []string{"tok-1"}}
	service := NewService(provider, store, &fakePresence{state: domain.PresenceOffline})

	calleeUID := uuid.New()
	require.NoError(t, service.RegisterDevice(context.Background(), calleeUID, "tok-1", push.TokenTypeAPNs, "ios"))

	service.NotifyIncomingCall(context.Background(), "conv-1", nil, calleeUID)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, []string{"tok-1"}, store.inactive)
	assert.False(t, store.tokens["tok-1"].Active)
}
