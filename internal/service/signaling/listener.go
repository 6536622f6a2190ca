package signaling

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campuslink-backend/internal/domain"
	pkgerrors "campuslink-backend/pkg/errors"
	"campuslink-backend/pkg/logger"
	"campuslink-backend/pkg/metrics"
)

// CallStore is the call-slot view the listener needs
type CallStore interface {
	Get(ctx context.Context, conversationID string) (*domain.Call, error)
	RingingConversations(ctx context.Context, uid uuid.UUID) ([]string, error)
	WatchRinging(ctx context.Context, uid uuid.UUID, fn func()) func()
	WatchCall(ctx context.Context, conversationID string, fn func(*domain.Call)) func()
}

// ConversationStore lists and watches a user's conversation memberships
type ConversationStore interface {
	ListForUser(ctx context.Context, uid uuid.UUID) ([]string, error)
	WatchUserConversations(ctx context.Context, uid uuid.UUID, fn func([]string)) func()
}

// ProfileResolver resolves caller profiles for the overlay. Resolution is
// async and may be slow; the listener never waits on it before surfacing a
// ring.
type ProfileResolver interface {
	ResolveProfile(ctx context.Context, uid uuid.UUID) *domain.Profile
}

// CallPathFunc maps a conversation id to the storage key of its call slot
type CallPathFunc func(conversationID string) string

// Listener watches for calls ringing at one user and emits at most one
// incoming-call snapshot at a time (nil meaning none). It prefers the
// cross-conversation ringing index; the first sign the index is unavailable
// switches the session permanently to per-conversation fan-out watchers.
//
// Every subscription made under one Bind generation carries that
// generation's number; teardown bumps the generation so late callbacks from
// cancelled subscriptions are discarded instead of emitted.
type Listener struct {
	calls    CallStore
	convs    ConversationStore
	profiles ProfileResolver
	callPath CallPathFunc
	metrics  *metrics.Metrics

	mu           sync.Mutex
	gen          uint64
	fallback     bool
	emit         func(*domain.IncomingCall)
	cancelIndex  func()
	cancelConvs  func()
	callWatchers map[string]func()
	candidates   map[string]*domain.Call
	currentConv  string
}

// NewListener creates a listener bound to nothing
func NewListener(calls CallStore, convs ConversationStore, profiles ProfileResolver, callPath CallPathFunc, m *metrics.Metrics) *Listener {
	return &Listener{
		calls:        calls,
		convs:        convs,
		profiles:     profiles,
		callPath:     callPath,
		metrics:      m,
		callWatchers: map[string]func(){},
		candidates:   map[string]*domain.Call{},
	}
}

// Bind attaches the listener to a user, tearing down any previous binding
// first. emit receives incoming-call snapshots; it is called with nil once
// no call is ringing anymore. emit runs on internal goroutines and must not
// block.
func (l *Listener) Bind(ctx context.Context, uid uuid.UUID, emit func(*domain.IncomingCall)) {
	l.mu.Lock()
	l.teardownLocked()
	gen := l.gen
	l.emit = emit
	fallback := l.fallback
	l.mu.Unlock()

	if !fallback {
		if err := l.startIndex(ctx, gen, uid); err == nil {
			return
		}
	}
	l.engageFallback(ctx, gen, uid)
}

// Stop detaches the listener. Safe to call repeatedly.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.teardownLocked()
	l.emit = nil
}

// teardownLocked cancels every live subscription and bumps the generation
// so their in-flight callbacks become no-ops
func (l *Listener) teardownLocked() {
	l.gen++
	if l.cancelIndex != nil {
		l.cancelIndex()
		l.cancelIndex = nil
	}
	if l.cancelConvs != nil {
		l.cancelConvs()
		l.cancelConvs = nil
	}
	if n := len(l.callWatchers); n > 0 {
		for _, cancel := range l.callWatchers {
			cancel()
		}
		l.metrics.AddSignalingWatchers(-n)
	}
	l.callWatchers = map[string]func(){}
	l.candidates = map[string]*domain.Call{}
	l.currentConv = ""
}

// startIndex probes the ringing index and, when available, subscribes to
// its change feed. Any failure reports unusable so the caller can fall
// back.
func (l *Listener) startIndex(ctx context.Context, gen uint64, uid uuid.UUID) error {
	if _, err := l.calls.RingingConversations(ctx, uid); err != nil {
		if !errors.Is(err, pkgerrors.ErrIndexUnavailable) {
			logger.Warn("ringing index probe failed",
				zap.String("user_id", uid.String()),
				zap.Error(err))
		}
		return err
	}

	cancel := l.calls.WatchRinging(ctx, uid, func() {
		l.refreshFromIndex(ctx, gen, uid)
	})

	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		cancel()
		return nil
	}
	l.cancelIndex = cancel
	l.mu.Unlock()

	l.refreshFromIndex(ctx, gen, uid)
	return nil
}

// refreshFromIndex re-queries the index and re-reads candidate call slots.
// Index entries are advisory, so each one is verified against the record
// before it can produce an overlay.
func (l *Listener) refreshFromIndex(ctx context.Context, gen uint64, uid uuid.UUID) {
	ids, err := l.calls.RingingConversations(ctx, uid)
	if err != nil {
		// The index worked at probe time; treat any later failure as the
		// index going away and switch this session to fan-out for good.
		l.engageFallback(ctx, gen, uid)
		return
	}

	sort.Strings(ids)
	candidates := map[string]*domain.Call{}
	for _, id := range ids {
		call, err := l.calls.Get(ctx, id)
		if err != nil {
			logger.Warn("failed to read indexed call slot",
				zap.String("conversation_id", id),
				zap.Error(err))
			continue
		}
		if call != nil {
			candidates[id] = call
		}
	}

	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		return
	}
	l.candidates = candidates
	l.selectLocked(ctx, gen, uid)
	l.mu.Unlock()
}

// engageFallback switches the session to per-conversation watchers. The
// switch is one-way: once the index has failed, a later rebind still goes
// straight to fan-out.
func (l *Listener) engageFallback(ctx context.Context, gen uint64, uid uuid.UUID) {
	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		return
	}
	if !l.fallback {
		l.fallback = true
		l.metrics.RecordSignalingFallback()
		logger.Info("signaling switched to per-conversation watchers",
			zap.String("user_id", uid.String()))
	}
	if l.cancelIndex != nil {
		l.cancelIndex()
		l.cancelIndex = nil
	}
	if l.cancelConvs != nil {
		// Already fanned out under this generation.
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	cancel := l.convs.WatchUserConversations(ctx, uid, func(ids []string) {
		l.reconcileWatchers(ctx, gen, uid, ids)
	})

	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		cancel()
		return
	}
	l.cancelConvs = cancel
	l.mu.Unlock()
}

// reconcileWatchers rebuilds the per-conversation watcher registry against
// a fresh membership list. Existing watchers are cancelled before the new
// set starts, so a membership change can never leak a subscription.
func (l *Listener) reconcileWatchers(ctx context.Context, gen uint64, uid uuid.UUID, ids []string) {
	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		return
	}
	if n := len(l.callWatchers); n > 0 {
		for _, cancel := range l.callWatchers {
			cancel()
		}
		l.metrics.AddSignalingWatchers(-n)
	}
	l.callWatchers = map[string]func(){}
	l.candidates = map[string]*domain.Call{}
	l.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		convID := id
		cancel := l.calls.WatchCall(ctx, convID, func(call *domain.Call) {
			l.onCallUpdate(ctx, gen, uid, convID, call)
		})

		l.mu.Lock()
		if gen != l.gen {
			l.mu.Unlock()
			cancel()
			return
		}
		l.callWatchers[convID] = cancel
		l.metrics.AddSignalingWatchers(1)
		l.mu.Unlock()
	}
}

func (l *Listener) onCallUpdate(ctx context.Context, gen uint64, uid uuid.UUID, conversationID string, call *domain.Call) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen {
		return
	}
	if call == nil {
		delete(l.candidates, conversationID)
	} else {
		l.candidates[conversationID] = call
	}
	l.selectLocked(ctx, gen, uid)
}

// selectLocked picks the ringing call to surface, if any, and emits when
// the selection changes. A surfaced ring is sticky: it holds the overlay
// until it stops ringing, even when another conversation starts ringing
// underneath it. When nothing is surfaced and several candidates ring at
// once, the lowest conversation id wins, so both strategies agree.
func (l *Listener) selectLocked(ctx context.Context, gen uint64, uid uuid.UUID) {
	if l.currentConv != "" {
		if current, ok := l.candidates[l.currentConv]; ok &&
			current.Status == domain.CallRinging && current.ToUID == uid {
			return
		}
	}

	var chosen *domain.Call
	ids := make([]string, 0, len(l.candidates))
	for id := range l.candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		call := l.candidates[id]
		if call.Status == domain.CallRinging && call.ToUID == uid {
			chosen = call
			break
		}
	}

	if chosen == nil {
		if l.currentConv != "" {
			l.currentConv = ""
			if l.emit != nil {
				l.emit(nil)
			}
		}
		return
	}

	if chosen.ConversationID == l.currentConv {
		return
	}
	l.currentConv = chosen.ConversationID

	snapshot := &domain.IncomingCall{
		ConversationID: chosen.ConversationID,
		Path:           l.callPath(chosen.ConversationID),
		Call:           *chosen,
	}
	if l.emit != nil {
		l.emit(snapshot)
	}

	// Resolve the caller asynchronously; a slow directory must not delay
	// the ring. The generation and conversation are re-checked before the
	// enriched snapshot goes out.
	go l.resolveCaller(ctx, gen, snapshot)
}

func (l *Listener) resolveCaller(ctx context.Context, gen uint64, snapshot *domain.IncomingCall) {
	profile := l.profiles.ResolveProfile(ctx, snapshot.Call.FromUID)

	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen || l.currentConv != snapshot.ConversationID {
		return
	}
	enriched := *snapshot
	enriched.Caller = profile
	if l.emit != nil {
		l.emit(&enriched)
	}
}
