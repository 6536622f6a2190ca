package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campuslink-backend/internal/domain"
	"campuslink-backend/pkg/logger"
)

// Phase is the local overlay state of a session. It is derived from the
// shared call record plus transport state, never stored.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseRinging    Phase = "ringing"
	PhaseConnecting Phase = "connecting"
	PhaseConnected  Phase = "connected"
)

// Role says which side of the call this session is
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// RenderState is the overlay snapshot streamed to the client. Rebuilt
// whole on every change.
type RenderState struct {
	Phase          Phase            `json:"phase"`
	ConversationID string           `json:"conversation_id"`
	Peer           *domain.Profile  `json:"peer,omitempty"`
	ElapsedSeconds int              `json:"elapsed_seconds"`
	MicMuted       bool             `json:"mic_muted"`
	SpeakerOn      bool             `json:"speaker_on"`
	EndReason      domain.EndReason `json:"end_reason,omitempty"`
}

// SessionStore is the slice of the call store a session needs
type SessionStore interface {
	UpdateStatus(ctx context.Context, conversationID string, next domain.CallStatus, reason domain.EndReason) error
	WatchCall(ctx context.Context, conversationID string, fn func(*domain.Call)) func()
}

// SessionConfig wires up a Session
type SessionConfig struct {
	Store          SessionStore
	ConversationID string
	Role           Role
	SelfUID        uuid.UUID
	PeerProfile    *domain.Profile
	Peer           PeerConnection
	ICEServers     []string
	// AutoAccept answers an incoming call as soon as the session starts.
	AutoAccept bool
	// Clock defaults to time.Now; tests inject a fake.
	Clock func() time.Time
	// OnRender receives every overlay snapshot. Must not block.
	OnRender func(RenderState)
	// OnTransition fires after this side successfully writes a status
	// change to the shared record. Reason is set for ended only.
	OnTransition func(status domain.CallStatus, reason domain.EndReason)
	// OnEnded fires exactly once when the session reaches idle, with the
	// end reason and how long the call was connected (zero if never).
	OnEnded func(reason domain.EndReason, connectedFor time.Duration)
}

// Session drives one call for one client from first ring to idle. All
// status writes are best-effort: a failed write is logged and the session
// still tears down locally, because the other side's writes or the shared
// record's own lifecycle will converge the record.
type Session struct {
	cfg   SessionConfig
	clock func() time.Time

	mu          sync.Mutex
	phase       Phase
	endReason   domain.EndReason
	micMuted    bool
	speakerOn   bool
	connectedAt time.Time
	ended       bool
	cancelWatch func()
}

// NewSession creates a session in the ringing phase
func NewSession(cfg SessionConfig) *Session {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Session{
		cfg:       cfg,
		clock:     clock,
		phase:     PhaseRinging,
		speakerOn: false,
	}
}

// Start subscribes the session to the shared call record and, for an
// auto-accepting callee, answers immediately
func (s *Session) Start(ctx context.Context) {
	s.cfg.Peer.OnStateChange(func(state *PeerState) {
		s.onPeerState(ctx, state)
	})

	cancel := s.cfg.Store.WatchCall(ctx, s.cfg.ConversationID, func(call *domain.Call) {
		s.onRecord(ctx, call)
	})

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancelWatch = cancel
	s.mu.Unlock()

	if s.cfg.Role == RoleCallee && s.cfg.AutoAccept {
		s.Accept(ctx)
	}
	s.render()
}

// Accept answers an incoming call. Only meaningful for the callee while
// ringing; other phases ignore it.
func (s *Session) Accept(ctx context.Context) {
	s.mu.Lock()
	if s.phase != PhaseRinging || s.cfg.Role != RoleCallee {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseConnecting
	s.mu.Unlock()

	if err := s.cfg.Store.UpdateStatus(ctx, s.cfg.ConversationID, domain.CallAccepted, ""); err != nil {
		logger.Warn("accept write failed",
			zap.String("conversation_id", s.cfg.ConversationID),
			zap.Error(err))
	} else {
		s.transitioned(domain.CallAccepted, "")
	}
	s.render()
	go s.connect(ctx)
}

// Decline rejects an incoming ring and idles the overlay
func (s *Session) Decline(ctx context.Context) {
	s.end(ctx, domain.EndReasonDeclined, true)
}

// Hangup ends the call from either side
func (s *Session) Hangup(ctx context.Context) {
	s.end(ctx, domain.EndReasonHangup, true)
}

// ToggleMute flips the microphone
func (s *Session) ToggleMute() {
	if err := s.cfg.Peer.ToggleMute(); err != nil {
		logger.Warn("mute toggle failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.micMuted = !s.micMuted
	s.mu.Unlock()
	s.render()
}

// ToggleSpeaker flips the speaker output
func (s *Session) ToggleSpeaker() {
	if err := s.cfg.Peer.ToggleSpeaker(); err != nil {
		logger.Warn("speaker toggle failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.speakerOn = !s.speakerOn
	s.mu.Unlock()
	s.render()
}

// Render returns the current overlay snapshot
func (s *Session) Render() RenderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renderLocked()
}

func (s *Session) renderLocked() RenderState {
	elapsed := 0
	if !s.connectedAt.IsZero() && s.phase == PhaseConnected {
		elapsed = int(s.clock().Sub(s.connectedAt) / time.Second)
	}
	return RenderState{
		Phase:          s.phase,
		ConversationID: s.cfg.ConversationID,
		Peer:           s.cfg.PeerProfile,
		ElapsedSeconds: elapsed,
		MicMuted:       s.micMuted,
		SpeakerOn:      s.speakerOn,
		EndReason:      s.endReason,
	}
}

func (s *Session) render() {
	if s.cfg.OnRender == nil {
		return
	}
	s.mu.Lock()
	snapshot := s.renderLocked()
	s.mu.Unlock()
	s.cfg.OnRender(snapshot)
}

// onRecord reacts to shared record changes written by either side
func (s *Session) onRecord(ctx context.Context, call *domain.Call) {
	if call == nil || call.ConversationID != s.cfg.ConversationID {
		return
	}

	switch call.Status {
	case domain.CallAccepted:
		s.mu.Lock()
		callerShouldDial := s.cfg.Role == RoleCaller && s.phase == PhaseRinging
		if callerShouldDial {
			s.phase = PhaseConnecting
		}
		s.mu.Unlock()
		if callerShouldDial {
			s.render()
			go s.connect(ctx)
		}
	case domain.CallConnected:
		s.markConnected()
	case domain.CallEnded:
		reason := call.EndReason
		if reason == "" {
			reason = domain.EndReasonHangup
		}
		s.end(ctx, reason, false)
	}
}

// connect dials the transport. Runs off the watcher goroutine since ICE
// gathering can take a while.
func (s *Session) connect(ctx context.Context) {
	if err := s.cfg.Peer.Connect(s.cfg.ICEServers); err != nil {
		logger.Warn("peer connect failed",
			zap.String("conversation_id", s.cfg.ConversationID),
			zap.Error(err))
		s.end(ctx, domain.EndReasonHangup, true)
		return
	}
}

func (s *Session) onPeerState(ctx context.Context, state *PeerState) {
	if state == nil {
		s.end(ctx, domain.EndReasonHangup, true)
		return
	}

	if state.Connected {
		if err := s.cfg.Store.UpdateStatus(ctx, s.cfg.ConversationID, domain.CallConnected, ""); err != nil {
			logger.Warn("connected write failed",
				zap.String("conversation_id", s.cfg.ConversationID),
				zap.Error(err))
		} else {
			s.transitioned(domain.CallConnected, "")
		}
		s.markConnected()
	}

	s.mu.Lock()
	s.micMuted = state.MicMuted
	s.speakerOn = state.SpeakerOn
	s.mu.Unlock()
	s.render()
}

// markConnected enters the connected phase. The duration clock starts on
// the first transition only; repeated connected signals keep the original
// start time.
func (s *Session) markConnected() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseConnected
	if s.connectedAt.IsZero() {
		s.connectedAt = s.clock()
	}
	s.mu.Unlock()
	s.render()
}

func (s *Session) transitioned(status domain.CallStatus, reason domain.EndReason) {
	if s.cfg.OnTransition != nil {
		s.cfg.OnTransition(status, reason)
	}
}

// end idles the session. writeRecord says whether this side initiated the
// end and should write it to the shared record; reacting to a remote end
// skips the write. Idempotent.
func (s *Session) end(ctx context.Context, reason domain.EndReason, writeRecord bool) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.phase = PhaseIdle
	s.endReason = reason
	cancelWatch := s.cancelWatch
	s.cancelWatch = nil
	var connectedFor time.Duration
	if !s.connectedAt.IsZero() {
		connectedFor = s.clock().Sub(s.connectedAt)
	}
	s.mu.Unlock()

	if cancelWatch != nil {
		cancelWatch()
	}

	if writeRecord {
		if err := s.cfg.Store.UpdateStatus(ctx, s.cfg.ConversationID, domain.CallEnded, reason); err != nil {
			logger.Warn("end write failed, tearing down locally anyway",
				zap.String("conversation_id", s.cfg.ConversationID),
				zap.Error(err))
		} else {
			s.transitioned(domain.CallEnded, reason)
		}
	}

	if err := s.cfg.Peer.Close(); err != nil {
		logger.Warn("peer close failed", zap.Error(err))
	}

	s.render()
	if s.cfg.OnEnded != nil {
		s.cfg.OnEnded(reason, connectedFor)
	}
}
