package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"campuslink-backend/internal/domain"
	"campuslink-backend/internal/service/call"
	"campuslink-backend/internal/service/presence"
	"campuslink-backend/internal/service/signaling"
	"campuslink-backend/pkg/logger"
	"campuslink-backend/pkg/metrics"
)

// ListenerFactory builds a fresh signaling listener per session
type ListenerFactory func() *signaling.Listener

// Handler upgrades authenticated clients to session sockets and wires each
// one to presence, signaling, and call control
type Handler struct {
	presenceService *presence.Service
	callService     *call.Service
	newListener     ListenerFactory
	metrics         *metrics.Metrics
	upgrader        websocket.Upgrader
}

// NewHandler creates a new WebSocket session handler
func NewHandler(presenceService *presence.Service, callService *call.Service, newListener ListenerFactory, m *metrics.Metrics, checkOrigin func(*http.Request) bool) *Handler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		presenceService: presenceService,
		callService:     callService,
		newListener:     newListener,
		metrics:         m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Serve handles the session socket
// GET /v1/ws
func (h *Handler) Serve(c *gin.Context) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session := newSession(conn, userID)
	h.metrics.IncrementWebSocketConnections()
	logger.Info("session connected", zap.String("user_id", userID.String()))

	// The session carries presence for its lifetime: online on attach,
	// heartbeats while open, best-effort offline on detach.
	h.presenceService.GoOnline(session.ctx, userID)
	go h.presenceService.RunHeartbeat(session.ctx, userID)

	listener := h.newListener()
	listener.Bind(session.ctx, userID, func(incoming *domain.IncomingCall) {
		h.onIncoming(session, incoming)
	})

	go session.writePump()
	go func() {
		session.readPump(h.handleEvent)
		h.teardown(session, listener)
	}()
}

func (h *Handler) teardown(session *Session, listener *signaling.Listener) {
	session.cancel()
	listener.Stop()

	session.mu.Lock()
	active := session.activeCall
	stops := session.presenceStops
	session.presenceStops = nil
	session.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	if active != nil {
		active.Hangup(context.Background())
	}

	offlineCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.presenceService.GoOffline(offlineCtx, session.userID)

	h.metrics.DecrementWebSocketConnections()
	logger.Info("session disconnected", zap.String("user_id", session.userID.String()))
}

// onIncoming reacts to the signaling listener. A non-nil snapshot raises
// the ringing overlay by opening a callee session; nil means the ring went
// away and the record watcher inside the session handles the rest.
func (h *Handler) onIncoming(session *Session, incoming *domain.IncomingCall) {
	if incoming == nil {
		session.sendEvent(EventIncomingCall, nil)
		return
	}

	session.mu.Lock()
	if session.lastIncomingID == incoming.ConversationID {
		// The surfaced call again, now with the caller profile resolved.
		session.mu.Unlock()
		session.sendEvent(EventIncomingCall, incoming)
		return
	}
	if session.activeCall != nil {
		// Busy with another call; this ring is not actionable here, so
		// the client never sees it.
		session.mu.Unlock()
		return
	}
	session.lastIncomingID = incoming.ConversationID
	peer := newWSPeer(session)
	session.activePeer = peer
	session.mu.Unlock()

	session.sendEvent(EventIncomingCall, incoming)

	callSession := h.callService.Answer(session.ctx, incoming, session.userID, peer, func(state call.RenderState) {
		h.onRender(session, state)
	})

	session.mu.Lock()
	session.activeCall = callSession
	session.mu.Unlock()
}

// onRender forwards overlay snapshots and clears the active call once it
// reaches idle
func (h *Handler) onRender(session *Session, state call.RenderState) {
	session.sendEvent(EventCallState, state)
	if state.Phase != call.PhaseIdle {
		return
	}
	session.mu.Lock()
	session.activeCall = nil
	session.activePeer = nil
	session.lastIncomingID = ""
	session.mu.Unlock()
}

type callInitiatePayload struct {
	UserID string `json:"user_id"`
}

type peerStatePayload struct {
	Gone      bool `json:"gone"`
	Connected bool `json:"connected"`
	MicMuted  bool `json:"mic_muted"`
	SpeakerOn bool `json:"speaker_on"`
}

type presenceWatchPayload struct {
	UserIDs []string `json:"user_ids"`
}

type presenceEventPayload struct {
	UserID     string `json:"user_id"`
	State      string `json:"state"`
	LastActive string `json:"last_active,omitempty"`
}

func (h *Handler) handleEvent(session *Session, event Event) {
	switch event.Type {
	case EventCallInitiate:
		h.handleInitiate(session, event.Payload)
	case EventCallAccept:
		if active := session.active(); active != nil {
			active.Accept(session.ctx)
		}
	case EventCallDecline:
		if active := session.active(); active != nil {
			active.Decline(session.ctx)
		}
	case EventCallHangup:
		if active := session.active(); active != nil {
			active.Hangup(session.ctx)
		}
	case EventToggleMute:
		if active := session.active(); active != nil {
			active.ToggleMute()
		}
	case EventToggleSpeaker:
		if active := session.active(); active != nil {
			active.ToggleSpeaker()
		}
	case EventPeerState:
		h.handlePeerState(session, event.Payload)
	case EventPresenceWatch:
		h.handlePresenceWatch(session, event.Payload)
	default:
		logger.Debug("ignoring unknown event",
			zap.String("type", event.Type),
			zap.String("user_id", session.userID.String()))
	}
}

func (s *Session) active() *call.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCall
}

func (h *Handler) handleInitiate(session *Session, payload json.RawMessage) {
	var req callInitiatePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		session.sendEvent(EventError, gin.H{"message": "invalid payload"})
		return
	}
	calleeUID, err := uuid.Parse(req.UserID)
	if err != nil || calleeUID == session.userID {
		session.sendEvent(EventError, gin.H{"message": "invalid user id"})
		return
	}

	session.mu.Lock()
	if session.activeCall != nil {
		session.mu.Unlock()
		session.sendEvent(EventError, gin.H{"message": "call already in progress"})
		return
	}
	peer := newWSPeer(session)
	session.activePeer = peer
	session.mu.Unlock()

	callSession, err := h.callService.Initiate(session.ctx, session.userID, calleeUID, peer, func(state call.RenderState) {
		h.onRender(session, state)
	})
	if err != nil {
		session.mu.Lock()
		session.activePeer = nil
		session.mu.Unlock()
		session.sendEvent(EventError, gin.H{"message": "could not start call"})
		logger.Warn("call initiate failed",
			zap.String("user_id", session.userID.String()),
			zap.Error(err))
		return
	}

	session.mu.Lock()
	session.activeCall = callSession
	session.lastIncomingID = callSession.Render().ConversationID
	session.mu.Unlock()
}

func (h *Handler) handlePeerState(session *Session, payload json.RawMessage) {
	var req peerStatePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return
	}

	session.mu.Lock()
	peer := session.activePeer
	session.mu.Unlock()
	if peer == nil {
		return
	}

	if req.Gone {
		peer.report(nil)
		return
	}
	peer.report(&call.PeerState{
		Connected: req.Connected,
		MicMuted:  req.MicMuted,
		SpeakerOn: req.SpeakerOn,
	})
}

// handlePresenceWatch replaces the session's presence subscriptions with
// the requested set. Sending an empty list clears them.
func (h *Handler) handlePresenceWatch(session *Session, payload json.RawMessage) {
	var req presenceWatchPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return
	}

	session.mu.Lock()
	stops := session.presenceStops
	session.presenceStops = nil
	session.mu.Unlock()
	for _, stop := range stops {
		stop()
	}

	var newStops []func()
	for _, raw := range req.UserIDs {
		uid, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		stop := h.presenceService.Watch(session.ctx, uid, func(state domain.PresenceState, record *domain.Presence) {
			event := presenceEventPayload{
				UserID: uid.String(),
				State:  string(state),
			}
			if record != nil && !record.LastActive.IsZero() {
				event.LastActive = record.LastActive.UTC().Format(time.RFC3339Nano)
			}
			session.sendEvent(EventPresence, event)
		})
		newStops = append(newStops, stop)
	}

	session.mu.Lock()
	session.presenceStops = newStops
	session.mu.Unlock()
}
