package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"campuslink-backend/internal/service/call"
	"campuslink-backend/pkg/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096
)

// Event types sent to the client
const (
	EventIncomingCall = "incoming_call"
	EventCallState    = "call_state"
	EventPresence     = "presence"
	EventPeerConnect  = "peer_connect"
	EventPeerClose    = "peer_close"
	EventPeerMute     = "peer_toggle_mute"
	EventPeerSpeaker  = "peer_toggle_speaker"
	EventError        = "error"
)

// Event types received from the client
const (
	EventCallInitiate  = "call_initiate"
	EventCallAccept    = "call_accept"
	EventCallDecline   = "call_decline"
	EventCallHangup    = "call_hangup"
	EventToggleMute    = "toggle_mute"
	EventToggleSpeaker = "toggle_speaker"
	EventPeerState     = "peer_state"
	EventPresenceWatch = "presence_watch"
)

// Event is the frame exchanged over the session socket
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Session is one authenticated WebSocket connection. It owns the user's
// signaling listener, presence heartbeat, and at most one call session at
// a time.
type Session struct {
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	activeCall     *call.Session
	activePeer     *wsPeer
	presenceStops  []func()
	lastIncomingID string
}

func newSession(conn *websocket.Conn, userID uuid.UUID) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: userID,
		ctx:    ctx,
		cancel: cancel,
	}
}

// sendEvent queues an event for the client. Drops the frame if the write
// queue is full rather than blocking a repository callback.
func (s *Session) sendEvent(eventType string, payload interface{}) {
	frame, err := marshalEvent(eventType, payload)
	if err != nil {
		logger.Warn("failed to marshal event",
			zap.String("type", eventType),
			zap.Error(err))
		return
	}
	select {
	case s.send <- frame:
	default:
		logger.Warn("dropping frame, send queue full",
			zap.String("type", eventType),
			zap.String("user_id", s.userID.String()))
	}
}

func marshalEvent(eventType string, payload interface{}) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return json.Marshal(Event{Type: eventType, Payload: raw})
}

// readPump pumps frames from the socket to the handler. Runs in a
// per-session goroutine.
func (s *Session) readPump(handle func(*Session, Event)) {
	defer s.cancel()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("websocket read error",
					zap.String("user_id", s.userID.String()),
					zap.Error(err))
			}
			return
		}

		var event Event
		if err := json.Unmarshal(message, &event); err != nil {
			logger.Debug("ignoring malformed frame",
				zap.String("user_id", s.userID.String()),
				zap.Error(err))
			continue
		}
		handle(s, event)
	}
}

// writePump pumps queued frames to the socket and keeps the connection
// alive with pings. Runs in a per-session goroutine.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsPeer is the PeerConnection the server drives on behalf of the client.
// Media lives on the device; the server only relays transport commands
// down the socket and receives state reports back.
type wsPeer struct {
	session *Session

	mu      sync.Mutex
	stateFn func(*call.PeerState)
	closed  bool
}

func newWSPeer(session *Session) *wsPeer {
	return &wsPeer{session: session}
}

type peerConnectPayload struct {
	ICEServers []string `json:"ice_servers"`
}

func (p *wsPeer) Connect(iceServers []string) error {
	p.session.sendEvent(EventPeerConnect, peerConnectPayload{ICEServers: iceServers})
	return nil
}

func (p *wsPeer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.session.sendEvent(EventPeerClose, nil)
	return nil
}

func (p *wsPeer) ToggleMute() error {
	p.session.sendEvent(EventPeerMute, nil)
	return nil
}

func (p *wsPeer) ToggleSpeaker() error {
	p.session.sendEvent(EventPeerSpeaker, nil)
	return nil
}

func (p *wsPeer) OnStateChange(fn func(*call.PeerState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateFn = fn
}

// report feeds a client state report into the call session
func (p *wsPeer) report(state *call.PeerState) {
	p.mu.Lock()
	fn := p.stateFn
	p.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}
