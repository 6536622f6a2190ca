package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallStatus is the lifecycle state of a conversation's current call.
// Keep values stable; they are stored in Redis and read by clients.
type CallStatus string

const (
	CallRinging   CallStatus = "ringing"
	CallAccepted  CallStatus = "accepted"
	CallConnected CallStatus = "connected"
	CallEnded     CallStatus = "ended"
)

// EndReason records why a call ended
type EndReason string

const (
	EndReasonDeclined EndReason = "declined"
	EndReasonHangup   EndReason = "hangup"
	// EndReasonMissed is written when a stale ringing record is superseded
	// by a new ring.
	EndReasonMissed EndReason = "missed"
)

// Call is the singleton "current call" record nested under a conversation.
// Both participants mutate it without a lock; every transition must stay
// harmless when written twice.
type Call struct {
	ConversationID string     `json:"conversation_id"`
	Status         CallStatus `json:"status"`
	FromUID        uuid.UUID  `json:"from_uid"`
	ToUID          uuid.UUID  `json:"to_uid"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	EndReason      EndReason  `json:"end_reason,omitempty"`
}

// Active reports whether the call still occupies the conversation's slot
func (c *Call) Active() bool {
	return c != nil && c.Status != CallEnded
}

// CanTransition reports whether moving from s to next is a legal forward
// transition. The lifecycle is monotonic: ringing → accepted/ended,
// accepted → connected/ended, connected → ended. Ended is terminal, and a
// repeated write of the current status is allowed so that double "ended"
// writes from both parties stay harmless.
func (s CallStatus) CanTransition(next CallStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case CallRinging:
		return next == CallAccepted || next == CallEnded
	case CallAccepted:
		return next == CallConnected || next == CallEnded
	case CallConnected:
		return next == CallEnded
	case CallEnded:
		return false
	}
	return false
}

// PriorStatuses returns every status a record may hold immediately before a
// legal transition into next. Guarded conditional updates pass these as the
// expected-state set.
func PriorStatuses(next CallStatus) []CallStatus {
	switch next {
	case CallAccepted:
		return []CallStatus{CallRinging}
	case CallConnected:
		return []CallStatus{CallAccepted}
	case CallEnded:
		return []CallStatus{CallRinging, CallAccepted, CallConnected}
	}
	return nil
}

// CallHistoryEntry is the durable record persisted once a call ends
type CallHistoryEntry struct {
	CallID          uuid.UUID  `json:"call_id"`
	ConversationID  string     `json:"conversation_id"`
	FromUID         uuid.UUID  `json:"from_uid"`
	ToUID           uuid.UUID  `json:"to_uid"`
	EndReason       EndReason  `json:"end_reason"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         time.Time  `json:"ended_at"`
	DurationSeconds int        `json:"duration_seconds"`
}

// IncomingCall is the client-local view state derived by the signaling
// listener: a snapshot of a ringing call addressed to the current user plus
// the resolved caller profile. Rebuilt whole on every relevant change, never
// mutated incrementally.
type IncomingCall struct {
	ConversationID string   `json:"conversation_id"`
	Path           string   `json:"path"` // storage key of the call record
	Call           Call     `json:"call"`
	Caller         *Profile `json:"caller,omitempty"` // nil when resolution failed
}
