package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConversationID derives the deterministic record id for a pair of users:
// the two ids sorted and joined with "__". Both participants must resolve to
// the same id, so every caller goes through this function.
func ConversationID(a, b uuid.UUID) string {
	first, second := a.String(), b.String()
	if first > second {
		first, second = second, first
	}
	return first + "__" + second
}

// ParticipantIDs recovers the two participant ids from a conversation id.
// Returns false when the id is not of the expected shape.
func ParticipantIDs(conversationID string) (uuid.UUID, uuid.UUID, bool) {
	parts := strings.SplitN(conversationID, "__", 2)
	if len(parts) != 2 {
		return uuid.Nil, uuid.Nil, false
	}
	first, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	second, err := uuid.Parse(parts[1])
	if err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	return first, second, true
}

// OtherParticipant returns the participant id that is not self.
func OtherParticipant(conversationID string, self uuid.UUID) (uuid.UUID, bool) {
	first, second, ok := ParticipantIDs(conversationID)
	if !ok {
		return uuid.Nil, false
	}
	switch self {
	case first:
		return second, true
	case second:
		return first, true
	}
	return uuid.Nil, false
}

// LastMessage is the denormalized preview of the newest message
type LastMessage struct {
	Text      string    `json:"text"`
	SenderID  uuid.UUID `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is the pairing record between two users. Created lazily on
// first contact, never deleted. Maps are keyed by the participant's uuid
// string.
type Conversation struct {
	ID             string               `json:"id"`
	ParticipantIDs []uuid.UUID          `json:"participant_ids"` // exactly 2, sorted
	Participants   map[string]Profile   `json:"participants"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
	LastMessage    *LastMessage         `json:"last_message,omitempty"`
	Typing         map[string]bool      `json:"typing,omitempty"`
	LastReadAt     map[string]time.Time `json:"last_read_at,omitempty"`
}

// HasParticipant reports whether uid is one of the two participants
func (c *Conversation) HasParticipant(uid uuid.UUID) bool {
	for _, id := range c.ParticipantIDs {
		if id == uid {
			return true
		}
	}
	return false
}
