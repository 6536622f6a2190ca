package cassandra

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"campuslink-backend/internal/domain"
)

// CallEvent is one row in the per-conversation call transition log
type CallEvent struct {
	ConversationID string
	EventID        uuid.UUID
	Status         domain.CallStatus
	EndReason      domain.EndReason
	ActorUID       uuid.UUID
	CreatedAt      time.Time
}

// CallEventRepository appends call status transitions to Cassandra.
// The log is an audit trail: writes are best-effort and reads are only
// used by offline tooling, so nothing in the call path waits on it.
type CallEventRepository struct {
	session *gocql.Session
}

// NewCallEventRepository creates a new CallEventRepository
func NewCallEventRepository(session *gocql.Session) *CallEventRepository {
	return &CallEventRepository{session: session}
}

// Append records a single transition
func (r *CallEventRepository) Append(event *CallEvent) error {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO call_events (
			conversation_id, event_id, status, end_reason, actor_uid, created_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	err := r.session.Query(query,
		event.ConversationID,
		event.EventID,
		string(event.Status),
		string(event.EndReason),
		event.ActorUID,
		event.CreatedAt,
	).Exec()

	if err != nil {
		return fmt.Errorf("failed to append call event: %w", err)
	}

	return nil
}

// GetByConversation retrieves a conversation's transition log, newest first
func (r *CallEventRepository) GetByConversation(conversationID string, limit int) ([]*CallEvent, error) {
	query := `
		SELECT conversation_id, event_id, status, end_reason, actor_uid, created_at
		FROM call_events
		WHERE conversation_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	iter := r.session.Query(query, conversationID, limit).Iter()
	defer iter.Close()

	var events []*CallEvent
	for {
		event := &CallEvent{}
		var status, endReason string
		if !iter.Scan(
			&event.ConversationID,
			&event.EventID,
			&status,
			&endReason,
			&event.ActorUID,
			&event.CreatedAt,
		) {
			break
		}
		event.Status = domain.CallStatus(status)
		event.EndReason = domain.EndReason(endReason)
		events = append(events, event)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to read call events: %w", err)
	}

	return events, nil
}
