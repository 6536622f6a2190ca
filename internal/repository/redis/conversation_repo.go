package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"campuslink-backend/internal/database"
	"campuslink-backend/internal/domain"
)

// ConversationRepository stores the per-pair conversation records. Records
// are created lazily on first contact and never deleted; the deterministic
// id (domain.ConversationID) makes creation idempotent.
type ConversationRepository struct {
	client *goredis.Client
}

// NewConversationRepository creates a new ConversationRepository
func NewConversationRepository(db *database.RedisDB) *ConversationRepository {
	return &ConversationRepository{client: db.Client}
}

func conversationKey(id string) string {
	return fmt.Sprintf("conv:%s", id)
}

func conversationChannel(id string) string {
	return fmt.Sprintf("conv:watch:%s", id)
}

func userConversationsKey(uid uuid.UUID) string {
	return fmt.Sprintf("user:%s:convs", uid)
}

func userConversationsChannel(uid uuid.UUID) string {
	return fmt.Sprintf("user:%s:convs:watch", uid)
}

// ensureScript creates the conversation record only when it does not exist
// yet, and registers it in both participants' conversation indexes. The
// existence check and create run in one script, so two clients racing on the
// same pair converge without the loser clobbering the winner's record.
// KEYS[1] record, KEYS[2..3] user indexes, KEYS[4..5] user index channels;
// ARGV[1] participant_ids JSON, ARGV[2] participants JSON, ARGV[3] now,
// ARGV[4] conversation id.
var ensureScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'participant_ids', ARGV[1],
  'participants', ARGV[2],
  'created_at', ARGV[3],
  'updated_at', ARGV[3])
redis.call('SADD', KEYS[2], ARGV[4])
redis.call('SADD', KEYS[3], ARGV[4])
redis.call('PUBLISH', KEYS[4], '')
redis.call('PUBLISH', KEYS[5], '')
return 1
`)

// Ensure returns the conversation between the two users, creating it when
// absent. The second call for the same pair is a pure read; an existing
// record is never overwritten.
func (r *ConversationRepository) Ensure(ctx context.Context, a domain.Profile, b domain.Profile) (*domain.Conversation, bool, error) {
	id := domain.ConversationID(a.UserID, b.UserID)

	first, second := a, b
	if first.UserID.String() > second.UserID.String() {
		first, second = second, first
	}

	participantIDs, err := json.Marshal([]uuid.UUID{first.UserID, second.UserID})
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode participant ids: %w", err)
	}
	participants, err := json.Marshal(map[string]domain.Profile{
		first.UserID.String():  first,
		second.UserID.String(): second,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode participants: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	created, err := ensureScript.Run(ctx, r.client,
		[]string{
			conversationKey(id),
			userConversationsKey(first.UserID),
			userConversationsKey(second.UserID),
			userConversationsChannel(first.UserID),
			userConversationsChannel(second.UserID),
		},
		string(participantIDs), string(participants), now, id).Int()
	if err != nil {
		return nil, false, fmt.Errorf("failed to ensure conversation: %w", err)
	}

	conv, err := r.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if conv == nil {
		return nil, false, fmt.Errorf("conversation %s vanished after ensure", id)
	}
	return conv, created == 1, nil
}

// SetTyping flips the typing flag for uid and notifies watchers
func (r *ConversationRepository) SetTyping(ctx context.Context, id string, uid uuid.UUID, typing bool) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	value := "0"
	if typing {
		value = "1"
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, conversationKey(id), "typing:"+uid.String(), value, "updated_at", now)
	pipe.Publish(ctx, conversationChannel(id), "")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set typing: %w", err)
	}
	return nil
}

// UpdateLastRead stamps uid's read marker with the current time
func (r *ConversationRepository) UpdateLastRead(ctx context.Context, id string, uid uuid.UUID) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, conversationKey(id), "last_read:"+uid.String(), now, "updated_at", now)
	pipe.Publish(ctx, conversationChannel(id), "")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update last read: %w", err)
	}
	return nil
}

// SetLastMessage updates the denormalized newest-message preview
func (r *ConversationRepository) SetLastMessage(ctx context.Context, id string, msg domain.LastMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode last message: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, conversationKey(id), "last_message", string(encoded), "updated_at", now)
	pipe.Publish(ctx, conversationChannel(id), "")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set last message: %w", err)
	}
	return nil
}

// Get returns the conversation record, or (nil, nil) when it does not exist
func (r *ConversationRepository) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	fields, err := r.client.HGetAll(ctx, conversationKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return parseConversation(id, fields)
}

func parseConversation(id string, fields map[string]string) (*domain.Conversation, error) {
	conv := &domain.Conversation{
		ID:         id,
		Typing:     make(map[string]bool),
		LastReadAt: make(map[string]time.Time),
	}

	if raw := fields["participant_ids"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &conv.ParticipantIDs); err != nil {
			return nil, fmt.Errorf("corrupt participant_ids in %s: %w", id, err)
		}
	}
	if raw := fields["participants"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &conv.Participants); err != nil {
			return nil, fmt.Errorf("corrupt participants in %s: %w", id, err)
		}
	}
	if raw := fields["last_message"]; raw != "" {
		var msg domain.LastMessage
		if err := json.Unmarshal([]byte(raw), &msg); err == nil {
			conv.LastMessage = &msg
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		conv.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		conv.UpdatedAt = t
	}

	for field, value := range fields {
		switch {
		case strings.HasPrefix(field, "typing:"):
			conv.Typing[strings.TrimPrefix(field, "typing:")] = value == "1"
		case strings.HasPrefix(field, "last_read:"):
			if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
				conv.LastReadAt[strings.TrimPrefix(field, "last_read:")] = t
			}
		}
	}

	return conv, nil
}

// ListForUser returns the ids of all conversations uid participates in
func (r *ConversationRepository) ListForUser(ctx context.Context, uid uuid.UUID) ([]string, error) {
	ids, err := r.client.SMembers(ctx, userConversationsKey(uid)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return ids, nil
}

// Watch delivers the conversation record on every change until cancel
func (r *ConversationRepository) Watch(ctx context.Context, id string, fn func(*domain.Conversation)) func() {
	deliver := func() {
		readCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conv, err := r.Get(readCtx, id)
		if err != nil {
			return
		}
		fn(conv)
	}

	cancel := watchChannel(ctx, r.client, conversationChannel(id), deliver)
	deliver()
	return cancel
}

// WatchUserConversations delivers uid's conversation id set immediately and
// whenever it changes. The signaling fallback strategy rebuilds its call
// watchers from these deliveries.
func (r *ConversationRepository) WatchUserConversations(ctx context.Context, uid uuid.UUID, fn func([]string)) func() {
	deliver := func() {
		readCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		ids, err := r.ListForUser(readCtx, uid)
		if err != nil {
			return
		}
		fn(ids)
	}

	cancel := watchChannel(ctx, r.client, userConversationsChannel(uid), deliver)
	deliver()
	return cancel
}
