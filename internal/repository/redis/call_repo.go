package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"campuslink-backend/internal/database"
	"campuslink-backend/internal/domain"
	pkgerrors "campuslink-backend/pkg/errors"
)

// CallRepository stores each conversation's singleton "current call" slot.
// Both participants write to the slot without a lock; every status change
// goes through a guarded compare-and-set so a stale writer cannot move the
// record backwards, and repeated writes of the same status stay harmless.
//
// A per-callee ringing index (set of conversation ids) doubles as the
// cross-conversation query the signaling listener prefers. The index is
// advisory: entries are pruned on status changes but watchers re-read the
// call record before trusting one.
type CallRepository struct {
	client *goredis.Client
}

// NewCallRepository creates a new CallRepository
func NewCallRepository(db *database.RedisDB) *CallRepository {
	return &CallRepository{client: db.Client}
}

// ringingIndexMarker is set once the deployment provisions the ringing
// index. Its absence makes RingingConversations fail the capability probe
// and pushes listeners onto the per-conversation fallback.
const ringingIndexMarker = "signaling:ringing-index:ready"

// CallPath returns the storage key of a conversation's current-call slot.
// Surfaced to clients in IncomingCall.Path.
func CallPath(conversationID string) string {
	return fmt.Sprintf("conv:%s:call:current", conversationID)
}

func callChannel(conversationID string) string {
	return fmt.Sprintf("call:watch:%s", conversationID)
}

func ringingIndexKey(uid uuid.UUID) string {
	return fmt.Sprintf("ringing:%s", uid)
}

func ringingChannel(uid uuid.UUID) string {
	return fmt.Sprintf("ringing:watch:%s", uid)
}

// startRingingScript creates a fresh ringing record. A slot still occupied
// by an accepted or connected call rejects the new ring; a stale ringing
// record is closed as missed and superseded.
// KEYS[1] call slot, KEYS[2] call channel, KEYS[3] callee ringing index,
// KEYS[4] callee ringing channel;
// ARGV[1] from_uid, ARGV[2] to_uid, ARGV[3] now, ARGV[4] conversation id.
var startRingingScript = goredis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status and status ~= 'ended' then
  if status ~= 'ringing' then
    return 0
  end
  local oldTo = redis.call('HGET', KEYS[1], 'to_uid')
  redis.call('HSET', KEYS[1], 'status', 'ended', 'end_reason', 'missed', 'updated_at', ARGV[3])
  redis.call('SREM', 'ringing:' .. oldTo, ARGV[4])
  redis.call('PUBLISH', 'ringing:watch:' .. oldTo, '')
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1],
  'status', 'ringing',
  'from_uid', ARGV[1],
  'to_uid', ARGV[2],
  'created_at', ARGV[3],
  'updated_at', ARGV[3])
redis.call('SADD', KEYS[3], ARGV[4])
redis.call('PUBLISH', KEYS[2], '')
redis.call('PUBLISH', KEYS[4], '')
return 1
`)

// updateStatusScript is the guarded conditional update: the transition only
// applies when the current status is in the expected prior set. Writing the
// status the record already holds refreshes updated_at and succeeds, so both
// parties can write "ended" without conflict. end_reason is set only on the
// first transition into ended.
// KEYS[1] call slot, KEYS[2] call channel;
// ARGV[1] next status, ARGV[2] end reason ('' when none), ARGV[3] now,
// ARGV[4] conversation id, ARGV[5..] allowed prior statuses.
var updateStatusScript = goredis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return -1
end
if status == ARGV[1] then
  redis.call('HSET', KEYS[1], 'updated_at', ARGV[3])
  redis.call('PUBLISH', KEYS[2], '')
  return 1
end
local allowed = false
for i = 5, #ARGV do
  if status == ARGV[i] then
    allowed = true
  end
end
if not allowed then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[3])
if ARGV[1] == 'ended' and ARGV[2] ~= '' then
  redis.call('HSET', KEYS[1], 'end_reason', ARGV[2])
end
if status == 'ringing' then
  local toUid = redis.call('HGET', KEYS[1], 'to_uid')
  redis.call('SREM', 'ringing:' .. toUid, ARGV[4])
  redis.call('PUBLISH', 'ringing:watch:' .. toUid, '')
end
redis.call('PUBLISH', KEYS[2], '')
return 1
`)

// StartRinging occupies the conversation's call slot with a new ringing
// record from caller to callee. Returns ErrCallActive when an accepted or
// connected call still holds the slot.
func (r *CallRepository) StartRinging(ctx context.Context, conversationID string, from, to uuid.UUID) (*domain.Call, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	created, err := startRingingScript.Run(ctx, r.client,
		[]string{
			CallPath(conversationID),
			callChannel(conversationID),
			ringingIndexKey(to),
			ringingChannel(to),
		},
		from.String(), to.String(), now, conversationID).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to start call: %w", err)
	}
	if created == 0 {
		return nil, pkgerrors.ErrCallActive
	}
	return r.Get(ctx, conversationID)
}

// UpdateStatus applies a guarded forward transition on the call slot.
// Returns ErrNotFound when no record exists and ErrCallConflict when the
// record is not in a state the transition is legal from.
func (r *CallRepository) UpdateStatus(ctx context.Context, conversationID string, next domain.CallStatus, reason domain.EndReason) error {
	priors := domain.PriorStatuses(next)
	if len(priors) == 0 {
		return fmt.Errorf("no legal transition into status %q", next)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	args := []interface{}{string(next), string(reason), now, conversationID}
	for _, p := range priors {
		args = append(args, string(p))
	}

	result, err := updateStatusScript.Run(ctx, r.client,
		[]string{CallPath(conversationID), callChannel(conversationID)}, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to update call status: %w", err)
	}
	switch result {
	case -1:
		return pkgerrors.ErrNotFound
	case 0:
		return pkgerrors.ErrCallConflict
	}
	return nil
}

// Get returns the conversation's current call record, or (nil, nil) when
// the slot is empty
func (r *CallRepository) Get(ctx context.Context, conversationID string) (*domain.Call, error) {
	fields, err := r.client.HGetAll(ctx, CallPath(conversationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read call: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	call := &domain.Call{
		ConversationID: conversationID,
		Status:         domain.CallStatus(fields["status"]),
		EndReason:      domain.EndReason(fields["end_reason"]),
	}
	if uid, err := uuid.Parse(fields["from_uid"]); err == nil {
		call.FromUID = uid
	}
	if uid, err := uuid.Parse(fields["to_uid"]); err == nil {
		call.ToUID = uid
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		call.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		call.UpdatedAt = t
	}
	return call, nil
}

// EnableRingingIndex marks the ringing index as provisioned so listeners
// pass the capability probe. Called once at service start.
func (r *CallRepository) EnableRingingIndex(ctx context.Context) error {
	if err := r.client.Set(ctx, ringingIndexMarker, "1", 0).Err(); err != nil {
		return fmt.Errorf("failed to enable ringing index: %w", err)
	}
	return nil
}

// RingingConversations returns the ids of conversations with a call ringing
// for uid, according to the index. Returns ErrIndexUnavailable when the
// index is not provisioned; callers then switch to per-conversation
// watchers for the rest of the session.
func (r *CallRepository) RingingConversations(ctx context.Context, uid uuid.UUID) ([]string, error) {
	ready, err := r.client.Exists(ctx, ringingIndexMarker).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to probe ringing index: %w", err)
	}
	if ready == 0 {
		return nil, pkgerrors.ErrIndexUnavailable
	}

	ids, err := r.client.SMembers(ctx, ringingIndexKey(uid)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read ringing index: %w", err)
	}
	return ids, nil
}

// WatchRinging notifies fn whenever uid's ringing index may have changed.
// Notification only; callers re-query RingingConversations.
func (r *CallRepository) WatchRinging(ctx context.Context, uid uuid.UUID, fn func()) func() {
	return watchChannel(ctx, r.client, ringingChannel(uid), fn)
}

// WatchCall delivers the conversation's call record (nil when the slot is
// empty) immediately and on every change until cancel
func (r *CallRepository) WatchCall(ctx context.Context, conversationID string, fn func(*domain.Call)) func() {
	deliver := func() {
		readCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		call, err := r.Get(readCtx, conversationID)
		if err != nil {
			return
		}
		fn(call)
	}

	cancel := watchChannel(ctx, r.client, callChannel(conversationID), deliver)
	deliver()
	return cancel
}
