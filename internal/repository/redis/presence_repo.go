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

// PresenceRepository stores per-user presence records in Redis and notifies
// watchers through pub/sub. One record per user, last-writer-wins, never
// deleted.
type PresenceRepository struct {
	client *goredis.Client
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(db *database.RedisDB) *PresenceRepository {
	return &PresenceRepository{client: db.Client}
}

func presenceKey(uid uuid.UUID) string {
	return fmt.Sprintf("presence:%s", uid)
}

func presenceChannel(uid uuid.UUID) string {
	return fmt.Sprintf("presence:watch:%s", uid)
}

// heartbeatScript refreshes an existing presence record. It must never
// create one: heartbeat is update-only so that a record deleted out from
// under a client stays gone until the next SetOnline.
// KEYS[1] record, KEYS[2] channel; ARGV[1] now.
var heartbeatScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'online', 'last_active', ARGV[1], 'updated_at', ARGV[1])
redis.call('PUBLISH', KEYS[2], '')
return 1
`)

// setOfflineScript marks an existing record offline, leaving last_active as
// the last online moment. KEYS[1] record, KEYS[2] channel; ARGV[1] now.
var setOfflineScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'offline', 'updated_at', ARGV[1])
redis.call('PUBLISH', KEYS[2], '')
return 1
`)

// SetOnline upserts the presence record with state=online. Idempotent.
func (r *PresenceRepository) SetOnline(ctx context.Context, uid uuid.UUID) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, presenceKey(uid),
		"state", string(domain.PresenceOnline),
		"last_active", now,
		"updated_at", now,
	)
	pipe.Publish(ctx, presenceChannel(uid), "")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set user online: %w", err)
	}
	return nil
}

// Heartbeat refreshes an existing record. Returns ErrNoPresence when the
// record does not exist; it never creates one.
func (r *PresenceRepository) Heartbeat(ctx context.Context, uid uuid.UUID) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	created, err := heartbeatScript.Run(ctx, r.client,
		[]string{presenceKey(uid), presenceChannel(uid)}, now).Int()
	if err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	if created == 0 {
		return pkgerrors.ErrNoPresence
	}
	return nil
}

// SetOffline marks an existing record offline without touching last_active,
// so "last seen" keeps pointing at the last online moment. Returns
// ErrNoPresence when no record exists.
func (r *PresenceRepository) SetOffline(ctx context.Context, uid uuid.UUID) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	updated, err := setOfflineScript.Run(ctx, r.client,
		[]string{presenceKey(uid), presenceChannel(uid)}, now).Int()
	if err != nil {
		return fmt.Errorf("failed to set user offline: %w", err)
	}
	if updated == 0 {
		return pkgerrors.ErrNoPresence
	}
	return nil
}

// Get returns the presence record for uid, or (nil, nil) when none exists
// yet. Watch delivers the same nil to mean "no record".
func (r *PresenceRepository) Get(ctx context.Context, uid uuid.UUID) (*domain.Presence, error) {
	fields, err := r.client.HGetAll(ctx, presenceKey(uid)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	record := &domain.Presence{
		UserID: uid,
		State:  domain.PresenceState(fields["state"]),
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["last_active"]); err == nil {
		record.LastActive = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		record.UpdatedAt = t
	}
	return record, nil
}

// Watch delivers the current record (nil when absent) immediately and again
// on every change until cancel is called. Re-reads on each notification, so
// watchers always see the latest write rather than a replayed event.
func (r *PresenceRepository) Watch(ctx context.Context, uid uuid.UUID, fn func(*domain.Presence)) func() {
	deliver := func() {
		readCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		record, err := r.Get(readCtx, uid)
		if err != nil {
			// Transient read failure; the next notification retries
			return
		}
		fn(record)
	}

	cancel := watchChannel(ctx, r.client, presenceChannel(uid), deliver)
	deliver()
	return cancel
}
