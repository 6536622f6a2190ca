package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"campuslink-backend/internal/database"
	"campuslink-backend/pkg/logger"
	"campuslink-backend/pkg/push"
)

// pushTokenExpiry bounds how long an unrefreshed device token survives.
// Clients re-register on every app start, so live devices never expire.
const pushTokenExpiry = 30 * 24 * time.Hour

// PushTokenRepository stores device tokens in Redis, one JSON record per
// token plus a per-user set for lookup
type PushTokenRepository struct {
	client *goredis.Client
}

// NewPushTokenRepository creates a new PushTokenRepository
func NewPushTokenRepository(db *database.RedisDB) *PushTokenRepository {
	return &PushTokenRepository{client: db.Client}
}

func pushTokenKey(token string) string {
	return fmt.Sprintf("push:token:%s", token)
}

func userTokensKey(uid uuid.UUID) string {
	return fmt.Sprintf("push:user:%s:tokens", uid)
}

// Store upserts a device token and links it to its user
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	now := time.Now().UTC()
	if token.CreatedAt.IsZero() {
		token.CreatedAt = now
	}
	token.UpdatedAt = now

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal push token: %w", err)
	}

	if err := r.client.Set(ctx, pushTokenKey(token.Token), data, pushTokenExpiry).Err(); err != nil {
		return fmt.Errorf("failed to store push token: %w", err)
	}
	if err := r.client.SAdd(ctx, userTokensKey(token.UserID), token.Token).Err(); err != nil {
		return fmt.Errorf("failed to link push token to user: %w", err)
	}
	if err := r.client.Expire(ctx, userTokensKey(token.UserID), pushTokenExpiry).Err(); err != nil {
		logger.Warn("failed to refresh push token set expiry",
			zap.String("user_id", token.UserID.String()),
			zap.Error(err))
	}
	return nil
}

// GetByToken returns a token record, or nil when unknown
func (r *PushTokenRepository) GetByToken(ctx context.Context, tokenStr string) (*push.Token, error) {
	data, err := r.client.Get(ctx, pushTokenKey(tokenStr)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get push token: %w", err)
	}

	var token push.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal push token: %w", err)
	}
	return &token, nil
}

// GetByUserID returns all known token records for a user. Tokens whose
// record expired are unlinked lazily.
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*push.Token, error) {
	members, err := r.client.SMembers(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list user push tokens: %w", err)
	}

	tokens := make([]*push.Token, 0, len(members))
	for _, tokenStr := range members {
		token, err := r.GetByToken(ctx, tokenStr)
		if err != nil {
			logger.Warn("failed to read push token",
				zap.String("user_id", userID.String()),
				zap.Error(err))
			continue
		}
		if token == nil {
			r.client.SRem(ctx, userTokensKey(userID), tokenStr)
			continue
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

// MarkInactive flags a token so it is skipped on future sends
func (r *PushTokenRepository) MarkInactive(ctx context.Context, tokenStr string) error {
	token, err := r.GetByToken(ctx, tokenStr)
	if err != nil || token == nil {
		return err
	}
	token.Active = false
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal push token: %w", err)
	}
	return r.client.Set(ctx, pushTokenKey(tokenStr), data, pushTokenExpiry).Err()
}

// Delete removes a token record and its user link
func (r *PushTokenRepository) Delete(ctx context.Context, tokenStr string) error {
	token, err := r.GetByToken(ctx, tokenStr)
	if err != nil {
		return err
	}
	if token != nil {
		r.client.SRem(ctx, userTokensKey(token.UserID), tokenStr)
	}
	return r.client.Del(ctx, pushTokenKey(tokenStr)).Err()
}

// DeleteForUser removes every token registered for a user
func (r *PushTokenRepository) DeleteForUser(ctx context.Context, userID uuid.UUID) error {
	members, err := r.client.SMembers(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("failed to list user push tokens: %w", err)
	}
	for _, tokenStr := range members {
		if err := r.client.Del(ctx, pushTokenKey(tokenStr)).Err(); err != nil {
			return err
		}
	}
	return r.client.Del(ctx, userTokensKey(userID)).Err()
}
