package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"campuslink-backend/internal/domain"
)

// CallHistoryRepository persists ended calls for the history listing.
// Writes are best-effort from the call service; a failed insert never
// blocks call teardown.
type CallHistoryRepository struct {
	pool *pgxpool.Pool
}

// NewCallHistoryRepository creates a new CallHistoryRepository
func NewCallHistoryRepository(pool *pgxpool.Pool) *CallHistoryRepository {
	return &CallHistoryRepository{pool: pool}
}

// Create inserts an ended call
func (r *CallHistoryRepository) Create(ctx context.Context, entry *domain.CallHistoryEntry) error {
	query := `
		INSERT INTO call_history (
			call_id, conversation_id, from_uid, to_uid, end_reason,
			started_at, ended_at, duration_seconds
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.pool.Exec(ctx, query,
		entry.CallID,
		entry.ConversationID,
		entry.FromUID,
		entry.ToUID,
		entry.EndReason,
		entry.StartedAt,
		entry.EndedAt,
		entry.DurationSeconds,
	)

	if err != nil {
		return fmt.Errorf("failed to create call history entry: %w", err)
	}

	return nil
}

// ListForUser retrieves a user's call history, newest first
func (r *CallHistoryRepository) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallHistoryEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT call_id, conversation_id, from_uid, to_uid, end_reason,
		       started_at, ended_at, duration_seconds
		FROM call_history
		WHERE from_uid = $1 OR to_uid = $1
		ORDER BY ended_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list call history: %w", err)
	}
	defer rows.Close()

	entries := []*domain.CallHistoryEntry{}
	for rows.Next() {
		entry := &domain.CallHistoryEntry{}
		err := rows.Scan(
			&entry.CallID,
			&entry.ConversationID,
			&entry.FromUID,
			&entry.ToUID,
			&entry.EndReason,
			&entry.StartedAt,
			&entry.EndedAt,
			&entry.DurationSeconds,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call history entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read call history rows: %w", err)
	}

	return entries, nil
}
