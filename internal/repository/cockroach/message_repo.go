package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"meshtalk-backend/internal/domain"
	apperrors "meshtalk-backend/pkg/errors"
)

// MessageRepository exposes the message lookups needed by the delivery/read
// tracker. Message CRUD itself belongs to the chat service.
type MessageRepository struct {
	pool *pgxpool.Pool
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// GetMessage retrieves a message projection by ID
func (r *MessageRepository) GetMessage(ctx context.Context, messageID uuid.UUID) (*domain.Message, error) {
	query := `
		SELECT message_id, conversation_id, sender_id, created_at
		FROM messages
		WHERE message_id = $1
	`
	m := &domain.Message{}
	err := r.pool.QueryRow(ctx, query, messageID).Scan(
		&m.MessageID, &m.ConversationID, &m.SenderID, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.MessageNotFoundError()
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// LatestNotBy returns the newest message in the conversation not authored by
// the given user, or nil when none exists
func (r *MessageRepository) LatestNotBy(ctx context.Context, conversationID, userID uuid.UUID) (*domain.Message, error) {
	query := `
		SELECT message_id, conversation_id, sender_id, created_at
		FROM messages
		WHERE conversation_id = $1 AND sender_id != $2
		ORDER BY created_at DESC
		LIMIT 1
	`
	m := &domain.Message{}
	err := r.pool.QueryRow(ctx, query, conversationID, userID).Scan(
		&m.MessageID, &m.ConversationID, &m.SenderID, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest message: %w", err)
	}
	return m, nil
}

// IDsNotByAtOrBefore lists message ids in the conversation not authored by the
// user with created_at at or before the given timestamp
func (r *MessageRepository) IDsNotByAtOrBefore(ctx context.Context, conversationID, userID uuid.UUID, ts time.Time) ([]uuid.UUID, error) {
	query := `
		SELECT message_id
		FROM messages
		WHERE conversation_id = $1 AND sender_id != $2 AND created_at <= $3
		ORDER BY created_at ASC
	`
	rows, err := r.pool.Query(ctx, query, conversationID, userID, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to list message ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan message id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountNotByAfter counts messages not authored by the user created strictly
// after the given timestamp
func (r *MessageRepository) CountNotByAfter(ctx context.Context, conversationID, userID uuid.UUID, after time.Time) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM messages
		WHERE conversation_id = $1 AND sender_id != $2 AND created_at > $3
	`, conversationID, userID, after).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}
