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
)

// ReceiptRepository handles delivery/read acknowledgement rows
type ReceiptRepository struct {
	pool *pgxpool.Pool
}

// NewReceiptRepository creates a new receipt repository
func NewReceiptRepository(pool *pgxpool.Pool) *ReceiptRepository {
	return &ReceiptRepository{pool: pool}
}

const receiptColumns = `message_id, user_id, delivered_at, read_at`

func scanReceipt(row pgx.Row) (*domain.MessageRead, error) {
	r := &domain.MessageRead{}
	if err := row.Scan(&r.MessageID, &r.UserID, &r.DeliveredAt, &r.ReadAt); err != nil {
		return nil, fmt.Errorf("failed to scan receipt: %w", err)
	}
	return r, nil
}

// UpsertDelivered records delivery without touching read_at. COALESCE keeps
// the first delivery timestamp, making re-application idempotent.
func (r *ReceiptRepository) UpsertDelivered(ctx context.Context, messageID, userID uuid.UUID, at time.Time) (*domain.MessageRead, error) {
	query := `
		INSERT INTO message_reads (message_id, user_id, delivered_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id)
		DO UPDATE SET delivered_at = COALESCE(message_reads.delivered_at, EXCLUDED.delivered_at)
		RETURNING ` + receiptColumns
	return scanReceipt(r.pool.QueryRow(ctx, query, messageID, userID, at))
}

// UpsertRead records a read receipt. Delivery is stamped alongside when absent
// since read implies delivered; an existing read_at is never overwritten.
func (r *ReceiptRepository) UpsertRead(ctx context.Context, messageID, userID uuid.UUID, at time.Time) (*domain.MessageRead, error) {
	query := `
		INSERT INTO message_reads (message_id, user_id, delivered_at, read_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (message_id, user_id)
		DO UPDATE SET
			delivered_at = COALESCE(message_reads.delivered_at, EXCLUDED.delivered_at),
			read_at = COALESCE(message_reads.read_at, EXCLUDED.read_at)
		RETURNING ` + receiptColumns
	return scanReceipt(r.pool.QueryRow(ctx, query, messageID, userID, at))
}

// ListByMessage retrieves all receipt rows for a message
func (r *ReceiptRepository) ListByMessage(ctx context.Context, messageID uuid.UUID) ([]*domain.MessageRead, error) {
	query := `SELECT ` + receiptColumns + ` FROM message_reads WHERE message_id = $1`
	rows, err := r.pool.Query(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list receipts: %w", err)
	}
	defer rows.Close()

	var receipts []*domain.MessageRead
	for rows.Next() {
		rec := &domain.MessageRead{}
		if err := rows.Scan(&rec.MessageID, &rec.UserID, &rec.DeliveredAt, &rec.ReadAt); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		receipts = append(receipts, rec)
	}
	return receipts, rows.Err()
}

// Get retrieves a single receipt row, nil when absent
func (r *ReceiptRepository) Get(ctx context.Context, messageID, userID uuid.UUID) (*domain.MessageRead, error) {
	query := `SELECT ` + receiptColumns + ` FROM message_reads WHERE message_id = $1 AND user_id = $2`
	rec, err := scanReceipt(r.pool.QueryRow(ctx, query, messageID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// MarkConversationRead bulk-marks the given messages read and advances the
// conversation read pointer in a single transaction. All rows are written or
// none are.
func (r *ReceiptRepository) MarkConversationRead(ctx context.Context, conversationID, userID uuid.UUID, messageIDs []uuid.UUID, lastMessage *domain.Message, at time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, messageID := range messageIDs {
		batch.Queue(`
			INSERT INTO message_reads (message_id, user_id, delivered_at, read_at)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (message_id, user_id)
			DO UPDATE SET
				delivered_at = COALESCE(message_reads.delivered_at, EXCLUDED.delivered_at),
				read_at = COALESCE(message_reads.read_at, EXCLUDED.read_at)
		`, messageID, userID, at)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to bulk mark read: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO conversation_reads (conversation_id, user_id, last_read_message_id, last_read_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_id, user_id)
		DO UPDATE SET last_read_message_id = EXCLUDED.last_read_message_id,
		              last_read_at = EXCLUDED.last_read_at
		WHERE conversation_reads.last_read_at <= EXCLUDED.last_read_at
	`, conversationID, userID, lastMessage.MessageID, lastMessage.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to advance read pointer: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit conversation read: %w", err)
	}
	return nil
}

// GetConversationRead retrieves the read pointer, nil when the user has never
// read the conversation
func (r *ReceiptRepository) GetConversationRead(ctx context.Context, conversationID, userID uuid.UUID) (*domain.ConversationRead, error) {
	query := `
		SELECT conversation_id, user_id, last_read_message_id, last_read_at
		FROM conversation_reads
		WHERE conversation_id = $1 AND user_id = $2
	`
	cr := &domain.ConversationRead{}
	err := r.pool.QueryRow(ctx, query, conversationID, userID).Scan(
		&cr.ConversationID, &cr.UserID, &cr.LastReadMessageID, &cr.LastReadAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get conversation read: %w", err)
	}
	return cr, nil
}
