// Package cockroach contains the PostgreSQL-compatible repositories backing
// the realtime core.
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

// CallRepository handles call, participant and event data operations
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

const callColumns = `call_id, conversation_id, initiator_id, kind, status, started_at, ended_at, duration`

func scanCall(row pgx.Row) (*domain.Call, error) {
	call := &domain.Call{}
	err := row.Scan(
		&call.CallID,
		&call.ConversationID,
		&call.InitiatorID,
		&call.Kind,
		&call.Status,
		&call.StartedAt,
		&call.EndedAt,
		&call.Duration,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, fmt.Errorf("failed to scan call: %w", err)
	}
	return call, nil
}

// CreateCallWithParticipants inserts the call and its initial participant set
// in one transaction
func (r *CallRepository) CreateCallWithParticipants(ctx context.Context, call *domain.Call, participants []*domain.CallParticipant) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO calls (call_id, conversation_id, initiator_id, kind, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, call.CallID, call.ConversationID, call.InitiatorID, call.Kind, call.Status, call.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}

	batch := &pgx.Batch{}
	for _, p := range participants {
		batch.Queue(`
			INSERT INTO call_participants (call_id, user_id, status, joined_at, is_muted, is_video_off)
			VALUES ($1, $2, $3, $4, false, false)
		`, p.CallID, p.UserID, p.Status, p.JoinedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to create participants: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit call creation: %w", err)
	}
	return nil
}

// GetCall retrieves a call by ID
func (r *CallRepository) GetCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE call_id = $1`
	return scanCall(r.pool.QueryRow(ctx, query, callID))
}

// UpdateCallStatus advances the call status without touching timestamps.
// Guarded to non-terminal calls and forward-only, so a settled or answered
// call is never dragged backwards by a racing writer. No row updated surfaces
// as CallNotFound; callers treat it as a lost race.
func (r *CallRepository) UpdateCallStatus(ctx context.Context, callID uuid.UUID, status domain.CallStatus) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE calls
		SET status = $2
		WHERE call_id = $1
		  AND status IN ('CALLING', 'RINGING', 'ACTIVE')
		  AND NOT (status = 'ACTIVE' AND $2 IN ('CALLING', 'RINGING'))
	`, callID, status)
	if err != nil {
		return fmt.Errorf("failed to update call status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.CallNotFoundError()
	}
	return nil
}

// TerminateCall moves a non-terminal call to the given terminal status,
// stamping ended_at and the whole-second duration. Returns the updated call,
// or CallNotFound when the call was already terminal (the guard makes
// termination idempotent under racing writers).
func (r *CallRepository) TerminateCall(ctx context.Context, callID uuid.UUID, status domain.CallStatus) (*domain.Call, error) {
	query := `
		UPDATE calls
		SET status = $2,
		    ended_at = NOW(),
		    duration = EXTRACT(EPOCH FROM (NOW() - started_at))::INT
		WHERE call_id = $1 AND status IN ('CALLING', 'RINGING', 'ACTIVE')
		RETURNING ` + callColumns
	return scanCall(r.pool.QueryRow(ctx, query, callID, status))
}

// EndCall ends the call and moves every joined participant to LEFT in one
// transaction
func (r *CallRepository) EndCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE calls
		SET status = 'ENDED',
		    ended_at = NOW(),
		    duration = EXTRACT(EPOCH FROM (NOW() - started_at))::INT
		WHERE call_id = $1 AND status IN ('CALLING', 'RINGING', 'ACTIVE')
		RETURNING ` + callColumns
	call, err := scanCall(tx.QueryRow(ctx, query, callID))
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE call_participants
		SET status = 'LEFT', left_at = NOW()
		WHERE call_id = $1 AND status = 'JOINED'
	`, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark participants left: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit call end: %w", err)
	}
	return call, nil
}

// ListUserCalls retrieves call history for a user, newest first
func (r *CallRepository) ListUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	query := `
		SELECT DISTINCT c.call_id, c.conversation_id, c.initiator_id, c.kind, c.status,
		       c.started_at, c.ended_at, c.duration
		FROM calls c
		LEFT JOIN call_participants cp ON c.call_id = cp.call_id
		WHERE c.initiator_id = $1 OR cp.user_id = $1
		ORDER BY c.started_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list user calls: %w", err)
	}
	defer rows.Close()

	var calls []*domain.Call
	for rows.Next() {
		call := &domain.Call{}
		err := rows.Scan(
			&call.CallID,
			&call.ConversationID,
			&call.InitiatorID,
			&call.Kind,
			&call.Status,
			&call.StartedAt,
			&call.EndedAt,
			&call.Duration,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}
	return calls, rows.Err()
}

// GetParticipant retrieves a single participant row
func (r *CallRepository) GetParticipant(ctx context.Context, callID, userID uuid.UUID) (*domain.CallParticipant, error) {
	query := `
		SELECT call_id, user_id, status, joined_at, left_at, is_muted, is_video_off
		FROM call_participants
		WHERE call_id = $1 AND user_id = $2
	`
	p := &domain.CallParticipant{}
	err := r.pool.QueryRow(ctx, query, callID, userID).Scan(
		&p.CallID, &p.UserID, &p.Status, &p.JoinedAt, &p.LeftAt, &p.IsMuted, &p.IsVideoOff,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotParticipantError()
		}
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	return p, nil
}

// GetParticipants retrieves all participants in a call
func (r *CallRepository) GetParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error) {
	query := `
		SELECT call_id, user_id, status, joined_at, left_at, is_muted, is_video_off
		FROM call_participants
		WHERE call_id = $1
		ORDER BY joined_at ASC NULLS LAST
	`
	rows, err := r.pool.Query(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	var participants []*domain.CallParticipant
	for rows.Next() {
		p := &domain.CallParticipant{}
		err := rows.Scan(&p.CallID, &p.UserID, &p.Status, &p.JoinedAt, &p.LeftAt, &p.IsMuted, &p.IsVideoOff)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// MarkParticipantJoined upserts a participant row into JOINED. Creating on
// conflict covers the group-call case where a user joins without an invite,
// and re-joining after LEFT. The join only lands while the call itself is
// still live; 0 rows surfaces as CallNotFound so a join racing a termination
// loses cleanly.
func (r *CallRepository) MarkParticipantJoined(ctx context.Context, callID, userID uuid.UUID) error {
	query := `
		INSERT INTO call_participants (call_id, user_id, status, joined_at, is_muted, is_video_off)
		SELECT call_id, $2, 'JOINED', NOW(), false, false
		FROM calls
		WHERE call_id = $1 AND status IN ('CALLING', 'RINGING', 'ACTIVE')
		ON CONFLICT (call_id, user_id)
		DO UPDATE SET status = 'JOINED', joined_at = NOW(), left_at = NULL
	`
	tag, err := r.pool.Exec(ctx, query, callID, userID)
	if err != nil {
		return fmt.Errorf("failed to mark participant joined: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.CallNotFoundError()
	}
	return nil
}

// MarkParticipantLeft sets a participant to LEFT with a timestamp
func (r *CallRepository) MarkParticipantLeft(ctx context.Context, callID, userID uuid.UUID) error {
	query := `
		UPDATE call_participants
		SET status = 'LEFT', left_at = NOW()
		WHERE call_id = $1 AND user_id = $2
	`
	_, err := r.pool.Exec(ctx, query, callID, userID)
	if err != nil {
		return fmt.Errorf("failed to mark participant left: %w", err)
	}
	return nil
}

// SetParticipantStatus sets a bare participant status (RINGING, REJECTED, MISSED)
func (r *CallRepository) SetParticipantStatus(ctx context.Context, callID, userID uuid.UUID, status domain.ParticipantStatus) error {
	query := `UPDATE call_participants SET status = $3 WHERE call_id = $1 AND user_id = $2`
	_, err := r.pool.Exec(ctx, query, callID, userID, status)
	if err != nil {
		return fmt.Errorf("failed to set participant status: %w", err)
	}
	return nil
}

// MarkUnansweredMissed moves every still-pending participant of a call to MISSED
func (r *CallRepository) MarkUnansweredMissed(ctx context.Context, callID uuid.UUID) error {
	query := `
		UPDATE call_participants
		SET status = 'MISSED'
		WHERE call_id = $1 AND status IN ('INVITED', 'RINGING')
	`
	_, err := r.pool.Exec(ctx, query, callID)
	if err != nil {
		return fmt.Errorf("failed to mark participants missed: %w", err)
	}
	return nil
}

// UpdateParticipantMedia updates a participant's mute/video flags
func (r *CallRepository) UpdateParticipantMedia(ctx context.Context, callID, userID uuid.UUID, isMuted, isVideoOff bool) error {
	query := `
		UPDATE call_participants
		SET is_muted = $3, is_video_off = $4
		WHERE call_id = $1 AND user_id = $2
	`
	_, err := r.pool.Exec(ctx, query, callID, userID, isMuted, isVideoOff)
	if err != nil {
		return fmt.Errorf("failed to update participant media: %w", err)
	}
	return nil
}

// CountJoined returns the number of participants currently JOINED
func (r *CallRepository) CountJoined(ctx context.Context, callID uuid.UUID) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM call_participants WHERE call_id = $1 AND status = 'JOINED'`,
		callID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count joined participants: %w", err)
	}
	return count, nil
}

// AppendEvent writes an audit log row. Rows are write-once.
func (r *CallRepository) AppendEvent(ctx context.Context, event *domain.CallEvent) error {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO call_events (event_id, call_id, user_id, event_type, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.pool.Exec(ctx, query,
		event.EventID, event.CallID, event.UserID, event.Type, event.Metadata, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append call event: %w", err)
	}
	return nil
}
