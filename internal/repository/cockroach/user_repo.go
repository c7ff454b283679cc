package cockroach

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UserRepository exposes user existence checks. User CRUD lives in the
// identity service.
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new user repository
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// Exists reports whether the user exists
func (r *UserRepository) Exists(ctx context.Context, userID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE user_id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check user existence: %w", err)
	}
	return exists, nil
}

// Missing returns the subset of the given user ids that do not exist
func (r *UserRepository) Missing(ctx context.Context, userIDs []uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT candidate
		FROM UNNEST($1::UUID[]) AS candidate
		WHERE candidate NOT IN (SELECT user_id FROM users)
	`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to check users: %w", err)
	}
	defer rows.Close()

	var missing []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		missing = append(missing, id)
	}
	return missing, rows.Err()
}
