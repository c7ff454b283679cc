package cockroach

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PairingRepository records anonymous matchmaking pairings for history.
// Writes are best-effort: the pairing hot path never waits on them.
type PairingRepository struct {
	pool *pgxpool.Pool
}

// NewPairingRepository creates a new pairing repository
func NewPairingRepository(pool *pgxpool.Pool) *PairingRepository {
	return &PairingRepository{pool: pool}
}

// Create inserts a pairing record for two connection identities
func (r *PairingRepository) Create(ctx context.Context, connA, connB string) error {
	query := `
		INSERT INTO pairings (pairing_id, conn_a, conn_b, matched_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.pool.Exec(ctx, query, uuid.New(), connA, connB, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record pairing: %w", err)
	}
	return nil
}
