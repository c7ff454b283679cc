// Package redis contains the fast-store repositories.
package redis

import (
	"context"
	"fmt"

	"meshtalk-backend/internal/database"
	"meshtalk-backend/pkg/constants"
)

// PresenceRepository mirrors live connection presence into Redis with TTL
// expiry. It is a best-effort scaling aid; the in-memory maps stay
// authoritative within a process.
type PresenceRepository struct {
	client *database.RedisClient
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient) *PresenceRepository {
	return &PresenceRepository{client: client}
}

func connKey(connID string) string {
	return fmt.Sprintf("conn:%s", connID)
}

// SetOnline marks a connection as live
func (r *PresenceRepository) SetOnline(ctx context.Context, connID string) error {
	if err := r.client.Client.Set(ctx, connKey(connID), "online", constants.PresenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to set connection online: %w", err)
	}
	if err := r.client.Client.SAdd(ctx, "conns:online", connID).Err(); err != nil {
		return fmt.Errorf("failed to add to online set: %w", err)
	}
	return nil
}

// Refresh extends the TTL of a live connection (heartbeat)
func (r *PresenceRepository) Refresh(ctx context.Context, connID string) error {
	if err := r.client.Client.Expire(ctx, connKey(connID), constants.PresenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

// SetOffline removes a connection's presence
func (r *PresenceRepository) SetOffline(ctx context.Context, connID string) error {
	if err := r.client.Client.Del(ctx, connKey(connID)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}
	if err := r.client.Client.SRem(ctx, "conns:online", connID).Err(); err != nil {
		return fmt.Errorf("failed to remove from online set: %w", err)
	}
	return nil
}

// OnlineCount returns the number of mirrored live connections
func (r *PresenceRepository) OnlineCount(ctx context.Context) (int64, error) {
	count, err := r.client.Client.SCard(ctx, "conns:online").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count online connections: %w", err)
	}
	return count, nil
}
