package connections

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/recordsync/recordsync/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	presenceKeyPrefix = "presence:"
	presenceTTL       = 60 * time.Second // expires without a heartbeat
)

// RedisPresenceStore mirrors connection liveness into redis with a TTL, so a
// dead node's connections fall out automatically.
type RedisPresenceStore struct {
	client *redis.Client
}

func NewRedisPresenceStore(client *redis.Client) *RedisPresenceStore {
	return &RedisPresenceStore{client: client}
}

func (s *RedisPresenceStore) SetPresence(ctx context.Context, conn *models.ClientConnection) error {
	data, err := json.Marshal(conn)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	key := presenceKey(conn.ConnectionID)
	if err := s.client.Set(ctx, key, data, presenceTTL).Err(); err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}
	return nil
}

func (s *RedisPresenceStore) DeletePresence(ctx context.Context, connectionID string) error {
	if err := s.client.Del(ctx, presenceKey(connectionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}
	return nil
}

func presenceKey(connectionID string) string {
	return presenceKeyPrefix + connectionID
}
