package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/recordsync/recordsync/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	eventsChannel     = "sync:events"
	bulkEventsChannel = "sync:events:bulk"
	subsKeyPrefix     = "broker:conn:%s:subs"
)

// RedisBroker publishes change events on redis pub/sub channels so every node
// carrying websocket clients can forward them. Delivery to the actual remote
// client is the transport layer's job; this broker only owns the fan-out
// contract.
type RedisBroker struct {
	client *redis.Client

	mu          sync.RWMutex
	subscribers map[string]struct{}
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{
		client:      client,
		subscribers: make(map[string]struct{}),
	}
}

func (b *RedisBroker) PublishEvent(ctx context.Context, event *models.SyncEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal sync event: %w", err)
	}

	if err := b.client.Publish(ctx, eventsChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish sync event: %w", err)
	}
	// Per-record channel lets transports subscribe narrowly.
	recordChannel := eventsChannel + ":" + event.RecordID
	if err := b.client.Publish(ctx, recordChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish record event: %w", err)
	}
	return nil
}

func (b *RedisBroker) PublishBulkEvents(ctx context.Context, events []*models.SyncEvent) error {
	if len(events) == 0 {
		return nil
	}
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to marshal bulk events: %w", err)
	}
	if err := b.client.Publish(ctx, bulkEventsChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish bulk events: %w", err)
	}
	return nil
}

func (b *RedisBroker) SubscribeClient(ctx context.Context, conn *models.ClientConnection, subscriptions []string) error {
	if conn == nil || conn.ConnectionID == "" {
		return fmt.Errorf("cannot subscribe connection without an id")
	}

	key := fmt.Sprintf(subsKeyPrefix, conn.ConnectionID)
	if len(subscriptions) > 0 {
		members := make([]any, len(subscriptions))
		for i, topic := range subscriptions {
			members[i] = topic
		}
		if err := b.client.SAdd(ctx, key, members...).Err(); err != nil {
			return fmt.Errorf("failed to record subscriptions: %w", err)
		}
	}

	b.mu.Lock()
	b.subscribers[conn.ConnectionID] = struct{}{}
	b.mu.Unlock()
	return nil
}

func (b *RedisBroker) UnsubscribeClient(ctx context.Context, connectionID string) error {
	key := fmt.Sprintf(subsKeyPrefix, connectionID)
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to clear subscriptions: %w", err)
	}

	b.mu.Lock()
	delete(b.subscribers, connectionID)
	b.mu.Unlock()
	return nil
}

func (b *RedisBroker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
