package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/recordsync/recordsync/internal/models"
)

const clientBufferSize = 64

type subscriber struct {
	conn   *models.ClientConnection
	topics map[string]struct{}
	events chan *models.SyncEvent
}

func (s *subscriber) wants(recordID string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[recordID]
	return ok
}

// MemoryBroker fans events out to in-process per-client buffers. Used in
// tests and single-node mode. A client that cannot keep up loses events
// rather than blocking the publisher.
type MemoryBroker struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	dropped     atomic.Int64

	logger *slog.Logger
}

func NewMemoryBroker(logger *slog.Logger) *MemoryBroker {
	return &MemoryBroker{
		subscribers: make(map[string]*subscriber),
		logger:      logger,
	}
}

func (b *MemoryBroker) PublishEvent(ctx context.Context, event *models.SyncEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if !sub.wants(event.RecordID) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			b.dropped.Add(1)
			b.logger.Warn("client buffer full, dropping event",
				"connection_id", sub.conn.ConnectionID, "record_id", event.RecordID)
		}
	}
	return nil
}

func (b *MemoryBroker) PublishBulkEvents(ctx context.Context, events []*models.SyncEvent) error {
	if len(events) == 0 {
		return nil
	}
	// A bulk batch is delivered as one envelope event so clients see a single
	// notification, not a flood of per-record ones.
	envelope := models.NewSyncEvent("", models.EventBulk, map[string]any{
		"count": len(events),
	}, events[0].UserID, events[0].Version)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		select {
		case sub.events <- envelope:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

func (b *MemoryBroker) SubscribeClient(ctx context.Context, conn *models.ClientConnection, subscriptions []string) error {
	if conn == nil || conn.ConnectionID == "" {
		return fmt.Errorf("cannot subscribe connection without an id")
	}

	topics := make(map[string]struct{}, len(subscriptions))
	for _, topic := range subscriptions {
		topics[topic] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[conn.ConnectionID] = &subscriber{
		conn:   conn,
		topics: topics,
		events: make(chan *models.SyncEvent, clientBufferSize),
	}
	return nil
}

func (b *MemoryBroker) UnsubscribeClient(ctx context.Context, connectionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[connectionID]; ok {
		close(sub.events)
		delete(b.subscribers, connectionID)
	}
	return nil
}

func (b *MemoryBroker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Events exposes a client's delivery buffer. The channel closes on
// unsubscribe.
func (b *MemoryBroker) Events(connectionID string) (<-chan *models.SyncEvent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, ok := b.subscribers[connectionID]
	if !ok {
		return nil, false
	}
	return sub.events, true
}
