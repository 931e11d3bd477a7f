// Package broker provides the publish/subscribe fan-out of change events to
// connected clients. The broker knows nothing about conflict resolution or
// persistence: by the time publish is attempted the mutation has already
// committed, so a broker failure is a delivery concern, never a data concern.
package broker

import (
	"context"

	"github.com/recordsync/recordsync/internal/models"
)

type EventBroker interface {
	PublishEvent(ctx context.Context, event *models.SyncEvent) error

	// PublishBulkEvents delivers the batch as a single bulk notification,
	// distinct from per-record events.
	PublishBulkEvents(ctx context.Context, events []*models.SyncEvent) error

	// SubscribeClient starts delivering events for the given topics (record
	// ids) to the connection. An empty topic list means everything.
	SubscribeClient(ctx context.Context, conn *models.ClientConnection, subscriptions []string) error

	UnsubscribeClient(ctx context.Context, connectionID string) error

	// SubscriberCount reports how many clients currently hold a delivery
	// buffer.
	SubscriberCount() int
}
