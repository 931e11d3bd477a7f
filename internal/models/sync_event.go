package models

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
	EventBulk    EventType = "bulk"
)

// SyncEvent is the change notification broadcast to connected clients after a
// record mutation has been committed. Immutable once constructed.
type SyncEvent struct {
	ID        uuid.UUID      `json:"id"`
	RecordID  string         `json:"record_id"`
	EventType EventType      `json:"event_type"`
	Data      map[string]any `json:"data"`
	UserID    string         `json:"user_id"`
	Version   int64          `json:"version"`
	Timestamp time.Time      `json:"timestamp"`
}

func NewSyncEvent(recordID string, eventType EventType, data map[string]any, userID string, version int64) *SyncEvent {
	return &SyncEvent{
		ID:        uuid.New(),
		RecordID:  recordID,
		EventType: eventType,
		Data:      data,
		UserID:    userID,
		Version:   version,
		Timestamp: time.Now().UTC(),
	}
}
