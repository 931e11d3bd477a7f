package models

import (
	"time"

	"github.com/google/uuid"
)

type AuditEventType string

const (
	AuditSessionStart          AuditEventType = "session_start"
	AuditSessionEnd            AuditEventType = "session_end"
	AuditConnectionEstablished AuditEventType = "connection_established"
	AuditConnectionLost        AuditEventType = "connection_lost"
	AuditRecordView            AuditEventType = "record_view"
	AuditRecordEditStart       AuditEventType = "record_edit_start"
	AuditRecordEditComplete    AuditEventType = "record_edit_complete"
	AuditRecordStatusChange    AuditEventType = "record_status_change"
	AuditSyncConflict          AuditEventType = "sync_conflict"
	AuditBulkOperation         AuditEventType = "bulk_operation"
	AuditSystemError           AuditEventType = "system_error"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// AuditEvent is one append-only entry in the audit trail. Every entry carries
// a non-null timestamp and a non-empty user id; system-originated entries use
// the reserved "system" user.
type AuditEvent struct {
	EventID      uuid.UUID      `json:"event_id"`
	EventType    AuditEventType `json:"event_type"`
	Severity     Severity       `json:"severity"`
	Timestamp    time.Time      `json:"timestamp"`
	UserID       string         `json:"user_id"`
	SessionID    string         `json:"session_id,omitempty"`
	ConnectionID string         `json:"connection_id,omitempty"`
	RecordID     string         `json:"record_id,omitempty"`
	Action       string         `json:"action"`
	Details      map[string]any `json:"details,omitempty"`
	Success      bool           `json:"success"`
	DurationMS   *int64         `json:"duration_ms,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// SystemUserID is the actor recorded on events that no human user initiated.
const SystemUserID = "system"

func NewAuditEvent(eventType AuditEventType, severity Severity, userID, action string) *AuditEvent {
	return &AuditEvent{
		EventID:   uuid.New(),
		EventType: eventType,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		Action:    action,
		Success:   true,
	}
}
