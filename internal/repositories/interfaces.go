package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/recordsync/recordsync/internal/models"
)

var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when optimistic locking fails
var ErrVersionConflict = errors.New("version conflict: record was modified by another user")

// RecordRepository is the opaque keyed store holding the reviewed records.
// The engine never interprets Data; it only moves it and guards its version.
type RecordRepository interface {
	Get(ctx context.Context, recordID string) (*models.Record, error)

	// CurrentVersion returns the last accepted version for the record, or 0
	// if the record has never been written.
	CurrentVersion(ctx context.Context, recordID string) (int64, error)

	// Apply persists the record if and only if record.Version is exactly one
	// ahead of the stored version (1 for a new record). A stale version
	// returns ErrVersionConflict and leaves the store untouched.
	Apply(ctx context.Context, record *models.Record) error
}

// AuditFilter narrows an audit query. Zero values mean "no constraint".
type AuditFilter struct {
	UserID       string
	EventTypes   []models.AuditEventType
	StartTime    *time.Time
	EndTime      *time.Time
	ConnectionID string
	SessionID    string
	Limit        int
}

type ReportSummary struct {
	TotalEvents  int            `json:"total_events"`
	UniqueUsers  int            `json:"unique_users"`
	SuccessCount int            `json:"success_count"`
	FailureCount int            `json:"failure_count"`
	BySeverity   map[string]int `json:"by_severity"`
}

type AuditReport struct {
	Summary ReportSummary
	GroupBy string
	Buckets map[string]int
}

// MarshalJSON names the grouped section after the grouping column, e.g.
// {"summary": {...}, "by_event_type": {...}}.
func (r AuditReport) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"summary":        r.Summary,
		"by_" + r.GroupBy: r.Buckets,
	})
}

type CleanupResult struct {
	EventsToDelete int `json:"events_to_delete,omitempty"`
	EventsDeleted  int `json:"events_deleted,omitempty"`
}

// AuditRepository is the durable, append-only audit log.
type AuditRepository interface {
	LogAuditEvent(ctx context.Context, event *models.AuditEvent) error

	// QueryAuditEvents returns matching events ordered newest-first.
	QueryAuditEvents(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error)

	// GenerateAuditReport aggregates events in [start, end] grouped by one of
	// event_type, user_id or severity.
	GenerateAuditReport(ctx context.Context, start, end time.Time, groupBy string) (*AuditReport, error)

	// CleanupOldEvents removes events older than cutoff. A dry run only
	// counts; a real run deletes and is idempotent.
	CleanupOldEvents(ctx context.Context, cutoff time.Time, dryRun bool) (*CleanupResult, error)
}
