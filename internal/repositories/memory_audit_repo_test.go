package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/recordsync/recordsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func auditEventAt(t *testing.T, userID string, eventType models.AuditEventType, ts time.Time) *models.AuditEvent {
	t.Helper()
	event := models.NewAuditEvent(eventType, models.SeverityInfo, userID, "test action")
	event.Timestamp = ts
	return event
}

func TestMemoryAuditRepository_QueryNewestFirstWithLimit(t *testing.T) {
	repo := NewMemoryAuditRepository()
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		event := auditEventAt(t, "alice", models.AuditRecordView, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, repo.LogAuditEvent(ctx, event))
	}

	events, err := repo.QueryAuditEvents(ctx, AuditFilter{Limit: 3})

	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, base.Add(4*time.Minute), events[0].Timestamp)
	assert.Equal(t, base.Add(3*time.Minute), events[1].Timestamp)
	assert.Equal(t, base.Add(2*time.Minute), events[2].Timestamp)
	for _, event := range events {
		assert.False(t, event.Timestamp.IsZero())
		assert.NotEmpty(t, event.UserID)
	}
}

func TestMemoryAuditRepository_WindowIsInclusive(t *testing.T) {
	repo := NewMemoryAuditRepository()
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for _, offset := range []time.Duration{-time.Hour, 0, 30 * time.Minute, time.Hour, 2 * time.Hour} {
		require.NoError(t, repo.LogAuditEvent(ctx, auditEventAt(t, "alice", models.AuditRecordView, base.Add(offset))))
	}

	start := base
	end := base.Add(time.Hour)
	events, err := repo.QueryAuditEvents(ctx, AuditFilter{StartTime: &start, EndTime: &end})

	require.NoError(t, err)
	require.Len(t, events, 3, "events exactly on both boundaries are included")
	for _, event := range events {
		assert.False(t, event.Timestamp.Before(start))
		assert.False(t, event.Timestamp.After(end))
	}
}

func TestMemoryAuditRepository_FilterByUserTypeSession(t *testing.T) {
	repo := NewMemoryAuditRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	viewed := auditEventAt(t, "alice", models.AuditRecordView, now)
	viewed.SessionID = "s-1"
	require.NoError(t, repo.LogAuditEvent(ctx, viewed))
	require.NoError(t, repo.LogAuditEvent(ctx, auditEventAt(t, "bob", models.AuditRecordView, now)))
	require.NoError(t, repo.LogAuditEvent(ctx, auditEventAt(t, "alice", models.AuditSessionStart, now)))

	events, err := repo.QueryAuditEvents(ctx, AuditFilter{
		UserID:     "alice",
		EventTypes: []models.AuditEventType{models.AuditRecordView},
		SessionID:  "s-1",
	})

	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, viewed.EventID, events[0].EventID)
}

func TestMemoryAuditRepository_Report(t *testing.T) {
	repo := NewMemoryAuditRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.LogAuditEvent(ctx, auditEventAt(t, "alice", models.AuditRecordView, now)))
	require.NoError(t, repo.LogAuditEvent(ctx, auditEventAt(t, "alice", models.AuditRecordEditStart, now)))
	failed := auditEventAt(t, "bob", models.AuditSystemError, now)
	failed.Success = false
	failed.Severity = models.SeverityError
	require.NoError(t, repo.LogAuditEvent(ctx, failed))

	report, err := repo.GenerateAuditReport(ctx, now.Add(-time.Hour), now.Add(time.Hour), "user_id")

	require.NoError(t, err)
	assert.Equal(t, 3, report.Summary.TotalEvents)
	assert.Equal(t, 2, report.Summary.UniqueUsers)
	assert.Equal(t, 2, report.Summary.SuccessCount)
	assert.Equal(t, 1, report.Summary.FailureCount)
	assert.Equal(t, map[string]int{"alice": 2, "bob": 1}, report.Buckets)
	assert.Equal(t, 1, report.Summary.BySeverity["error"])
}

func TestMemoryAuditRepository_ReportRejectsUnknownGroupBy(t *testing.T) {
	repo := NewMemoryAuditRepository()

	_, err := repo.GenerateAuditReport(context.Background(), time.Now(), time.Now(), "details; DROP TABLE")

	require.Error(t, err)
}

func TestMemoryAuditRepository_CleanupDryRunThenReal(t *testing.T) {
	repo := NewMemoryAuditRepository()
	ctx := context.Background()
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		require.NoError(t, repo.LogAuditEvent(ctx, auditEventAt(t, "alice", models.AuditRecordView, cutoff.Add(-time.Duration(i+1)*time.Hour))))
	}
	require.NoError(t, repo.LogAuditEvent(ctx, auditEventAt(t, "alice", models.AuditRecordView, cutoff.Add(time.Hour))))

	// Dry run counts without mutating.
	result, err := repo.CleanupOldEvents(ctx, cutoff, true)
	require.NoError(t, err)
	assert.Equal(t, 4, result.EventsToDelete)
	assert.Equal(t, 5, repo.Len())

	// Real run deletes.
	result, err = repo.CleanupOldEvents(ctx, cutoff, false)
	require.NoError(t, err)
	assert.Equal(t, 4, result.EventsDeleted)
	assert.Equal(t, 1, repo.Len())

	// Idempotent: a repeat dry run finds nothing left.
	result, err = repo.CleanupOldEvents(ctx, cutoff, true)
	require.NoError(t, err)
	assert.Equal(t, 0, result.EventsToDelete)
}
