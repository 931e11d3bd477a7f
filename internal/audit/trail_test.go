package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/recordsync/recordsync/internal/models"
	"github.com/recordsync/recordsync/internal/repositories"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTrail(t *testing.T) (*TrailManager, *repositories.MemoryAuditRepository) {
	t.Helper()
	repo := repositories.NewMemoryAuditRepository()
	return NewTrailManager(repo, slog.New(slog.NewTextHandler(io.Discard, nil))), repo
}

func eventsOfType(t *testing.T, repo *repositories.MemoryAuditRepository, eventType models.AuditEventType) []*models.AuditEvent {
	t.Helper()
	events, err := repo.QueryAuditEvents(context.Background(), repositories.AuditFilter{
		EventTypes: []models.AuditEventType{eventType},
	})
	require.NoError(t, err)
	return events
}

func TestSessionLifecycle(t *testing.T) {
	m, repo := newTestTrail(t)
	ctx := context.Background()

	sessionID, err := m.StartUserSession(ctx, "alice", "10.0.0.1", "firefox")
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)
	assert.Equal(t, 1, m.ActiveSessionCount())

	require.NoError(t, m.EndUserSession(ctx, sessionID))
	assert.Equal(t, 0, m.ActiveSessionCount())

	// Every session-end has a matching earlier session-start with the same id.
	starts := eventsOfType(t, repo, models.AuditSessionStart)
	ends := eventsOfType(t, repo, models.AuditSessionEnd)
	require.Len(t, starts, 1)
	require.Len(t, ends, 1)
	assert.Equal(t, sessionID, starts[0].SessionID)
	assert.Equal(t, sessionID, ends[0].SessionID)
	assert.False(t, ends[0].Timestamp.Before(starts[0].Timestamp))
	require.NotNil(t, ends[0].DurationMS)

	assert.Error(t, m.EndUserSession(ctx, sessionID), "double end is rejected")
	assert.Error(t, m.EndUserSession(ctx, "never-started"))
}

func TestStartUserSession_RequiresUser(t *testing.T) {
	m, _ := newTestTrail(t)

	_, err := m.StartUserSession(context.Background(), "", "", "")

	require.Error(t, err)
}

func TestTrackRecordEdit_NormalCompletion(t *testing.T) {
	m, repo := newTestTrail(t)
	ctx := context.Background()

	finish, opID, err := m.TrackRecordEdit(ctx, "alice", "R1", "s-1", map[string]any{"status": "open"})
	require.NoError(t, err)
	require.NotEmpty(t, opID)
	assert.Equal(t, 1, m.ActiveOperationCount())

	finish(nil)

	assert.Equal(t, 0, m.ActiveOperationCount())
	completes := eventsOfType(t, repo, models.AuditRecordEditComplete)
	require.Len(t, completes, 1)
	assert.True(t, completes[0].Success)
	assert.NotNil(t, completes[0].DurationMS)
}

func TestTrackRecordEdit_CleanupOnPanic(t *testing.T) {
	m, repo := newTestTrail(t)
	ctx := context.Background()

	func() {
		defer func() {
			require.NotNil(t, recover(), "the edit body should have panicked")
		}()

		finish, _, err := m.TrackRecordEdit(ctx, "alice", "R1", "s-1", nil)
		require.NoError(t, err)
		defer finish(errors.New("edit aborted"))

		panic("boom")
	}()

	// The operation id must not leak past the panic, and the completion
	// event must still be written.
	assert.Equal(t, 0, m.ActiveOperationCount())
	completes := eventsOfType(t, repo, models.AuditRecordEditComplete)
	require.Len(t, completes, 1)
	assert.False(t, completes[0].Success)
	assert.Equal(t, "edit aborted", completes[0].ErrorMessage)
}

func TestTrackRecordEdit_FinishIsIdempotent(t *testing.T) {
	m, repo := newTestTrail(t)

	finish, _, err := m.TrackRecordEdit(context.Background(), "alice", "R1", "", nil)
	require.NoError(t, err)

	finish(nil)
	finish(errors.New("late call"))

	assert.Len(t, eventsOfType(t, repo, models.AuditRecordEditComplete), 1)
}

func TestLogConnectionEvent_ValidatesType(t *testing.T) {
	m, repo := newTestTrail(t)
	ctx := context.Background()

	require.NoError(t, m.LogConnectionEvent(ctx, models.AuditConnectionEstablished, "alice", "c-1"))
	require.NoError(t, m.LogConnectionEvent(ctx, models.AuditConnectionLost, "alice", "c-1"))
	assert.Error(t, m.LogConnectionEvent(ctx, models.AuditRecordView, "alice", "c-1"))

	events := eventsOfType(t, repo, models.AuditConnectionLost)
	require.Len(t, events, 1)
	assert.Equal(t, "c-1", events[0].ConnectionID)
}

func TestLogSyncConflict(t *testing.T) {
	m, repo := newTestTrail(t)

	err := m.LogSyncConflict(context.Background(), "R1", []string{"alice", "bob"}, "stale_version", "first_writer_wins", 12)
	require.NoError(t, err)

	events := eventsOfType(t, repo, models.AuditSyncConflict)
	require.Len(t, events, 1)
	assert.Equal(t, models.SeverityWarning, events[0].Severity)
	assert.Equal(t, "alice", events[0].UserID)
	assert.Equal(t, []string{"alice", "bob"}, events[0].Details["involved_users"])
}

func TestLogBulkOperation_FailuresMarkUnsuccessful(t *testing.T) {
	m, repo := newTestTrail(t)
	ctx := context.Background()

	require.NoError(t, m.LogBulkOperation(ctx, "alice", "update", 10, 10, 0, 40))
	require.NoError(t, m.LogBulkOperation(ctx, "alice", "update", 10, 7, 3, 55))

	events := eventsOfType(t, repo, models.AuditBulkOperation)
	require.Len(t, events, 2)
	// Newest first.
	assert.False(t, events[0].Success)
	assert.True(t, events[1].Success)
}

func TestLogSystemError(t *testing.T) {
	m, repo := newTestTrail(t)

	require.NoError(t, m.LogSystemError(context.Background(), "broker unreachable", "broadcast", models.SeverityError))

	events := eventsOfType(t, repo, models.AuditSystemError)
	require.Len(t, events, 1)
	assert.Equal(t, models.SystemUserID, events[0].UserID)
	assert.False(t, events[0].Success)
	assert.Equal(t, "broker unreachable", events[0].ErrorMessage)
}

func TestGetSessionActivityReport(t *testing.T) {
	m, _ := newTestTrail(t)
	ctx := context.Background()

	s1, err := m.StartUserSession(ctx, "alice", "", "")
	require.NoError(t, err)
	_, err = m.StartUserSession(ctx, "alice", "", "")
	require.NoError(t, err)
	_, err = m.StartUserSession(ctx, "bob", "", "")
	require.NoError(t, err)
	require.NoError(t, m.EndUserSession(ctx, s1))

	report, err := m.GetSessionActivityReport(ctx, 24)

	require.NoError(t, err)
	assert.Equal(t, 2, report.UniqueUsers)
	assert.Equal(t, 3, report.TotalSessions)
	assert.Equal(t, 2, report.ActiveSessions)
}

func TestGetSessionActivityReport_WindowExcludesOldSessions(t *testing.T) {
	m, repo := newTestTrail(t)
	ctx := context.Background()

	old := models.NewAuditEvent(models.AuditSessionStart, models.SeverityInfo, "carol", "user session started")
	old.SessionID = "ancient"
	old.Timestamp = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, repo.LogAuditEvent(ctx, old))

	_, err := m.StartUserSession(ctx, "alice", "", "")
	require.NoError(t, err)

	report, err := m.GetSessionActivityReport(ctx, 24)

	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalSessions)
	assert.Equal(t, 1, report.UniqueUsers)
}
