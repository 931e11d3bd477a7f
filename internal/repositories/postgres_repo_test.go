package repositories

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/recordsync/recordsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getTestPool connects to the database named by TEST_DATABASE_URL, or skips
// the test when none is configured.
func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping postgres-backed tests")
	}
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgresRecordRepository_OptimisticLocking(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresRecordRepository(pool)
	ctx := context.Background()

	recordID := "test-" + uuid.NewString()
	t.Cleanup(func() {
		pool.Exec(ctx, `DELETE FROM records WHERE record_id = $1`, recordID)
	})

	// Create at version 1
	err := repo.Apply(ctx, &models.Record{
		RecordID: recordID, Data: map[string]any{"a": float64(1)}, Version: 1, UpdatedBy: "alice",
	})
	require.NoError(t, err)

	// Update with the correct next version
	err = repo.Apply(ctx, &models.Record{
		RecordID: recordID, Data: map[string]any{"a": float64(2)}, Version: 2, UpdatedBy: "alice",
	})
	require.NoError(t, err)

	// Stale writer loses
	err = repo.Apply(ctx, &models.Record{
		RecordID: recordID, Data: map[string]any{"a": float64(99)}, Version: 2, UpdatedBy: "bob",
	})
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, err := repo.Get(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "alice", got.UpdatedBy)

	version, err := repo.CurrentVersion(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
}

func TestPostgresAuditRepository_LogQueryCleanup(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresAuditRepository(pool)
	ctx := context.Background()

	userID := "test-" + uuid.NewString()
	t.Cleanup(func() {
		pool.Exec(ctx, `DELETE FROM audit_events WHERE user_id = $1`, userID)
	})

	old := models.NewAuditEvent(models.AuditRecordView, models.SeverityInfo, userID, "viewed record")
	old.Timestamp = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, repo.LogAuditEvent(ctx, old))

	recent := models.NewAuditEvent(models.AuditRecordEditComplete, models.SeverityInfo, userID, "completed edit")
	recent.RecordID = "R1"
	recent.Details = map[string]any{"field": "status"}
	require.NoError(t, repo.LogAuditEvent(ctx, recent))

	events, err := repo.QueryAuditEvents(ctx, AuditFilter{UserID: userID, Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, recent.EventID, events[0].EventID, "newest first")

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	result, err := repo.CleanupOldEvents(ctx, cutoff, true)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.EventsToDelete, 1)
}
