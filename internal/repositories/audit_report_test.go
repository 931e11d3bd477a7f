package repositories

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/recordsync/recordsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditReportJSONNamesGroupedSection(t *testing.T) {
	repo := NewMemoryAuditRepository()
	ctx := context.Background()

	require.NoError(t, repo.LogAuditEvent(ctx, models.NewAuditEvent(models.AuditSessionStart, models.SeverityInfo, "alice", "user session started")))
	require.NoError(t, repo.LogAuditEvent(ctx, models.NewAuditEvent(models.AuditRecordView, models.SeverityInfo, "bob", "viewed record")))

	now := time.Now().UTC()
	report, err := repo.GenerateAuditReport(ctx, now.Add(-time.Hour), now.Add(time.Hour), "event_type")
	require.NoError(t, err)

	data, err := json.Marshal(report)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "summary")
	assert.Contains(t, decoded, "by_event_type")
	assert.NotContains(t, decoded, "buckets")
	assert.NotContains(t, decoded, "group_by")

	var buckets map[string]int
	require.NoError(t, json.Unmarshal(decoded["by_event_type"], &buckets))
	assert.Equal(t, 1, buckets["session_start"])
	assert.Equal(t, 1, buckets["record_view"])
}

func TestAuditReportJSONNamesUserGrouping(t *testing.T) {
	report := &AuditReport{
		Summary: ReportSummary{TotalEvents: 3},
		GroupBy: "user_id",
		Buckets: map[string]int{"alice": 2, "bob": 1},
	}

	data, err := json.Marshal(report)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "by_user_id")
}
