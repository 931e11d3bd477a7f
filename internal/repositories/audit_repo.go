package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/recordsync/recordsync/internal/models"
)

// groupByColumns whitelists what GenerateAuditReport may group on. Anything
// else would be string-concatenated into SQL.
var groupByColumns = map[string]bool{
	"event_type": true,
	"user_id":    true,
	"severity":   true,
}

type PostgresAuditRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresAuditRepository(pool *pgxpool.Pool) *PostgresAuditRepository {
	return &PostgresAuditRepository{pool: pool}
}

func (r *PostgresAuditRepository) LogAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	query := `INSERT INTO audit_events
	          (event_id, event_type, severity, timestamp, user_id, session_id,
	           connection_id, record_id, action, details, success, duration_ms, error_message)
	          VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''),
	                  $9, $10, $11, $12, NULLIF($13, ''))`

	_, err := r.pool.Exec(ctx, query,
		event.EventID,
		event.EventType,
		event.Severity,
		event.Timestamp,
		event.UserID,
		event.SessionID,
		event.ConnectionID,
		event.RecordID,
		event.Action,
		event.Details,
		event.Success,
		event.DurationMS,
		event.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to log audit event: %w", err)
	}
	return nil
}

func (r *PostgresAuditRepository) QueryAuditEvents(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error) {
	query := `SELECT event_id, event_type, severity, timestamp, user_id,
	                 COALESCE(session_id, ''), COALESCE(connection_id, ''), COALESCE(record_id, ''),
	                 action, details, success, duration_ms, COALESCE(error_message, '')
	          FROM audit_events
	          WHERE 1=1`

	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.UserID != "" {
		query += " AND user_id = " + arg(filter.UserID)
	}
	if len(filter.EventTypes) > 0 {
		types := make([]string, len(filter.EventTypes))
		for i, et := range filter.EventTypes {
			types[i] = string(et)
		}
		query += " AND event_type = ANY(" + arg(types) + ")"
	}
	if filter.StartTime != nil {
		query += " AND timestamp >= " + arg(*filter.StartTime)
	}
	if filter.EndTime != nil {
		query += " AND timestamp <= " + arg(*filter.EndTime)
	}
	if filter.ConnectionID != "" {
		query += " AND connection_id = " + arg(filter.ConnectionID)
	}
	if filter.SessionID != "" {
		query += " AND session_id = " + arg(filter.SessionID)
	}

	query += " ORDER BY timestamp DESC, event_id DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []*models.AuditEvent
	for rows.Next() {
		var event models.AuditEvent
		err := rows.Scan(
			&event.EventID,
			&event.EventType,
			&event.Severity,
			&event.Timestamp,
			&event.UserID,
			&event.SessionID,
			&event.ConnectionID,
			&event.RecordID,
			&event.Action,
			&event.Details,
			&event.Success,
			&event.DurationMS,
			&event.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}
	return events, nil
}

func (r *PostgresAuditRepository) GenerateAuditReport(ctx context.Context, start, end time.Time, groupBy string) (*AuditReport, error) {
	if !groupByColumns[groupBy] {
		return nil, fmt.Errorf("unsupported group_by column %q", groupBy)
	}

	report := &AuditReport{
		GroupBy: groupBy,
		Buckets: make(map[string]int),
		Summary: ReportSummary{BySeverity: make(map[string]int)},
	}

	summaryQuery := `SELECT COUNT(*),
	                        COUNT(DISTINCT user_id),
	                        COUNT(*) FILTER (WHERE success),
	                        COUNT(*) FILTER (WHERE NOT success)
	                 FROM audit_events
	                 WHERE timestamp >= $1 AND timestamp <= $2`

	err := r.pool.QueryRow(ctx, summaryQuery, start, end).Scan(
		&report.Summary.TotalEvents,
		&report.Summary.UniqueUsers,
		&report.Summary.SuccessCount,
		&report.Summary.FailureCount,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build audit report summary: %w", err)
	}

	severityQuery := `SELECT severity, COUNT(*)
	                  FROM audit_events
	                  WHERE timestamp >= $1 AND timestamp <= $2
	                  GROUP BY severity`
	if err := r.scanBuckets(ctx, severityQuery, start, end, report.Summary.BySeverity); err != nil {
		return nil, err
	}

	bucketQuery := fmt.Sprintf(`SELECT %s, COUNT(*)
	                            FROM audit_events
	                            WHERE timestamp >= $1 AND timestamp <= $2
	                            GROUP BY %s`, groupBy, groupBy)
	if err := r.scanBuckets(ctx, bucketQuery, start, end, report.Buckets); err != nil {
		return nil, err
	}

	return report, nil
}

func (r *PostgresAuditRepository) scanBuckets(ctx context.Context, query string, start, end time.Time, out map[string]int) error {
	rows, err := r.pool.Query(ctx, query, start, end)
	if err != nil {
		return fmt.Errorf("failed to query report buckets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("failed to scan report bucket: %w", err)
		}
		out[key] = count
	}
	return rows.Err()
}

func (r *PostgresAuditRepository) CleanupOldEvents(ctx context.Context, cutoff time.Time, dryRun bool) (*CleanupResult, error) {
	if dryRun {
		var count int
		err := r.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM audit_events WHERE timestamp < $1`, cutoff).Scan(&count)
		if err != nil {
			return nil, fmt.Errorf("failed to count old audit events: %w", err)
		}
		return &CleanupResult{EventsToDelete: count}, nil
	}

	tag, err := r.pool.Exec(ctx,
		`DELETE FROM audit_events WHERE timestamp < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to delete old audit events: %w", err)
	}
	return &CleanupResult{EventsDeleted: int(tag.RowsAffected())}, nil
}
