package repositories

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/recordsync/recordsync/internal/models"
)

// MemoryAuditRepository is an in-memory AuditRepository with the same query
// semantics as the postgres implementation. Used by tests and single-node
// mode.
type MemoryAuditRepository struct {
	mu     sync.Mutex
	events []*models.AuditEvent
}

func NewMemoryAuditRepository() *MemoryAuditRepository {
	return &MemoryAuditRepository{}
}

func (r *MemoryAuditRepository) LogAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *event
	r.events = append(r.events, &copied)
	return nil
}

func (r *MemoryAuditRepository) QueryAuditEvents(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*models.AuditEvent
	for _, event := range r.events {
		if !matches(event, filter) {
			continue
		}
		copied := *event
		matched = append(matched, &copied)
	}

	// Newest first; insertion order breaks timestamp ties.
	slices.Reverse(matched)
	slices.SortStableFunc(matched, func(a, b *models.AuditEvent) int {
		return b.Timestamp.Compare(a.Timestamp)
	})

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func matches(event *models.AuditEvent, filter AuditFilter) bool {
	if filter.UserID != "" && event.UserID != filter.UserID {
		return false
	}
	if len(filter.EventTypes) > 0 && !slices.Contains(filter.EventTypes, event.EventType) {
		return false
	}
	if filter.StartTime != nil && event.Timestamp.Before(*filter.StartTime) {
		return false
	}
	if filter.EndTime != nil && event.Timestamp.After(*filter.EndTime) {
		return false
	}
	if filter.ConnectionID != "" && event.ConnectionID != filter.ConnectionID {
		return false
	}
	if filter.SessionID != "" && event.SessionID != filter.SessionID {
		return false
	}
	return true
}

func (r *MemoryAuditRepository) GenerateAuditReport(ctx context.Context, start, end time.Time, groupBy string) (*AuditReport, error) {
	if !groupByColumns[groupBy] {
		return nil, fmt.Errorf("unsupported group_by column %q", groupBy)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	report := &AuditReport{
		GroupBy: groupBy,
		Buckets: make(map[string]int),
		Summary: ReportSummary{BySeverity: make(map[string]int)},
	}
	users := make(map[string]struct{})

	for _, event := range r.events {
		if event.Timestamp.Before(start) || event.Timestamp.After(end) {
			continue
		}
		report.Summary.TotalEvents++
		users[event.UserID] = struct{}{}
		if event.Success {
			report.Summary.SuccessCount++
		} else {
			report.Summary.FailureCount++
		}
		report.Summary.BySeverity[string(event.Severity)]++

		switch groupBy {
		case "event_type":
			report.Buckets[string(event.EventType)]++
		case "user_id":
			report.Buckets[event.UserID]++
		case "severity":
			report.Buckets[string(event.Severity)]++
		}
	}

	report.Summary.UniqueUsers = len(users)
	return report, nil
}

func (r *MemoryAuditRepository) CleanupOldEvents(ctx context.Context, cutoff time.Time, dryRun bool) (*CleanupResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dryRun {
		count := 0
		for _, event := range r.events {
			if event.Timestamp.Before(cutoff) {
				count++
			}
		}
		return &CleanupResult{EventsToDelete: count}, nil
	}

	kept := r.events[:0]
	deleted := 0
	for _, event := range r.events {
		if event.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, event)
	}
	r.events = kept
	return &CleanupResult{EventsDeleted: deleted}, nil
}

// Len reports how many events the store holds.
func (r *MemoryAuditRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
