// Package audit layers session and operation semantics over the append-only
// audit store: session lifecycle, scoped edit tracking, and canned reports.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/recordsync/recordsync/internal/models"
	"github.com/recordsync/recordsync/internal/repositories"
)

type sessionInfo struct {
	UserID    string
	StartedAt time.Time
	IPAddress string
	UserAgent string
}

type operationInfo struct {
	UserID    string
	RecordID  string
	SessionID string
	StartedAt time.Time
}

type SessionActivityReport struct {
	UniqueUsers    int `json:"unique_users"`
	TotalSessions  int `json:"total_sessions"`
	ActiveSessions int `json:"active_sessions"`
}

// TrailManager owns the active-sessions and active-operations registries.
// Both are mutated only here, from add/remove paths that run under
// guaranteed-cleanup scopes, so an exception in the caller cannot leak
// entries.
type TrailManager struct {
	repo   repositories.AuditRepository
	logger *slog.Logger

	mu             sync.Mutex
	activeSessions map[string]*sessionInfo
	activeOps      map[string]*operationInfo
}

func NewTrailManager(repo repositories.AuditRepository, logger *slog.Logger) *TrailManager {
	return &TrailManager{
		repo:           repo,
		logger:         logger,
		activeSessions: make(map[string]*sessionInfo),
		activeOps:      make(map[string]*operationInfo),
	}
}

// StartUserSession opens a session and logs its start event.
func (m *TrailManager) StartUserSession(ctx context.Context, userID, ipAddress, userAgent string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id is required to start a session")
	}

	sessionID := uuid.NewString()
	m.mu.Lock()
	m.activeSessions[sessionID] = &sessionInfo{
		UserID:    userID,
		StartedAt: time.Now().UTC(),
		IPAddress: ipAddress,
		UserAgent: userAgent,
	}
	m.mu.Unlock()

	event := models.NewAuditEvent(models.AuditSessionStart, models.SeverityInfo, userID, "user session started")
	event.SessionID = sessionID
	event.Details = map[string]any{}
	if ipAddress != "" {
		event.Details["ip_address"] = ipAddress
	}
	if userAgent != "" {
		event.Details["user_agent"] = userAgent
	}

	if err := m.repo.LogAuditEvent(ctx, event); err != nil {
		m.mu.Lock()
		delete(m.activeSessions, sessionID)
		m.mu.Unlock()
		return "", fmt.Errorf("failed to log session start: %w", err)
	}
	return sessionID, nil
}

// EndUserSession closes a session and logs its end event with the session
// duration.
func (m *TrailManager) EndUserSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	info, ok := m.activeSessions[sessionID]
	if ok {
		delete(m.activeSessions, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}

	duration := time.Since(info.StartedAt).Milliseconds()
	event := models.NewAuditEvent(models.AuditSessionEnd, models.SeverityInfo, info.UserID, "user session ended")
	event.SessionID = sessionID
	event.DurationMS = &duration
	return m.repo.LogAuditEvent(ctx, event)
}

func (m *TrailManager) LogRecordView(ctx context.Context, userID, recordID, sessionID string) error {
	event := models.NewAuditEvent(models.AuditRecordView, models.SeverityInfo, userID, "viewed record")
	event.RecordID = recordID
	event.SessionID = sessionID
	return m.repo.LogAuditEvent(ctx, event)
}

func (m *TrailManager) LogRecordStatusChange(ctx context.Context, userID, recordID, sessionID, beforeStatus, afterStatus string) error {
	event := models.NewAuditEvent(models.AuditRecordStatusChange, models.SeverityInfo, userID,
		fmt.Sprintf("changed record status from %q to %q", beforeStatus, afterStatus))
	event.RecordID = recordID
	event.SessionID = sessionID
	event.Details = map[string]any{
		"before_status": beforeStatus,
		"after_status":  afterStatus,
	}
	return m.repo.LogAuditEvent(ctx, event)
}

// LogConnectionEvent records a connection being established or lost.
func (m *TrailManager) LogConnectionEvent(ctx context.Context, eventType models.AuditEventType, userID, connectionID string) error {
	if eventType != models.AuditConnectionEstablished && eventType != models.AuditConnectionLost {
		return fmt.Errorf("invalid connection event type %q", eventType)
	}

	action := "connection established"
	if eventType == models.AuditConnectionLost {
		action = "connection lost"
	}
	event := models.NewAuditEvent(eventType, models.SeverityInfo, userID, action)
	event.ConnectionID = connectionID
	return m.repo.LogAuditEvent(ctx, event)
}

// LogSyncConflict records a rejected concurrent edit for later forensics.
func (m *TrailManager) LogSyncConflict(ctx context.Context, recordID string, involvedUsers []string, conflictType, resolution string, resolutionTimeMS int64) error {
	userID := models.SystemUserID
	if len(involvedUsers) > 0 {
		userID = involvedUsers[0]
	}

	event := models.NewAuditEvent(models.AuditSyncConflict, models.SeverityWarning, userID, "sync conflict detected")
	event.RecordID = recordID
	event.DurationMS = &resolutionTimeMS
	event.Details = map[string]any{
		"involved_users": involvedUsers,
		"conflict_type":  conflictType,
		"resolution":     resolution,
	}
	return m.repo.LogAuditEvent(ctx, event)
}

func (m *TrailManager) LogBulkOperation(ctx context.Context, userID, operationType string, recordCount, successCount, failureCount int, durationMS int64) error {
	event := models.NewAuditEvent(models.AuditBulkOperation, models.SeverityInfo, userID,
		fmt.Sprintf("bulk %s over %d records", operationType, recordCount))
	event.Success = failureCount == 0
	event.DurationMS = &durationMS
	event.Details = map[string]any{
		"operation_type": operationType,
		"record_count":   recordCount,
		"success_count":  successCount,
		"failure_count":  failureCount,
	}
	return m.repo.LogAuditEvent(ctx, event)
}

func (m *TrailManager) LogSystemError(ctx context.Context, errorMessage, errorType string, severity models.Severity) error {
	event := models.NewAuditEvent(models.AuditSystemError, severity, models.SystemUserID, "system error")
	event.Success = false
	event.ErrorMessage = errorMessage
	event.Details = map[string]any{"error_type": errorType}
	return m.repo.LogAuditEvent(ctx, event)
}

// TrackRecordEdit opens a scoped edit: it registers an operation id, emits an
// edit-start event, and returns a finish func the caller must defer. Finish
// always removes the id from the active-operations registry and emits the
// edit-complete event, whether the edit succeeded, failed, or panicked.
func (m *TrailManager) TrackRecordEdit(ctx context.Context, userID, recordID, sessionID string, beforeState map[string]any) (func(err error), string, error) {
	opID := uuid.NewString()
	startedAt := time.Now().UTC()

	m.mu.Lock()
	m.activeOps[opID] = &operationInfo{
		UserID:    userID,
		RecordID:  recordID,
		SessionID: sessionID,
		StartedAt: startedAt,
	}
	m.mu.Unlock()

	start := models.NewAuditEvent(models.AuditRecordEditStart, models.SeverityInfo, userID, "record edit started")
	start.RecordID = recordID
	start.SessionID = sessionID
	if beforeState != nil {
		start.Details = map[string]any{"before_state": beforeState}
	}
	if err := m.repo.LogAuditEvent(ctx, start); err != nil {
		m.mu.Lock()
		delete(m.activeOps, opID)
		m.mu.Unlock()
		return nil, "", fmt.Errorf("failed to log edit start: %w", err)
	}

	var once sync.Once
	finish := func(editErr error) {
		once.Do(func() {
			m.mu.Lock()
			delete(m.activeOps, opID)
			m.mu.Unlock()

			duration := time.Since(startedAt).Milliseconds()
			complete := models.NewAuditEvent(models.AuditRecordEditComplete, models.SeverityInfo, userID, "record edit completed")
			complete.RecordID = recordID
			complete.SessionID = sessionID
			complete.DurationMS = &duration
			if editErr != nil {
				complete.Success = false
				complete.Severity = models.SeverityWarning
				complete.ErrorMessage = editErr.Error()
			}
			if err := m.repo.LogAuditEvent(ctx, complete); err != nil {
				m.logger.Error("failed to log edit completion", "record_id", recordID, "error", err)
			}
		})
	}
	return finish, opID, nil
}

// GetSessionActivityReport summarizes session activity over the trailing
// window by pairing session-start and session-end events.
func (m *TrailManager) GetSessionActivityReport(ctx context.Context, hours int) (*SessionActivityReport, error) {
	start := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	events, err := m.repo.QueryAuditEvents(ctx, repositories.AuditFilter{
		EventTypes: []models.AuditEventType{models.AuditSessionStart, models.AuditSessionEnd},
		StartTime:  &start,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query session events: %w", err)
	}

	users := make(map[string]struct{})
	started := make(map[string]bool)
	ended := make(map[string]bool)
	for _, event := range events {
		switch event.EventType {
		case models.AuditSessionStart:
			users[event.UserID] = struct{}{}
			started[event.SessionID] = true
		case models.AuditSessionEnd:
			ended[event.SessionID] = true
		}
	}

	report := &SessionActivityReport{
		UniqueUsers:   len(users),
		TotalSessions: len(started),
	}
	for sessionID := range started {
		if !ended[sessionID] {
			report.ActiveSessions++
		}
	}
	return report, nil
}

// ActiveOperationCount reports how many scoped edits are currently open.
func (m *TrailManager) ActiveOperationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.activeOps)
}

// ActiveSessionCount reports how many sessions are currently open.
func (m *TrailManager) ActiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.activeSessions)
}
