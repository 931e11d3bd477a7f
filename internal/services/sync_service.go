// Package services contains the sync orchestrator: the only entry point
// callers use to apply record updates.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/recordsync/recordsync/internal/audit"
	"github.com/recordsync/recordsync/internal/broker"
	"github.com/recordsync/recordsync/internal/connections"
	"github.com/recordsync/recordsync/internal/locks"
	"github.com/recordsync/recordsync/internal/models"
	"github.com/recordsync/recordsync/internal/repositories"
	"github.com/recordsync/recordsync/internal/resilience"
	"github.com/recordsync/recordsync/internal/syncerrors"
)

const publishBackoff = 25 * time.Millisecond

// RecordUpdate is one entry of a bulk update.
type RecordUpdate struct {
	RecordID string         `json:"record_id"`
	Data     map[string]any `json:"data"`
	UserID   string         `json:"user_id"`
	Version  int64          `json:"version"`
}

// BulkFailure records why one bulk entry was rejected.
type BulkFailure struct {
	RecordID string `json:"record_id"`
	Reason   string `json:"reason"`
}

// BulkResult reports the per-entry outcome of a bulk update.
type BulkResult struct {
	SuccessCount int                 `json:"success_count"`
	FailureCount int                 `json:"failure_count"`
	Failures     []BulkFailure       `json:"failures,omitempty"`
	Events       []*models.SyncEvent `json:"events,omitempty"`
}

type BufferStats struct {
	KnownRecordsCount       int `json:"known_records_count"`
	TotalClientsWithBuffers int `json:"total_clients_with_buffers"`
}

type ErrorMetrics struct {
	CircuitBreakerEnabled bool            `json:"circuit_breaker_enabled"`
	ErrorRecoveryEnabled  bool            `json:"error_recovery_enabled"`
	ServiceHealth         map[string]bool `json:"service_health"`
}

type Config struct {
	MaxPayloadBytes   int
	PublishMaxRetries int
	SweepInterval     time.Duration
}

// SyncService orchestrates validation, conflict detection, persistence,
// broadcast, and auditing for every record update.
type SyncService struct {
	records     repositories.RecordRepository
	locks       *locks.Manager
	broker      broker.EventBroker
	connections *connections.Manager
	trail       *audit.TrailManager
	breaker     *resilience.CircuitBreaker
	recovery    *resilience.ErrorRecoveryManager
	degradation *resilience.DegradationManager

	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	knownRecords map[string]struct{}
	started      bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

func NewSyncService(
	records repositories.RecordRepository,
	lockManager *locks.Manager,
	eventBroker broker.EventBroker,
	connectionManager *connections.Manager,
	trail *audit.TrailManager,
	circuitBreaker *resilience.CircuitBreaker,
	recovery *resilience.ErrorRecoveryManager,
	degradation *resilience.DegradationManager,
	cfg Config,
	logger *slog.Logger,
) *SyncService {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 100 * 1024
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	return &SyncService{
		records:      records,
		locks:        lockManager,
		broker:       eventBroker,
		connections:  connectionManager,
		trail:        trail,
		breaker:      circuitBreaker,
		recovery:     recovery,
		degradation:  degradation,
		cfg:          cfg,
		logger:       logger,
		knownRecords: make(map[string]struct{}),
	}
}

// Start wires the background loops: periodic lock-expiry sweeps and snapshot
// replay once the breaker has closed again. Idempotent.
func (s *SyncService) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.backgroundLoop(loopCtx)
}

// Stop cancels the background loops and waits for them to exit. Safe to call
// on every exit path, including while an operation is in flight.
func (s *SyncService) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

func (s *SyncService) backgroundLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.locks.CleanupExpiredLocks()
			s.replaySnapshots(ctx)
		}
	}
}

// replaySnapshots re-delivers events whose broadcast failed, once the
// breaker is no longer open. The mutations already committed; only the
// notification is owed.
func (s *SyncService) replaySnapshots(ctx context.Context) {
	if s.breaker.State() == resilience.BreakerOpen {
		return
	}
	replayed := s.recovery.Replay(func(snap resilience.OperationSnapshot) error {
		eventType := models.EventUpdated
		if snap.Version == 1 {
			eventType = models.EventCreated
		}
		event := models.NewSyncEvent(snap.RecordID, eventType, snap.Data, snap.UserID, snap.Version)
		return s.breaker.Execute(ctx, func(ctx context.Context) error {
			return s.broker.PublishEvent(ctx, event)
		})
	})
	if replayed > 0 {
		s.logger.Info("replayed buffered broadcasts", "count", replayed)
	}
}

// HandleRecordUpdate validates and applies a single record update, then
// broadcasts and audits it. Exactly one persisted mutation, at most one
// broadcast, one audited action per accepted call; rejected calls change
// nothing.
func (s *SyncService) HandleRecordUpdate(ctx context.Context, recordID string, data map[string]any, userID string, version int64) (*models.SyncEvent, error) {
	const op = "handle_record_update"

	if s.degradation.Status().ShouldThrottle {
		return nil, syncerrors.Unavailable(op, errors.New("system degraded, use manual refresh"))
	}
	if err := s.validatePayload(recordID, data, userID, version); err != nil {
		return nil, err
	}

	started := time.Now()
	event, err := s.applyAndBroadcast(ctx, op, recordID, data, userID, version)
	s.degradation.RecordOperation(time.Since(started), err != nil && !syncerrors.IsVersionConflict(err))
	return event, err
}

func (s *SyncService) applyAndBroadcast(ctx context.Context, op, recordID string, data map[string]any, userID string, version int64) (*models.SyncEvent, error) {
	// The lock manager is the conflict oracle: first caller whose version
	// validates wins, every later caller with the same stale view loses.
	ok, err := s.locks.ValidateVersion(ctx, recordID, version)
	if err != nil {
		return nil, syncerrors.Wrap(op, "lock_manager", err)
	}
	if !ok {
		s.auditConflict(ctx, recordID, userID)
		return nil, syncerrors.VersionConflict(op, locks.ErrStaleVersion)
	}

	finish, _, err := s.trail.TrackRecordEdit(ctx, userID, recordID, "", data)
	if err != nil {
		// Audit unavailability must not block the edit itself.
		s.logger.Error("failed to open audit scope", "record_id", recordID, "error", err)
		finish = func(error) {}
	}

	var opErr error
	defer func() { finish(opErr) }()

	record := &models.Record{
		RecordID:  recordID,
		Data:      data,
		Version:   version,
		UpdatedBy: userID,
	}
	if err := s.records.Apply(ctx, record); err != nil {
		if errors.Is(err, repositories.ErrVersionConflict) {
			s.auditConflict(ctx, recordID, userID)
			opErr = syncerrors.VersionConflict(op, err)
			return nil, opErr
		}
		s.recovery.SetHealth("record_store", false)
		opErr = syncerrors.Wrap(op, "record_store", err)
		return nil, opErr
	}
	s.recovery.SetHealth("record_store", true)
	s.markKnown(recordID)

	eventType := models.EventUpdated
	if version == 1 {
		eventType = models.EventCreated
	}
	event := models.NewSyncEvent(recordID, eventType, data, userID, version)

	// The mutation is committed; from here on a failure is a delivery
	// problem, never a data problem.
	snapshotID := s.recovery.Snapshot(recordID, data, userID, version)
	if err := s.publishWithRetry(ctx, op, func(ctx context.Context) error {
		return s.broker.PublishEvent(ctx, event)
	}); err != nil {
		s.recovery.SetHealth("event_broker", false)
		s.auditBroadcastFailure(ctx, recordID, err)
		opErr = err
		return nil, err
	}
	s.recovery.Release(snapshotID)
	s.recovery.SetHealth("event_broker", true)

	return event, nil
}

// HandleBulkUpdate validates and version-checks each entry independently; a
// failing entry never aborts the batch. Successful entries are broadcast as
// one bulk notification.
func (s *SyncService) HandleBulkUpdate(ctx context.Context, updates []RecordUpdate, initiatingUser string) (*BulkResult, error) {
	const op = "handle_bulk_update"

	if s.degradation.Status().ShouldThrottle {
		return nil, syncerrors.Unavailable(op, errors.New("system degraded, use manual refresh"))
	}

	started := time.Now()
	result := &BulkResult{}

	for _, update := range updates {
		userID := update.UserID
		if userID == "" {
			userID = initiatingUser
		}

		if err := s.validatePayload(update.RecordID, update.Data, userID, update.Version); err != nil {
			result.FailureCount++
			result.Failures = append(result.Failures, BulkFailure{RecordID: update.RecordID, Reason: err.Error()})
			continue
		}

		event, err := s.applyOne(ctx, op, update.RecordID, update.Data, userID, update.Version)
		if err != nil {
			result.FailureCount++
			result.Failures = append(result.Failures, BulkFailure{RecordID: update.RecordID, Reason: err.Error()})
			continue
		}
		result.SuccessCount++
		result.Events = append(result.Events, event)
	}

	var broadcastErr error
	if len(result.Events) > 0 {
		// Every committed entry is owed a notification; snapshot each one so a
		// failed bulk broadcast can be replayed once the breaker closes.
		snapshotIDs := make([]string, len(result.Events))
		for i, event := range result.Events {
			snapshotIDs[i] = s.recovery.Snapshot(event.RecordID, event.Data, event.UserID, event.Version)
		}

		broadcastErr = s.publishWithRetry(ctx, op, func(ctx context.Context) error {
			return s.broker.PublishBulkEvents(ctx, result.Events)
		})
		if broadcastErr != nil {
			s.recovery.SetHealth("event_broker", false)
			s.auditBroadcastFailure(ctx, "", broadcastErr)
		} else {
			for _, id := range snapshotIDs {
				s.recovery.Release(id)
			}
			s.recovery.SetHealth("event_broker", true)
		}
	}

	duration := time.Since(started)
	if err := s.trail.LogBulkOperation(ctx, initiatingUser, "update", len(updates),
		result.SuccessCount, result.FailureCount, duration.Milliseconds()); err != nil {
		s.logger.Error("failed to audit bulk operation", "error", err)
	}
	s.degradation.RecordOperation(duration, broadcastErr != nil)

	if result.SuccessCount == 0 && len(updates) > 0 {
		return result, syncerrors.Wrap(op, "sync_service", errors.New("no bulk entries succeeded"))
	}
	return result, broadcastErr
}

// applyOne validates the version and persists a single bulk entry without
// broadcasting it.
func (s *SyncService) applyOne(ctx context.Context, op, recordID string, data map[string]any, userID string, version int64) (*models.SyncEvent, error) {
	ok, err := s.locks.ValidateVersion(ctx, recordID, version)
	if err != nil {
		return nil, syncerrors.Wrap(op, "lock_manager", err)
	}
	if !ok {
		s.auditConflict(ctx, recordID, userID)
		return nil, syncerrors.VersionConflict(op, locks.ErrStaleVersion)
	}

	record := &models.Record{
		RecordID:  recordID,
		Data:      data,
		Version:   version,
		UpdatedBy: userID,
	}
	if err := s.records.Apply(ctx, record); err != nil {
		if errors.Is(err, repositories.ErrVersionConflict) {
			s.auditConflict(ctx, recordID, userID)
			return nil, syncerrors.VersionConflict(op, err)
		}
		return nil, syncerrors.Wrap(op, "record_store", err)
	}
	s.markKnown(recordID)

	eventType := models.EventUpdated
	if version == 1 {
		eventType = models.EventCreated
	}
	return models.NewSyncEvent(recordID, eventType, data, userID, version), nil
}

// HandleClientConnect registers a client, subscribes it with the broker, and
// audits the connection.
func (s *SyncService) HandleClientConnect(ctx context.Context, userID string, subscriptions []string) (*models.ClientConnection, error) {
	if userID == "" {
		return nil, syncerrors.DataIntegrity("handle_client_connect", errors.New("user id is required"))
	}

	conn := &models.ClientConnection{
		ConnectionID:  uuid.NewString(),
		UserID:        userID,
		Subscriptions: make(map[string]struct{}, len(subscriptions)),
	}
	for _, topic := range subscriptions {
		conn.Subscriptions[topic] = struct{}{}
	}

	if err := s.broker.SubscribeClient(ctx, conn, subscriptions); err != nil {
		return nil, syncerrors.Wrap("handle_client_connect", "broker", err)
	}
	s.connections.AddConnection(ctx, conn)

	if err := s.trail.LogConnectionEvent(ctx, models.AuditConnectionEstablished, userID, conn.ConnectionID); err != nil {
		s.logger.Error("failed to audit connection", "connection_id", conn.ConnectionID, "error", err)
	}
	return conn, nil
}

// HandleClientDisconnect removes the client and releases every lock its user
// held, so an abandoned edit cannot block others.
func (s *SyncService) HandleClientDisconnect(ctx context.Context, connectionID string) {
	conn, ok := s.connections.GetConnection(connectionID)

	if err := s.broker.UnsubscribeClient(ctx, connectionID); err != nil {
		s.logger.Warn("failed to unsubscribe client", "connection_id", connectionID, "error", err)
	}
	s.connections.RemoveConnection(ctx, connectionID)

	if !ok {
		return
	}
	if released := s.locks.ReleaseUserLocks(conn.UserID); released > 0 {
		s.logger.Info("released locks on disconnect", "user_id", conn.UserID, "count", released)
	}
	if err := s.trail.LogConnectionEvent(ctx, models.AuditConnectionLost, conn.UserID, connectionID); err != nil {
		s.logger.Error("failed to audit disconnect", "connection_id", connectionID, "error", err)
	}
}

// HandleClientHeartbeat refreshes a connection's last-seen time, keeping its
// presence entry alive. Reports whether the connection is known.
func (s *SyncService) HandleClientHeartbeat(ctx context.Context, connectionID string) bool {
	if _, ok := s.connections.GetConnection(connectionID); !ok {
		return false
	}
	s.connections.UpdateLastSeen(ctx, connectionID)
	return true
}

// GetBufferStats is read-only introspection; it never mutates state.
func (s *SyncService) GetBufferStats() BufferStats {
	s.mu.Lock()
	known := len(s.knownRecords)
	s.mu.Unlock()

	return BufferStats{
		KnownRecordsCount:       known,
		TotalClientsWithBuffers: s.broker.SubscriberCount(),
	}
}

func (s *SyncService) GetDegradationStatus() resilience.DegradationStatus {
	return s.degradation.Status()
}

func (s *SyncService) TriggerManualDegradation(reason string) {
	s.degradation.TriggerManual(reason)
}

func (s *SyncService) RecoverFromDegradation() bool {
	return s.degradation.Recover()
}

func (s *SyncService) GetErrorMetrics() ErrorMetrics {
	return ErrorMetrics{
		CircuitBreakerEnabled: s.breaker != nil,
		ErrorRecoveryEnabled:  s.recovery != nil,
		ServiceHealth:         s.recovery.ServiceHealth(),
	}
}

func (s *SyncService) validatePayload(recordID string, data map[string]any, userID string, version int64) error {
	const op = "validate_payload"

	if recordID == "" {
		return syncerrors.DataIntegrity(op, errors.New("record id must be non-empty"))
	}
	if userID == "" {
		return syncerrors.DataIntegrity(op, errors.New("user id must be non-empty"))
	}
	if version <= 0 {
		return syncerrors.DataIntegrity(op, fmt.Errorf("version must be a positive integer, got %d", version))
	}
	if data == nil {
		return syncerrors.DataIntegrity(op, errors.New("data must be a mapping"))
	}

	serialized, err := json.Marshal(data)
	if err != nil {
		return syncerrors.DataIntegrity(op, fmt.Errorf("data is not serializable: %w", err))
	}
	if len(serialized) > s.cfg.MaxPayloadBytes {
		return syncerrors.DataIntegrity(op, fmt.Errorf("payload size %d exceeds limit %d", len(serialized), s.cfg.MaxPayloadBytes))
	}
	return nil
}

// publishWithRetry pushes a broadcast through the circuit breaker, retrying
// transient failures. An open circuit surfaces immediately as unavailable;
// exhausted retries surface as a broadcast failure.
func (s *SyncService) publishWithRetry(ctx context.Context, op string, publish func(context.Context) error) error {
	backoff := publishBackoff
	var lastErr error

	for attempt := 0; attempt <= s.cfg.PublishMaxRetries; attempt++ {
		err := s.breaker.Execute(ctx, publish)
		if err == nil {
			return nil
		}
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return syncerrors.Unavailable(op, err)
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return syncerrors.Broadcast(op, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return syncerrors.Broadcast(op, lastErr)
}

func (s *SyncService) markKnown(recordID string) {
	s.mu.Lock()
	s.knownRecords[recordID] = struct{}{}
	s.mu.Unlock()
}

func (s *SyncService) auditConflict(ctx context.Context, recordID, userID string) {
	if err := s.trail.LogSyncConflict(ctx, recordID, []string{userID}, "stale_version", "first_writer_wins", 0); err != nil {
		s.logger.Error("failed to audit conflict", "record_id", recordID, "error", err)
	}
}

func (s *SyncService) auditBroadcastFailure(ctx context.Context, recordID string, err error) {
	msg := err.Error()
	if recordID != "" {
		msg = fmt.Sprintf("record %s: %s", recordID, msg)
	}
	if logErr := s.trail.LogSystemError(ctx, msg, "broadcast", models.SeverityError); logErr != nil {
		s.logger.Error("failed to audit broadcast failure", "error", logErr)
	}
}
