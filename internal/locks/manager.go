// Package locks implements soft per-record edit locks and the optimistic
// version check used for conflict detection.
package locks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/recordsync/recordsync/internal/models"
)

// ErrLockHeld is returned when another user already holds the record's lock.
var ErrLockHeld = errors.New("record is locked by another user")

// ErrStaleVersion is returned when the caller's view of the record is no
// longer current.
var ErrStaleVersion = errors.New("stale record version")

// VersionSource reports the last accepted version of a record, 0 if the
// record has never been written. Implemented by the record repositories.
type VersionSource interface {
	CurrentVersion(ctx context.Context, recordID string) (int64, error)
}

// Manager is the single source of truth for "is this caller's view of the
// record still current". All version reads and lock mutations are serialized
// behind one mutex, so the first caller whose version validates wins and
// every later caller with the same stale version is rejected.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*models.Lock

	versions       VersionSource
	defaultTimeout time.Duration
	logger         *slog.Logger
}

func NewManager(versions VersionSource, defaultTimeout time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		locks:          make(map[string]*models.Lock),
		versions:       versions,
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// AcquireLock claims the record for userID if nobody else holds it and the
// caller's version is current. Re-acquiring a lock you already hold refreshes
// its expiry.
func (m *Manager) AcquireLock(ctx context.Context, recordID, userID string, version int64, timeout time.Duration) (*models.Lock, error) {
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := m.locks[recordID]; ok && !existing.Expired(now) && existing.UserID != userID {
		return nil, fmt.Errorf("%w: held by %s", ErrLockHeld, existing.UserID)
	}

	ok, err := m.versionCurrent(ctx, recordID, version)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrStaleVersion
	}

	lock := &models.Lock{
		RecordID:   recordID,
		UserID:     userID,
		Version:    version,
		AcquiredAt: now,
		ExpiresAt:  now.Add(timeout),
	}
	m.locks[recordID] = lock
	return lock, nil
}

// ReleaseLock removes the record's lock if userID holds it. Releasing a lock
// you do not hold is a no-op.
func (m *Manager) ReleaseLock(recordID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lock, ok := m.locks[recordID]; ok && lock.UserID == userID {
		delete(m.locks, recordID)
	}
}

// CheckLock returns the active lock on the record, if any.
func (m *Manager) CheckLock(recordID string) (*models.Lock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[recordID]
	if !ok || lock.Expired(time.Now().UTC()) {
		return nil, false
	}
	copied := *lock
	return &copied, true
}

// ReleaseUserLocks drops every lock held by userID. Called on disconnect so
// an abandoned edit cannot orphan its locks.
func (m *Manager) ReleaseUserLocks(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	released := 0
	for recordID, lock := range m.locks {
		if lock.UserID == userID {
			delete(m.locks, recordID)
			released++
		}
	}
	return released
}

// CleanupExpiredLocks removes locks past their expiry. Run periodically.
func (m *Manager) CleanupExpiredLocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	removed := 0
	for recordID, lock := range m.locks {
		if lock.Expired(now) {
			delete(m.locks, recordID)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("swept expired locks", "count", removed)
	}
	return removed
}

// ValidateVersion reports whether expectedVersion is the next acceptable
// version for the record, i.e. exactly one ahead of the last accepted one.
func (m *Manager) ValidateVersion(ctx context.Context, recordID string, expectedVersion int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versionCurrent(ctx, recordID, expectedVersion)
}

// versionCurrent must be called with m.mu held; the read-and-compare is what
// the mutex serializes.
func (m *Manager) versionCurrent(ctx context.Context, recordID string, expectedVersion int64) (bool, error) {
	current, err := m.versions.CurrentVersion(ctx, recordID)
	if err != nil {
		return false, fmt.Errorf("failed to read current version: %w", err)
	}
	return expectedVersion == current+1, nil
}

// ActiveLockCount reports how many unexpired locks exist.
func (m *Manager) ActiveLockCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	count := 0
	for _, lock := range m.locks {
		if !lock.Expired(now) {
			count++
		}
	}
	return count
}
