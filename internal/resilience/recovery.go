package resilience

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// OperationSnapshot captures an in-flight update before its broadcast is
// attempted, so partially-applied work can be replayed or rolled back once
// the breaker closes again.
type OperationSnapshot struct {
	ID       string         `json:"id"`
	RecordID string         `json:"record_id"`
	Data     map[string]any `json:"data"`
	UserID   string         `json:"user_id"`
	Version  int64          `json:"version"`
	TakenAt  time.Time      `json:"taken_at"`
}

// ErrorRecoveryManager retains a bounded set of operation snapshots and the
// last-known health of each component.
type ErrorRecoveryManager struct {
	mu        sync.Mutex
	snapshots []*OperationSnapshot
	capacity  int
	health    map[string]bool
}

func NewErrorRecoveryManager(capacity int) *ErrorRecoveryManager {
	if capacity <= 0 {
		capacity = 100
	}
	return &ErrorRecoveryManager{
		capacity: capacity,
		health:   make(map[string]bool),
	}
}

// Snapshot records an operation and returns its id. When the buffer is full
// the oldest snapshot is discarded.
func (m *ErrorRecoveryManager) Snapshot(recordID string, data map[string]any, userID string, version int64) string {
	snap := &OperationSnapshot{
		ID:       uuid.NewString(),
		RecordID: recordID,
		Data:     data,
		UserID:   userID,
		Version:  version,
		TakenAt:  time.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshots = append(m.snapshots, snap)
	if len(m.snapshots) > m.capacity {
		m.snapshots = m.snapshots[len(m.snapshots)-m.capacity:]
	}
	return snap.ID
}

// Release drops a snapshot once its operation fully completed.
func (m *ErrorRecoveryManager) Release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, snap := range m.snapshots {
		if snap.ID == id {
			m.snapshots = append(m.snapshots[:i], m.snapshots[i+1:]...)
			return
		}
	}
}

// ActiveSnapshots returns the retained snapshots, oldest first.
func (m *ErrorRecoveryManager) ActiveSnapshots() []OperationSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]OperationSnapshot, len(m.snapshots))
	for i, snap := range m.snapshots {
		out[i] = *snap
	}
	return out
}

// Replay feeds each retained snapshot to fn, oldest first, releasing the ones
// fn handles successfully. Snapshots fn fails on are kept for a later pass.
func (m *ErrorRecoveryManager) Replay(fn func(OperationSnapshot) error) (replayed int) {
	for _, snap := range m.ActiveSnapshots() {
		if err := fn(snap); err != nil {
			continue
		}
		m.Release(snap.ID)
		replayed++
	}
	return replayed
}

// SetHealth records whether a component is currently healthy.
func (m *ErrorRecoveryManager) SetHealth(component string, healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health[component] = healthy
}

// ServiceHealth returns a copy of the component health map.
func (m *ErrorRecoveryManager) ServiceHealth() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]bool, len(m.health))
	for k, v := range m.health {
		out[k] = v
	}
	return out
}
