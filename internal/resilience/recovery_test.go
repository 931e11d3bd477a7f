package resilience

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecovery_SnapshotAndRelease(t *testing.T) {
	m := NewErrorRecoveryManager(10)

	id := m.Snapshot("R1", map[string]any{"a": 1}, "alice", 2)
	require.Len(t, m.ActiveSnapshots(), 1)
	assert.Equal(t, "R1", m.ActiveSnapshots()[0].RecordID)

	m.Release(id)
	assert.Empty(t, m.ActiveSnapshots())

	// Releasing an unknown id is a no-op.
	m.Release("never-existed")
}

func TestRecovery_BoundedCapacityDropsOldest(t *testing.T) {
	m := NewErrorRecoveryManager(3)

	for i := 0; i < 5; i++ {
		m.Snapshot(fmt.Sprintf("R%d", i), nil, "alice", 1)
	}

	snaps := m.ActiveSnapshots()
	require.Len(t, snaps, 3)
	assert.Equal(t, "R2", snaps[0].RecordID)
	assert.Equal(t, "R4", snaps[2].RecordID)
}

func TestRecovery_ReplayReleasesHandled(t *testing.T) {
	m := NewErrorRecoveryManager(10)
	m.Snapshot("R1", nil, "alice", 1)
	m.Snapshot("R2", nil, "alice", 1)
	m.Snapshot("R3", nil, "alice", 1)

	replayed := m.Replay(func(snap OperationSnapshot) error {
		if snap.RecordID == "R2" {
			return errors.New("still failing")
		}
		return nil
	})

	assert.Equal(t, 2, replayed)
	snaps := m.ActiveSnapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "R2", snaps[0].RecordID)
}

func TestRecovery_ServiceHealth(t *testing.T) {
	m := NewErrorRecoveryManager(10)

	m.SetHealth("event_broker", false)
	m.SetHealth("record_store", true)

	health := m.ServiceHealth()
	assert.False(t, health["event_broker"])
	assert.True(t, health["record_store"])

	// The returned map is a copy.
	health["record_store"] = false
	assert.True(t, m.ServiceHealth()["record_store"])
}
