// Package connections tracks which clients are currently connected. Pure
// bookkeeping; lock release on disconnect is the caller's job.
package connections

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/recordsync/recordsync/internal/models"
)

// PresenceStore mirrors last-seen data into an external store so other nodes
// can observe liveness. Optional.
type PresenceStore interface {
	SetPresence(ctx context.Context, conn *models.ClientConnection) error
	DeletePresence(ctx context.Context, connectionID string) error
}

type Manager struct {
	mu          sync.RWMutex
	connections map[string]*models.ClientConnection

	presence PresenceStore
	logger   *slog.Logger
}

func NewManager(presence PresenceStore, logger *slog.Logger) *Manager {
	return &Manager{
		connections: make(map[string]*models.ClientConnection),
		presence:    presence,
		logger:      logger,
	}
}

func (m *Manager) AddConnection(ctx context.Context, conn *models.ClientConnection) {
	m.mu.Lock()
	conn.LastSeen = time.Now().UTC()
	m.connections[conn.ConnectionID] = conn
	m.mu.Unlock()

	m.mirrorPresence(ctx, conn)
}

// RemoveConnection is idempotent: removing an unknown id is a no-op.
func (m *Manager) RemoveConnection(ctx context.Context, connectionID string) {
	m.mu.Lock()
	_, existed := m.connections[connectionID]
	delete(m.connections, connectionID)
	m.mu.Unlock()

	if existed && m.presence != nil {
		if err := m.presence.DeletePresence(ctx, connectionID); err != nil {
			m.logger.Warn("failed to clear presence", "connection_id", connectionID, "error", err)
		}
	}
}

func (m *Manager) GetConnection(connectionID string) (*models.ClientConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connections[connectionID]
	return conn, ok
}

func (m *Manager) GetUserConnections(userID string) []*models.ClientConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var conns []*models.ClientConnection
	for _, conn := range m.connections {
		if conn.UserID == userID {
			conns = append(conns, conn)
		}
	}
	return conns
}

func (m *Manager) GetAllConnections() []*models.ClientConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]*models.ClientConnection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	return conns
}

func (m *Manager) UpdateLastSeen(ctx context.Context, connectionID string) {
	m.mu.Lock()
	conn, ok := m.connections[connectionID]
	if ok {
		conn.LastSeen = time.Now().UTC()
	}
	m.mu.Unlock()

	if ok {
		m.mirrorPresence(ctx, conn)
	}
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *Manager) mirrorPresence(ctx context.Context, conn *models.ClientConnection) {
	if m.presence == nil {
		return
	}
	// Presence is advisory; a mirror failure never fails the operation.
	if err := m.presence.SetPresence(ctx, conn); err != nil {
		m.logger.Warn("failed to mirror presence", "connection_id", conn.ConnectionID, "error", err)
	}
}
