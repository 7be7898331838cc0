// Package chatws serves chat turns over WebSocket connections.
package chatws

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// ConnManager tracks open chat connections per user so they can be closed when
// the user's session is dropped.
type ConnManager struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewConnManager creates an empty connection manager.
func NewConnManager() *ConnManager {
	return &ConnManager{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// Count returns the number of open connections for a user.
func (m *ConnManager) Count(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[userID])
}

// Register records conn for a user. An older connection with the same id is closed.
func (m *ConnManager) Register(userID, connID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*websocket.Conn)
	}

	if existing, exists := m.active[userID][connID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "connection replaced")
	}

	m.active[userID][connID] = conn
	slog.Info("Chat connection registered", "user_id", userID, "conn_id", connID)
}

// Unregister removes conn if it is still the one registered under connID.
func (m *ConnManager) Unregister(userID, connID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conns, ok := m.active[userID]; ok {
		if current, exists := conns[connID]; exists && current == conn {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(m.active, userID)
			}
			slog.Info("Chat connection unregistered", "user_id", userID, "conn_id", connID)
		}
	}
}

// CloseSession closes every open connection for a user.
func (m *ConnManager) CloseSession(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns, ok := m.active[userID]
	if !ok {
		return
	}

	for cid, conn := range conns {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		slog.Info("Chat connection closed", "user_id", userID, "conn_id", cid)
	}
	delete(m.active, userID)
}
