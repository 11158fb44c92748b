package websocket

import (
	"log"
	"sync"
)

// Registry tracks player and moderator connections with thread-safe lookup.
// Spectator connections live in the spectator manager, which applies its own
// capacity rules; this registry only holds active participants.
type Registry struct {
	mu                sync.RWMutex
	globalConnections map[string]*Connection            // userID -> Connection
	tablePlayers      map[string]map[string]*Connection // tableID -> userID -> Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		globalConnections: make(map[string]*Connection),
		tablePlayers:      make(map[string]map[string]*Connection),
	}
}

// RegisterConnection adds a connection to all maps atomically. A user
// reconnecting replaces their previous connection, which is closed
// asynchronously to avoid holding the lock across a transport close.
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return ErrConnectionNotAuthenticated
	}

	userID := conn.GetUserID()
	tableID := conn.GetTableID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.globalConnections[userID]; ok {
		go func() {
			if err := existing.Close(); err != nil {
				log.Printf("Failed to close replaced connection: %v", err)
			}
		}()
	}

	r.globalConnections[userID] = conn

	if r.tablePlayers[tableID] == nil {
		r.tablePlayers[tableID] = make(map[string]*Connection)
	}
	r.tablePlayers[tableID][userID] = conn

	return nil
}

// UnregisterConnection removes a connection. Idempotent, and only removes
// the exact instance currently registered so a stale connection's cleanup
// can never evict its replacement.
func (r *Registry) UnregisterConnection(conn *Connection) {
	if conn == nil {
		return
	}

	userID := conn.GetUserID()

	r.mu.Lock()
	defer r.mu.Unlock()

	registered, ok := r.globalConnections[userID]
	if !ok || registered != conn {
		return
	}

	delete(r.globalConnections, userID)

	tableID := conn.GetTableID()
	if players, ok := r.tablePlayers[tableID]; ok {
		delete(players, userID)
		if len(players) == 0 {
			delete(r.tablePlayers, tableID)
		}
	}
}

// GetUserConnection returns the current connection for a user.
func (r *Registry) GetUserConnection(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.globalConnections[userID]
	return conn, ok
}

// GetTablePlayers returns every participant connection at a table, for
// immediate game-update pushes.
func (r *Registry) GetTablePlayers(tableID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []*Connection
	for _, conn := range r.tablePlayers[tableID] {
		conns = append(conns, conn)
	}
	return conns
}

// GetStats returns registry counters for monitoring.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.globalConnections),
		"active_tables":     len(r.tablePlayers),
	}
}
