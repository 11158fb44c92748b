package spectator

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"cardroom/pkg/interfaces"
	"cardroom/pkg/types"
)

// Defaults. Spectators are not participants: trading up to half a second of
// latency for one coalesced frame instead of N intermediate frames keeps
// fan-out volume flat during reveal bursts.
const (
	DefaultCapacity   = 50
	DefaultFlushDelay = 500 * time.Millisecond
)

// Spectator is one admitted passive observer.
type Spectator struct {
	ID       string
	Name     string
	JoinedAt time.Time
	conn     interfaces.Connection
}

// roster is the per-table state: the bounded observer set, the last-write-wins
// pending snapshot, and the timer for the current coalescing cycle.
type roster struct {
	spectators map[string]*Spectator
	pending    json.RawMessage
	flushTimer *time.Timer
}

// Manager owns every table's spectator roster. Admission is capacity-bound,
// never queued; updates are coalesced so each cycle delivers only the latest
// snapshot to every admitted observer.
type Manager struct {
	mu         sync.Mutex
	capacity   int
	flushDelay time.Duration
	tables     map[string]*roster
	closed     bool
}

// NewManager creates a manager. Non-positive arguments fall back to defaults.
func NewManager(capacity int, flushDelay time.Duration) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if flushDelay <= 0 {
		flushDelay = DefaultFlushDelay
	}
	return &Manager{
		capacity:   capacity,
		flushDelay: flushDelay,
		tables:     make(map[string]*roster),
	}
}

// Admit registers a passive observer for a table. The new spectator receives
// a join confirmation carrying the roster size observed after admission.
func (m *Manager) Admit(tableID string, principal *types.Principal, conn interfaces.Connection) (*Spectator, error) {
	if principal == nil || principal.UserID == "" {
		return nil, ErrNotAuthenticated
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}

	r := m.tables[tableID]
	if r == nil {
		r = &roster{spectators: make(map[string]*Spectator)}
		m.tables[tableID] = r
	}

	if len(r.spectators) >= m.capacity {
		m.mu.Unlock()
		return nil, ErrTableFull
	}

	spec := &Spectator{
		ID:       uuid.New().String(),
		Name:     principal.Username,
		JoinedAt: time.Now(),
		conn:     conn,
	}
	r.spectators[spec.ID] = spec
	count := len(r.spectators)
	m.mu.Unlock()

	env, err := types.NewEnvelope(types.MessageTypeSpectatorJoined, &types.SpectatorJoined{
		TableID:        tableID,
		SpectatorCount: count,
	})
	if err == nil {
		if err := conn.SendEnvelope(env); err != nil {
			log.Printf("Failed to send join confirmation to spectator %s: %v", spec.ID, err)
		}
	}

	log.Printf("Spectator admitted: table=%s spectator=%s count=%d", tableID, spec.ID, count)
	return spec, nil
}

// QueueUpdate records a state snapshot for delayed fan-out. Only the most
// recent snapshot of a cycle matters to a passive observer, so the pending
// slot is last-write-wins; the flush timer is armed by the first update of
// the cycle. Updates for tables without spectators are dropped.
func (m *Manager) QueueUpdate(tableID string, snapshot json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	r := m.tables[tableID]
	if r == nil || len(r.spectators) == 0 {
		return
	}

	r.pending = snapshot
	if r.flushTimer == nil {
		r.flushTimer = time.AfterFunc(m.flushDelay, func() {
			m.flushTable(tableID)
		})
	}
}

// flushTable broadcasts the pending snapshot to every currently admitted
// spectator of the table and clears the slot.
func (m *Manager) flushTable(tableID string) {
	m.mu.Lock()
	r := m.tables[tableID]
	if r == nil || m.closed {
		m.mu.Unlock()
		return
	}
	snapshot := r.pending
	r.pending = nil
	r.flushTimer = nil

	conns := make([]interfaces.Connection, 0, len(r.spectators))
	for _, spec := range r.spectators {
		conns = append(conns, spec.conn)
	}
	m.mu.Unlock()

	if len(snapshot) == 0 || len(conns) == 0 {
		return
	}

	env := &types.Envelope{
		ID:        uuid.New().String(),
		Version:   types.ProtocolVersion,
		Type:      types.MessageTypeGameUpdate,
		Payload:   snapshot,
		Timestamp: types.NowMillis(),
	}

	for _, conn := range conns {
		if err := conn.SendEnvelope(env); err != nil {
			log.Printf("Spectator broadcast failed: table=%s err=%v", tableID, err)
		}
	}
}

// Broadcast fans an envelope out to a table's spectators immediately,
// bypassing the coalescing cycle. Used for low-frequency traffic like chat,
// where delaying half a second buys nothing.
func (m *Manager) Broadcast(tableID string, env *types.Envelope) {
	m.mu.Lock()
	r := m.tables[tableID]
	if r == nil || m.closed {
		m.mu.Unlock()
		return
	}
	conns := make([]interfaces.Connection, 0, len(r.spectators))
	for _, spec := range r.spectators {
		conns = append(conns, spec.conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		if err := conn.SendEnvelope(env); err != nil {
			log.Printf("Spectator broadcast failed: table=%s err=%v", tableID, err)
		}
	}
}

// Remove deregisters a spectator, freeing exactly one admission slot. The
// server never reconnects spectators; that is the client's job.
func (m *Manager) Remove(tableID, spectatorID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.tables[tableID]
	if r == nil {
		return
	}

	if _, ok := r.spectators[spectatorID]; !ok {
		return
	}
	delete(r.spectators, spectatorID)
	log.Printf("Spectator removed: table=%s spectator=%s count=%d", tableID, spectatorID, len(r.spectators))

	if len(r.spectators) == 0 {
		if r.flushTimer != nil {
			r.flushTimer.Stop()
			r.flushTimer = nil
		}
		delete(m.tables, tableID)
	}
}

// Capacity returns the fixed per-table admission limit.
func (m *Manager) Capacity() int {
	return m.capacity
}

// Count returns the roster size for a table.
func (m *Manager) Count(tableID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r := m.tables[tableID]; r != nil {
		return len(r.spectators)
	}
	return 0
}

// Close cancels every pending flush timer synchronously. No further
// admissions or updates are accepted.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	for _, r := range m.tables {
		if r.flushTimer != nil {
			r.flushTimer.Stop()
			r.flushTimer = nil
		}
	}
}
