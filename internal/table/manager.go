package table

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"cardroom/pkg/interfaces"
	"cardroom/pkg/types"
)

// Manager owns table lifecycle. Active tables are cached in memory; the
// event store is the source of truth for ended tables and restarts.
type Manager struct {
	store        interfaces.EventStore
	activeTables map[string]*types.Table
	mu           sync.RWMutex
}

// NewManager creates a table manager.
func NewManager(store interfaces.EventStore) *Manager {
	return &Manager{
		store:        store,
		activeTables: make(map[string]*types.Table),
	}
}

// LoadActiveTables warms the cache from storage at startup.
func (m *Manager) LoadActiveTables(ctx context.Context) error {
	tables, err := m.store.ListActiveTables(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active tables: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range tables {
		m.activeTables[t.ID] = t
	}

	log.Printf("Loaded %d active tables", len(tables))
	return nil
}

// CreateTable opens a new table and persists it before exposing it.
func (m *Manager) CreateTable(ctx context.Context, name, createdBy string) (*types.Table, error) {
	if name == "" || len(name) > 200 {
		return nil, types.ErrInvalidTableName
	}
	if !types.IsValidUserID(createdBy) {
		return nil, types.ErrInvalidCreatedBy
	}

	t := &types.Table{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedBy: createdBy,
		StartTime: time.Now(),
		Status:    types.TableStatusActive,
	}

	if err := m.store.CreateTable(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	m.mu.Lock()
	m.activeTables[t.ID] = t
	m.mu.Unlock()

	m.recordLifecycle(ctx, t, "created")
	log.Printf("Created table: id=%s name=%s", t.ID, t.Name)
	return t, nil
}

// GetTable retrieves a table, checking the cache before storage so the hot
// path for active tables never hits the database.
func (m *Manager) GetTable(ctx context.Context, tableID string) (*types.Table, error) {
	m.mu.RLock()
	if t, ok := m.activeTables[tableID]; ok {
		m.mu.RUnlock()
		return t, nil
	}
	m.mu.RUnlock()

	t, err := m.store.GetTable(ctx, tableID)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// EndTable closes an active table.
func (m *Manager) EndTable(ctx context.Context, tableID string) error {
	m.mu.RLock()
	t, ok := m.activeTables[tableID]
	m.mu.RUnlock()

	if !ok {
		dbTable, err := m.store.GetTable(ctx, tableID)
		if err != nil {
			return ErrTableNotFound
		}
		if dbTable.Status == types.TableStatusEnded {
			return ErrTableAlreadyEnded
		}
		t = dbTable
	}

	now := time.Now()
	t.EndTime = &now
	t.Status = types.TableStatusEnded

	if err := m.store.UpdateTable(ctx, t); err != nil {
		return fmt.Errorf("failed to end table: %w", err)
	}

	m.mu.Lock()
	delete(m.activeTables, tableID)
	m.mu.Unlock()

	m.recordLifecycle(ctx, t, "ended")
	log.Printf("Ended table: id=%s name=%s", t.ID, t.Name)
	return nil
}

// ListActiveTables returns the cached active set.
func (m *Manager) ListActiveTables(ctx context.Context) ([]*types.Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tables := make([]*types.Table, 0, len(m.activeTables))
	for _, t := range m.activeTables {
		tables = append(tables, t)
	}
	return tables, nil
}

// ValidateJoin checks that a table can accept a new connection.
func (m *Manager) ValidateJoin(ctx context.Context, tableID string) error {
	m.mu.RLock()
	t, ok := m.activeTables[tableID]
	m.mu.RUnlock()

	if !ok {
		dbTable, err := m.store.GetTable(ctx, tableID)
		if err != nil {
			return ErrTableNotFound
		}
		if dbTable.Status == types.TableStatusEnded {
			return ErrTableEnded
		}
		t = dbTable
	}

	if t.Status != types.TableStatusActive {
		return ErrTableEnded
	}
	return nil
}

// IsTableActive is a cache-only check for hot paths.
func (m *Manager) IsTableActive(tableID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.activeTables[tableID]
	return ok && t.Status == types.TableStatusActive
}

// GetStats returns manager counters for monitoring.
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"active_tables": len(m.activeTables),
	}
}

func (m *Manager) recordLifecycle(ctx context.Context, t *types.Table, what string) {
	event := &types.AuditEvent{
		ID:      uuid.New().String(),
		TableID: t.ID,
		Kind:    types.AuditKindTableLifecycle,
		Actor:   t.CreatedBy,
		Detail: map[string]interface{}{
			"event": what,
			"name":  t.Name,
		},
		Timestamp: time.Now(),
	}
	if err := m.store.RecordEvent(ctx, event); err != nil {
		log.Printf("Failed to record table lifecycle event: %v", err)
	}
}
