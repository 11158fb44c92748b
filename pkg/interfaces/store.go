package interfaces

import (
	"context"

	"cardroom/pkg/types"
)

// EventStore handles all persistence: table lifecycle records and the
// write-only audit trail produced by the realtime path. A single interface
// keeps transaction handling and connection management in one place.
type EventStore interface {
	// CreateTable persists a new table record.
	CreateTable(ctx context.Context, table *types.Table) error

	// GetTable retrieves a table by ID. Returns ErrTableNotFound when the
	// ID is unknown.
	GetTable(ctx context.Context, tableID string) (*types.Table, error)

	// UpdateTable updates an existing table, primarily for ending it.
	UpdateTable(ctx context.Context, table *types.Table) error

	// ListActiveTables returns all tables with status "active".
	ListActiveTables(ctx context.Context) ([]*types.Table, error)

	// RecordEvent appends an audit event. The realtime path treats this as
	// fire-and-forget durability; it never reads events back.
	RecordEvent(ctx context.Context, event *types.AuditEvent) error

	// HealthCheck verifies connectivity and basic read access.
	HealthCheck(ctx context.Context) error

	// Close flushes pending writes and closes the store.
	Close() error
}
