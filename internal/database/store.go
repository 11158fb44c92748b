package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	dbconfig "cardroom/pkg/database"
	"cardroom/pkg/interfaces"
	"cardroom/pkg/types"
)

// Store implements the EventStore interface on SQLite. Reads run on the
// connection pool; all writes funnel through a single goroutine, which is
// the pattern SQLite rewards.
type Store struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewStore opens the database, applies pragmas, and starts the writer.
func NewStore(config *dbconfig.Config) (*Store, error) {
	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	store := &Store{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	store.wg.Add(1)
	go store.writeLoop()

	return store, nil
}

// writeLoop processes all write operations in a single goroutine, retrying
// each failed write exactly once after a delay.
func (s *Store) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeChannel:
			err := op.operation(s.db)
			if err != nil {
				log.Printf("Database write failed, retrying in 5 seconds: %v", err)
				time.Sleep(5 * time.Second)
				err = op.operation(s.db)
				if err != nil {
					log.Printf("Database write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-s.shutdown:
			log.Println("Database write loop shutting down")
			return
		}
	}
}

func (s *Store) executeWrite(operation func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return interfaces.ErrStoreClosed
	}
	s.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case s.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return fmt.Errorf("write operation timeout")
	case <-s.shutdown:
		return interfaces.ErrStoreClosed
	}
}

// CreateTable persists a new table record atomically.
func (s *Store) CreateTable(ctx context.Context, t *types.Table) error {
	return s.executeWrite(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		query := `
			INSERT INTO tables (id, name, created_by, start_time, status)
			VALUES (?, ?, ?, ?, ?)
		`
		_, err = tx.ExecContext(ctx, query,
			t.ID,
			t.Name,
			t.CreatedBy,
			t.StartTime,
			t.Status,
		)
		if err != nil {
			return fmt.Errorf("failed to insert table: %w", err)
		}

		if err = tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit table creation: %w", err)
		}

		return nil
	})
}

// GetTable retrieves a table by ID.
func (s *Store) GetTable(ctx context.Context, tableID string) (*types.Table, error) {
	query := `
		SELECT id, name, created_by, start_time, end_time, status
		FROM tables
		WHERE id = ?
	`

	row := s.db.QueryRowContext(ctx, query, tableID)

	var t types.Table
	var endTime sql.NullTime

	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.CreatedBy,
		&t.StartTime,
		&endTime,
		&t.Status,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrTableNotFound
		}
		return nil, fmt.Errorf("failed to query table: %w", err)
	}

	if endTime.Valid {
		t.EndTime = &endTime.Time
	}

	return &t, nil
}

// UpdateTable updates end_time and status, the only fields that change
// after creation.
func (s *Store) UpdateTable(ctx context.Context, t *types.Table) error {
	return s.executeWrite(func(db *sql.DB) error {
		query := `
			UPDATE tables
			SET end_time = ?, status = ?
			WHERE id = ?
		`

		_, err := db.ExecContext(ctx, query,
			t.EndTime,
			t.Status,
			t.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update table: %w", err)
		}

		return nil
	})
}

// ListActiveTables returns all active tables, newest first.
func (s *Store) ListActiveTables(ctx context.Context) ([]*types.Table, error) {
	query := `
		SELECT id, name, created_by, start_time, end_time, status
		FROM tables
		WHERE status = 'active'
		ORDER BY start_time DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tables []*types.Table

	for rows.Next() {
		var t types.Table
		var endTime sql.NullTime

		err := rows.Scan(
			&t.ID,
			&t.Name,
			&t.CreatedBy,
			&t.StartTime,
			&endTime,
			&t.Status,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan table row: %w", err)
		}

		if endTime.Valid {
			t.EndTime = &endTime.Time
		}

		tables = append(tables, &t)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating table rows: %w", err)
	}

	return tables, nil
}

// RecordEvent appends an audit event. The detail map is stored as JSON so
// each kind can carry its own shape.
func (s *Store) RecordEvent(ctx context.Context, event *types.AuditEvent) error {
	return s.executeWrite(func(db *sql.DB) error {
		detailJSON, err := json.Marshal(event.Detail)
		if err != nil {
			return fmt.Errorf("failed to marshal event detail: %w", err)
		}

		query := `
			INSERT INTO audit_events (id, table_id, kind, actor, detail, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
		`

		_, err = db.ExecContext(ctx, query,
			event.ID,
			event.TableID,
			event.Kind,
			event.Actor,
			string(detailJSON),
			event.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to insert audit event: %w", err)
		}

		return nil
	})
}

// GetTableEvents retrieves a table's audit trail in chronological order.
func (s *Store) GetTableEvents(ctx context.Context, tableID string) ([]*types.AuditEvent, error) {
	query := `
		SELECT id, table_id, kind, actor, detail, timestamp
		FROM audit_events
		WHERE table_id = ?
		ORDER BY timestamp ASC
	`

	rows, err := s.db.QueryContext(ctx, query, tableID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*types.AuditEvent

	for rows.Next() {
		var event types.AuditEvent
		var detailJSON string

		err := rows.Scan(
			&event.ID,
			&event.TableID,
			&event.Kind,
			&event.Actor,
			&detailJSON,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event row: %w", err)
		}

		if err := json.Unmarshal([]byte(detailJSON), &event.Detail); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event detail: %w", err)
		}

		events = append(events, &event)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit event rows: %w", err)
	}

	return events, nil
}

// HealthCheck validates database connectivity.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	_, err := s.db.QueryContext(ctx, "SELECT COUNT(*) FROM tables LIMIT 1")
	if err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// GetDB returns the underlying database connection for migrations.
func (s *Store) GetDB() *sql.DB {
	return s.db
}

// Close shuts down the store. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	return nil
}
