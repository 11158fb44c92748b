package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks a live database against the expected structure,
// independent of the migration system, for deployment verification.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a schema validator.
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist.
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"tables":            "Table lifecycle storage",
		"audit_events":      "Audit event storage",
		"schema_migrations": "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.tableExists(table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies column names and types match what the
// store's scan code expects.
func (v *SchemaValidator) ValidateTableStructure() error {
	tableColumns := map[string]string{
		"id":         "TEXT",
		"name":       "TEXT",
		"created_by": "TEXT",
		"start_time": "DATETIME",
		"end_time":   "DATETIME",
		"status":     "TEXT",
	}
	if err := v.validateColumns("tables", tableColumns); err != nil {
		return fmt.Errorf("tables table structure invalid: %w", err)
	}

	auditColumns := map[string]string{
		"id":        "TEXT",
		"table_id":  "TEXT",
		"kind":      "TEXT",
		"actor":     "TEXT",
		"detail":    "TEXT",
		"timestamp": "DATETIME",
	}
	if err := v.validateColumns("audit_events", auditColumns); err != nil {
		return fmt.Errorf("audit_events table structure invalid: %w", err)
	}

	return nil
}

// ValidateIndexes verifies that all performance indexes exist.
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_tables_status":           "Active table lookups",
		"idx_tables_created_by":       "Table ownership queries",
		"idx_audit_events_table_time": "Per-table audit retrieval",
		"idx_audit_events_kind":       "Audit kind filtering",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.indexExists(index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}

	return nil
}

func (v *SchemaValidator) tableExists(tableName string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
		tableName,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) indexExists(indexName string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?",
		indexName,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, dataType string
		var notNull int
		var defaultValue interface{}
		var pk int

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return rows.Err()
}
