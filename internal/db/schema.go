package db

import (
	"database/sql"
	"fmt"
)

// SchemaVersion is the version recorded for SchemaSQL.
const SchemaVersion = 1

// SchemaSQL is the complete schema of the event database.
//
// This is the single source of truth: tests load it via GetSchemaSQL() rather
// than declaring their own tables.
const SchemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Events (audit trail of queue activity)
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	ticket_id TEXT NOT NULL,
	step TEXT,
	session_id TEXT,
	kind TEXT NOT NULL,
	detail TEXT,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_ticket ON events(ticket_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
`

// InitSchema creates missing tables and records the schema version.
func InitSchema(database *sql.DB) error {
	if _, err := database.Exec(SchemaSQL); err != nil {
		return err
	}
	var current int
	if err := database.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}
	if current > SchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, SchemaVersion)
	}
	if current < SchemaVersion {
		if _, err := database.Exec("INSERT INTO schema_version (version) VALUES (?)", SchemaVersion); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	}
	return nil
}

// GetSchemaSQL returns the authoritative schema.
func GetSchemaSQL() string {
	return SchemaSQL
}
