package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"meetnotes/config"
)

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS note_documents (
	id TEXT PRIMARY KEY,
	year INTEGER NOT NULL UNIQUE,
	state {{json}},
	created_by TEXT NOT NULL,
	created_at {{timestamp}} NOT NULL,
	updated_at {{timestamp}} NOT NULL,
	updated_by TEXT
);

CREATE TABLE IF NOT EXISTS note_versions (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES note_documents(id) ON DELETE CASCADE,
	version_number INTEGER NOT NULL,
	state {{binary}} NOT NULL,
	compression TEXT NOT NULL DEFAULT 'none',
	kind TEXT NOT NULL,
	author_id TEXT NOT NULL,
	author_name TEXT NOT NULL,
	note TEXT,
	created_at {{timestamp}} NOT NULL,
	UNIQUE (document_id, version_number)
);

CREATE INDEX IF NOT EXISTS idx_note_versions_document ON note_versions(document_id, version_number);
`

// Schema renders the DDL for driver.
func Schema(driver string) (string, error) {
	var r *strings.Replacer
	switch driver {
	case config.DriverPostgres:
		r = strings.NewReplacer("{{json}}", "JSONB", "{{binary}}", "BYTEA", "{{timestamp}}", "TIMESTAMPTZ")
	case config.DriverSQLite:
		r = strings.NewReplacer("{{json}}", "TEXT", "{{binary}}", "BLOB", "{{timestamp}}", "TIMESTAMP")
	default:
		return "", fmt.Errorf("unsupported driver %q", driver)
	}
	return r.Replace(schemaTemplate), nil
}

// Migrate creates the notes tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	schema, err := Schema(driver)
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
