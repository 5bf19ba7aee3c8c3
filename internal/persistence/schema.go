package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS scans (
	id              BIGSERIAL PRIMARY KEY,
	domain          TEXT NOT NULL UNIQUE,
	final_url       TEXT,
	success         BOOLEAN NOT NULL,
	error           TEXT,
	screenshot_path TEXT,
	attempts        INTEGER NOT NULL DEFAULT 1,
	scanned_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS resources (
	id            BIGSERIAL PRIMARY KEY,
	scan_id       BIGINT NOT NULL REFERENCES scans (id) ON DELETE CASCADE,
	url           TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	is_external   BOOLEAN NOT NULL DEFAULT TRUE,
	has_sri       BOOLEAN
);

CREATE INDEX IF NOT EXISTS idx_resources_scan ON resources (scan_id);

CREATE TABLE IF NOT EXISTS dependencies (
	id          BIGSERIAL PRIMARY KEY,
	scan_id     BIGINT NOT NULL REFERENCES scans (id) ON DELETE CASCADE,
	parent_host TEXT NOT NULL,
	host        TEXT NOT NULL,
	url         TEXT NOT NULL,
	confidence  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dependencies_scan ON dependencies (scan_id);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS scans (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	domain          TEXT NOT NULL UNIQUE,
	final_url       TEXT,
	success         INTEGER NOT NULL,
	error           TEXT,
	screenshot_path TEXT,
	attempts        INTEGER NOT NULL DEFAULT 1,
	scanned_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS resources (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	scan_id       INTEGER NOT NULL REFERENCES scans (id) ON DELETE CASCADE,
	url           TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	is_external   INTEGER NOT NULL DEFAULT 1,
	has_sri       INTEGER
);

CREATE INDEX IF NOT EXISTS idx_resources_scan ON resources (scan_id);

CREATE TABLE IF NOT EXISTS dependencies (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	scan_id     INTEGER NOT NULL REFERENCES scans (id) ON DELETE CASCADE,
	parent_host TEXT NOT NULL,
	host        TEXT NOT NULL,
	url         TEXT NOT NULL,
	confidence  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dependencies_scan ON dependencies (scan_id);
`

// Migrate creates the scans, resources and dependencies tables when they are missing.
func Migrate(ctx context.Context, database *sql.DB, dialect Dialect) error {
	var schema string
	switch dialect {
	case Postgres:
		schema = postgresSchema
	case SQLite:
		schema = sqliteSchema
	default:
		return fmt.Errorf("unsupported dialect %q", dialect)
	}
	_, err := database.ExecContext(ctx, schema)
	return err
}
