package catalog

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
)

// SetupSchema creates the catalog tables. It is idempotent and safe to call
// on an already initialized database.
func SetupSchema(db *sql.DB) error {
	const (
		schemaEntries = `
CREATE TABLE IF NOT EXISTS template_entries (
    template_id TEXT PRIMARY KEY,
    description TEXT NOT NULL DEFAULT '',
    defaults TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
`
		schemaStats = `
CREATE TABLE IF NOT EXISTS template_render_stats (
    template_id TEXT PRIMARY KEY,
    renders INTEGER NOT NULL DEFAULT 0,
    failures INTEGER NOT NULL DEFAULT 0,
    last_render INTEGER NOT NULL DEFAULT 0
);
`
	)

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	if _, err = tx.Exec(schemaEntries); err != nil {
		return fmt.Errorf("could not create entries schema: %w", err)
	}
	if _, err = tx.Exec(schemaStats); err != nil {
		return fmt.Errorf("could not create stats schema: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}
	return nil
}

// Catalog holds the database handle and the prepared statements used to read
// and write template metadata.
type Catalog struct {
	db               *sql.DB
	stmtAllEntries   *sql.Stmt
	stmtSaveEntry    *sql.Stmt
	stmtDeleteEntry  *sql.Stmt
	stmtDeleteStats  *sql.Stmt
	stmtRecordRender *sql.Stmt
	stmtAllStats     *sql.Stmt
	logger           *slog.Logger
}

// New prepares the catalog statements against db. SetupSchema must have been
// called on db first.
func New(db *sql.DB) (*Catalog, error) {
	c := &Catalog{
		db:     db,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	stmts := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&c.stmtAllEntries, `SELECT template_id, description, defaults, created_at, updated_at FROM template_entries ORDER BY template_id;`},
		{&c.stmtSaveEntry, `INSERT INTO template_entries (template_id, description, defaults, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(template_id) DO UPDATE SET description = excluded.description, defaults = excluded.defaults, updated_at = excluded.updated_at;`},
		{&c.stmtDeleteEntry, `DELETE FROM template_entries WHERE template_id = ?;`},
		{&c.stmtDeleteStats, `DELETE FROM template_render_stats WHERE template_id = ?;`},
		{&c.stmtRecordRender, `INSERT INTO template_render_stats (template_id, renders, failures, last_render) VALUES (?, 1, ?, ?)
ON CONFLICT(template_id) DO UPDATE SET renders = renders + 1, failures = failures + excluded.failures, last_render = excluded.last_render;`},
		{&c.stmtAllStats, `SELECT template_id, renders, failures, last_render FROM template_render_stats ORDER BY template_id;`},
	}
	for _, s := range stmts {
		stmt, err := db.Prepare(s.query)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("could not prepare statement: %w", err)
		}
		*s.dst = stmt
	}
	return c, nil
}

// Close releases the prepared statements. The database itself is owned by
// the caller and is left open.
func (c *Catalog) Close() {
	for _, stmt := range []*sql.Stmt{
		c.stmtAllEntries, c.stmtSaveEntry, c.stmtDeleteEntry,
		c.stmtDeleteStats, c.stmtRecordRender, c.stmtAllStats,
	} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
}

// SetLogger sets the logger for the Catalog. By default, all logs are discarded.
func (c *Catalog) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}
