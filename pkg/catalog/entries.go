package catalog

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Entry is the stored metadata for one template.
type Entry struct {
	ID          string
	Description string
	Defaults    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Save inserts or updates the entry for e.ID. CreatedAt is kept from the
// first save; UpdatedAt is set to the current time.
func (c *Catalog) Save(ctx context.Context, e Entry) error {
	defaults, err := encodeDefaults(e.Defaults)
	if err != nil {
		return fmt.Errorf("could not encode defaults for %q: %w", e.ID, err)
	}
	now := time.Now().Unix()
	if _, err = c.stmtSaveEntry.ExecContext(ctx, e.ID, e.Description, defaults, now, now); err != nil {
		return fmt.Errorf("could not save entry %q: %w", e.ID, err)
	}
	c.logger.Debug("Saved catalog entry", "id", e.ID)
	return nil
}

// All returns every stored entry keyed by template id.
func (c *Catalog) All(ctx context.Context) (map[string]Entry, error) {
	rows, err := c.stmtAllEntries.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	entries := make(map[string]Entry)
	for rows.Next() {
		var (
			e                Entry
			defaults         string
			created, updated int64
		)
		if err = rows.Scan(&e.ID, &e.Description, &defaults, &created, &updated); err != nil {
			return nil, err
		}
		if e.Defaults, err = decodeDefaults(defaults); err != nil {
			c.logger.Warn("Skipping catalog entry with corrupt defaults", "id", e.ID, "error", err)
			continue
		}
		e.CreatedAt = time.Unix(created, 0)
		e.UpdatedAt = time.Unix(updated, 0)
		entries[e.ID] = e
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Delete removes the entry and the render counters for id. Deleting an id
// that has no entry is not an error.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	if _, err = tx.StmtContext(ctx, c.stmtDeleteEntry).ExecContext(ctx, id); err != nil {
		return fmt.Errorf("could not delete entry %q: %w", id, err)
	}
	if _, err = tx.StmtContext(ctx, c.stmtDeleteStats).ExecContext(ctx, id); err != nil {
		return fmt.Errorf("could not delete stats for %q: %w", id, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}
	c.logger.Debug("Deleted catalog entry", "id", id)
	return nil
}

func encodeDefaults(defaults map[string]any) (string, error) {
	if len(defaults) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(defaults)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeDefaults keeps numbers as json.Number so integers survive the round trip.
func decodeDefaults(s string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var defaults map[string]any
	if err := dec.Decode(&defaults); err != nil {
		return nil, err
	}
	if len(defaults) == 0 {
		return nil, nil
	}
	return defaults, nil
}
