package catalog

import (
	"context"
	"database/sql"
	"time"
)

// RenderStats holds the render counters for a single template.
type RenderStats struct {
	ID         string    `json:"id"`
	Renders    int       `json:"renders"`  // Total render attempts, failed ones included.
	Failures   int       `json:"failures"` // Attempts that ended in an error.
	LastRender time.Time `json:"last_render"`
}

// RecordRender counts one render attempt for id.
func (c *Catalog) RecordRender(ctx context.Context, id string, failed bool) error {
	failures := 0
	if failed {
		failures = 1
	}
	_, err := c.stmtRecordRender.ExecContext(ctx, id, failures, time.Now().Unix())
	return err
}

// Stats returns the render counters for every template that has been
// rendered at least once, ordered by id.
func (c *Catalog) Stats(ctx context.Context) ([]RenderStats, error) {
	rows, err := c.stmtAllStats.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	stats := make([]RenderStats, 0)
	for rows.Next() {
		var (
			s    RenderStats
			last int64
		)
		if err = rows.Scan(&s.ID, &s.Renders, &s.Failures, &last); err != nil {
			return nil, err
		}
		s.LastRender = time.Unix(last, 0)
		stats = append(stats, s)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return stats, nil
}
