package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	_ "github.com/mattn/go-sqlite3"
)

func setupTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	dbFile := filepath.Join(t.TempDir(), "catalog.db")
	db, err := sql.Open("sqlite3", dbFile+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err = SetupSchema(db); err != nil {
		t.Fatalf("failed to set up schema: %v", err)
	}
	// A second call must be a no-op.
	if err = SetupSchema(db); err != nil {
		t.Fatalf("SetupSchema is not idempotent: %v", err)
	}

	c, err := New(db)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// entry reads one entry back through All.
func entry(t *testing.T, c *Catalog, id string) (Entry, bool) {
	t.Helper()
	all, err := c.All(context.Background())
	if err != nil {
		t.Fatalf("All() failed: %v", err)
	}
	e, ok := all[id]
	return e, ok
}

func TestSaveAndAll(t *testing.T) {
	c := setupTestCatalog(t)
	ctx := context.Background()

	e := Entry{
		ID:          "greet.tmpl",
		Description: "Says hello",
		Defaults:    map[string]any{"name": "World", "count": 3},
	}
	if err := c.Save(ctx, e); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	got, ok := entry(t, c, "greet.tmpl")
	if !ok {
		t.Fatal("saved entry is missing")
	}
	want := map[string]any{"name": "World", "count": json.Number("3")}
	if diff := cmp.Diff(want, got.Defaults); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
	if got.Description != "Says hello" {
		t.Errorf("expected description %q, got %q", "Says hello", got.Description)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}
}

func TestSaveOverwrites(t *testing.T) {
	c := setupTestCatalog(t)
	ctx := context.Background()

	if err := c.Save(ctx, Entry{ID: "a", Description: "first", Defaults: map[string]any{"x": "1"}}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	first, _ := entry(t, c, "a")
	if err := c.Save(ctx, Entry{ID: "a", Description: "second"}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	got, ok := entry(t, c, "a")
	if !ok {
		t.Fatal("saved entry is missing")
	}
	if got.Description != "second" {
		t.Errorf("expected description to be replaced, got %q", got.Description)
	}
	if got.Defaults != nil {
		t.Errorf("expected defaults to be cleared, got %v", got.Defaults)
	}
	if !got.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("expected created_at to be kept, got %v then %v", first.CreatedAt, got.CreatedAt)
	}
}

func TestAllEmpty(t *testing.T) {
	c := setupTestCatalog(t)
	all, err := c.All(context.Background())
	if err != nil {
		t.Fatalf("All() failed: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("expected no entries, got %v", all)
	}
}

func TestAllAndDelete(t *testing.T) {
	c := setupTestCatalog(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		if err := c.Save(ctx, Entry{ID: id, Description: "desc " + id}); err != nil {
			t.Fatalf("Save(%q) failed: %v", id, err)
		}
	}
	if err := c.RecordRender(ctx, "b", false); err != nil {
		t.Fatalf("RecordRender() failed: %v", err)
	}

	if err := c.Delete(ctx, "b"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := c.Delete(ctx, "never-existed"); err != nil {
		t.Fatalf("Delete() of a missing id failed: %v", err)
	}

	all, err := c.All(ctx)
	if err != nil {
		t.Fatalf("All() failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	if _, ok := all["b"]; ok {
		t.Error("deleted entry still present")
	}
	if all["c"].Description != "desc c" {
		t.Errorf("unexpected description %q", all["c"].Description)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if len(stats) != 0 {
		t.Errorf("expected stats for deleted id to be removed, got %v", stats)
	}
}

func TestRecordRender(t *testing.T) {
	c := setupTestCatalog(t)
	ctx := context.Background()

	for _, failed := range []bool{false, false, true} {
		if err := c.RecordRender(ctx, "greet.tmpl", failed); err != nil {
			t.Fatalf("RecordRender() failed: %v", err)
		}
	}
	if err := c.RecordRender(ctx, "other.tmpl", true); err != nil {
		t.Fatalf("RecordRender() failed: %v", err)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 stat rows, got %d", len(stats))
	}

	got := map[string][2]int{}
	for _, s := range stats {
		got[s.ID] = [2]int{s.Renders, s.Failures}
		if s.LastRender.IsZero() {
			t.Errorf("expected last render time for %q", s.ID)
		}
	}
	want := map[string][2]int{"greet.tmpl": {3, 1}, "other.tmpl": {1, 1}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}
