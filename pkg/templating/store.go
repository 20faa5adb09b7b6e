package templating

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/CTAG07/stencil/pkg/catalog"
	"github.com/CTAG07/stencil/pkg/sandbox"
	"github.com/natefinch/atomic"
)

// Metadata persists descriptions and defaults outside the template files.
// *catalog.Catalog satisfies it.
type Metadata interface {
	Save(ctx context.Context, e catalog.Entry) error
	All(ctx context.Context) (map[string]catalog.Entry, error)
	Delete(ctx context.Context, id string) error
	RecordRender(ctx context.Context, id string, failed bool) error
}

// Option configures a Store.
type Option func(*Store)

// WithMetadata attaches a metadata catalog to the store.
func WithMetadata(m Metadata) Option {
	return func(s *Store) {
		s.meta = m
	}
}

// AddOptions controls Add.
type AddOptions struct {
	Overwrite   bool
	Description string
	Defaults    map[string]any
}

// SkippedFile is a directory entry Refresh could not load.
type SkippedFile struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// RefreshReport summarizes one Refresh.
type RefreshReport struct {
	Loaded  []string      `json:"loaded"`
	Skipped []SkippedFile `json:"skipped"`
	Removed []string      `json:"removed"`
}

// Store is the in-memory view of a template directory.
// All methods are safe for concurrent use.
type Store struct {
	logger    *slog.Logger
	env       *sandbox.Environment
	meta      Metadata
	dir       string
	templates map[string]*Template
	mu        sync.RWMutex
}

// NewStore binds a store to the directory resolved from cfg, creating the
// directory if needed, and loads it with an initial Refresh.
func NewStore(ctx context.Context, logger *slog.Logger, cfg Config, opts ...Option) (*Store, error) {
	dir, err := cfg.ResolvePath()
	if err != nil {
		return nil, err
	}
	mode := cfg.DirMode
	if mode == 0 {
		mode = 0o755
	}
	if err = os.MkdirAll(dir, mode); err != nil {
		return nil, fmt.Errorf("could not create template directory %s: %w", dir, err)
	}

	s := &Store{
		logger:    logger,
		env:       sandbox.New(sandbox.WithLimits(cfg.Limits)),
		dir:       dir,
		templates: make(map[string]*Template),
	}
	for _, opt := range opts {
		opt(s)
	}

	report, err := s.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("Template store initialized", "dir", dir, "templates", len(report.Loaded), "skipped", len(report.Skipped))
	return s, nil
}

// Dir returns the directory the store is bound to.
func (s *Store) Dir() string {
	return s.dir
}

// Limits returns the sandbox limits every template is held to.
func (s *Store) Limits() sandbox.Limits {
	return s.env.Limits()
}

// Add compiles body and, if it compiles, writes it to the template's file
// and makes it visible. A taken id fails with AlreadyExists before the body
// is compiled unless opts.Overwrite is set. Nothing is written on failure.
func (s *Store) Add(ctx context.Context, id, body string, opts AddOptions) (*Template, error) {
	if !ValidID(id) {
		return nil, newError(KindInvalidID, id, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, id)
	if !opts.Overwrite {
		if _, ok := s.templates[id]; ok {
			return nil, newError(KindAlreadyExists, id, nil)
		}
		if _, err := os.Lstat(path); err == nil {
			return nil, newError(KindAlreadyExists, id, nil)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, newError(KindIO, id, err)
		}
	}

	compiled, err := s.env.Compile(body)
	if err != nil {
		return nil, newError(KindInvalidTemplate, id, err)
	}

	if err = atomic.WriteFile(path, strings.NewReader(body)); err != nil {
		return nil, newError(KindIO, id, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, newError(KindIO, id, err)
	}

	t := &Template{
		ID:          id,
		Description: opts.Description,
		Body:        body,
		Defaults:    maps.Clone(opts.Defaults),
		ModTime:     info.ModTime(),
		compiled:    compiled,
	}
	_, replaced := s.templates[id]
	s.templates[id] = t

	if s.meta != nil {
		entry := catalog.Entry{ID: id, Description: t.Description, Defaults: t.Defaults}
		if err = s.meta.Save(ctx, entry); err != nil {
			s.logger.Warn("Could not save template metadata", "id", id, "error", err)
		}
	}
	s.logger.Info("Template added", "id", id, "size", len(body), "replaced", replaced)
	return t, nil
}

// Remove deletes the template's file and its in-memory entry.
func (s *Store) Remove(ctx context.Context, id string) error {
	if !ValidID(id) {
		return newError(KindInvalidID, id, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.templates[id]; !ok {
		return newError(KindNotFound, id, nil)
	}
	if err := os.Remove(filepath.Join(s.dir, id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return newError(KindIO, id, err)
	}
	delete(s.templates, id)

	if s.meta != nil {
		if err := s.meta.Delete(ctx, id); err != nil {
			s.logger.Warn("Could not delete template metadata", "id", id, "error", err)
		}
	}
	s.logger.Info("Template removed", "id", id)
	return nil
}

// Refresh rescans the directory and replaces the in-memory set with what is
// on disk. Files that cannot be loaded are skipped and reported; they never
// fail the whole refresh. Descriptions and defaults carry over from the
// previous record or the metadata catalog.
func (s *Store) Refresh(ctx context.Context) (RefreshReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := RefreshReport{Loaded: []string{}, Skipped: []SkippedFile{}, Removed: []string{}}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return report, newError(KindIO, "", fmt.Errorf("could not read template directory: %w", err))
	}

	var stored map[string]catalog.Entry
	if s.meta != nil {
		if stored, err = s.meta.All(ctx); err != nil {
			s.logger.Warn("Could not load template metadata", "error", err)
		}
	}

	limits := s.env.Limits()
	loaded := make(map[string]*Template, len(entries))
	// The reported reason is a short category; the underlying error, which
	// may name host paths, only goes to the log.
	skip := func(name, reason string, cause error) {
		s.logger.Warn("Skipping template file", "file", name, "reason", reason, "error", cause)
		report.Skipped = append(report.Skipped, SkippedFile{Name: name, Reason: reason})
	}

	for _, entry := range entries {
		if err = ctx.Err(); err != nil {
			return report, err
		}
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		if !entry.Type().IsRegular() {
			skip(name, "not a regular file", nil)
			continue
		}
		if !ValidID(name) {
			skip(name, "invalid template id", nil)
			continue
		}

		info, err := entry.Info()
		if err != nil {
			skip(name, "could not stat file", err)
			continue
		}
		if info.Size() > int64(limits.MaxTemplateSize) {
			skip(name, fmt.Sprintf("file is %d bytes, limit is %d", info.Size(), limits.MaxTemplateSize), nil)
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			skip(name, "could not read file", err)
			continue
		}
		body := string(raw)
		compiled, err := s.env.Compile(body)
		if err != nil {
			skip(name, "does not compile", err)
			continue
		}

		t := &Template{ID: name, Body: body, ModTime: info.ModTime(), compiled: compiled}
		if prev, ok := s.templates[name]; ok {
			t.Description, t.Defaults = prev.Description, prev.Defaults
		} else if e, ok := stored[name]; ok {
			t.Description, t.Defaults = e.Description, e.Defaults
		}
		loaded[name] = t
		report.Loaded = append(report.Loaded, name)
	}

	for id := range s.templates {
		if _, ok := loaded[id]; !ok {
			report.Removed = append(report.Removed, id)
		}
	}
	slices.Sort(report.Loaded)
	slices.Sort(report.Removed)

	s.templates = loaded
	s.logger.Info("Templates refreshed", "loaded", len(report.Loaded), "skipped", len(report.Skipped), "removed", len(report.Removed))
	return report, nil
}

// Get returns the template stored under id. An id that could never be
// stored is simply not found.
func (s *Store) Get(id string) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, newError(KindNotFound, id, nil)
	}
	return t, nil
}

// List returns the stored ids in sorted order.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.templates))
}

// Templates returns every stored record ordered by id.
func (s *Store) Templates() []*Template {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Template, 0, len(s.templates))
	for _, id := range slices.Sorted(maps.Keys(s.templates)) {
		out = append(out, s.templates[id])
	}
	return out
}

// Render evaluates the template stored under id against vars merged over
// its defaults. Evaluation happens outside the store lock.
func (s *Store) Render(ctx context.Context, id string, vars map[string]any) (string, error) {
	t, err := s.Get(id)
	if err != nil {
		return "", err
	}

	out, err := s.env.Evaluate(ctx, t.compiled, t.Variables(vars))
	s.recordRender(ctx, id, err != nil)
	if err != nil {
		s.logger.Debug("Render failed", "id", id, "reason", EvalReason(err), "error", err)
		return "", newError(KindRenderFailed, id, err)
	}
	return out, nil
}

// RenderRaw decodes raw with DecodeVariablesJSON and renders id with the
// result. The template is looked up first, so a missing template is reported
// as not found even when the variables are also malformed.
func (s *Store) RenderRaw(ctx context.Context, id string, raw json.RawMessage) (string, error) {
	if _, err := s.Get(id); err != nil {
		return "", err
	}
	vars, err := DecodeVariablesJSON(raw)
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			e.ID = id
		}
		return "", err
	}
	return s.Render(ctx, id, vars)
}

// RenderString compiles and evaluates body without storing it.
func (s *Store) RenderString(ctx context.Context, body string, vars map[string]any) (string, error) {
	compiled, err := s.env.Compile(body)
	if err != nil {
		return "", newError(KindInvalidTemplate, "", err)
	}
	out, err := s.env.Evaluate(ctx, compiled, vars)
	if err != nil {
		return "", newError(KindRenderFailed, "", err)
	}
	return out, nil
}

func (s *Store) recordRender(ctx context.Context, id string, failed bool) {
	if s.meta == nil {
		return
	}
	if err := s.meta.RecordRender(context.WithoutCancel(ctx), id, failed); err != nil {
		s.logger.Warn("Could not record render", "id", id, "error", err)
	}
}
