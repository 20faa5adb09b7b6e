package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/CTAG07/stencil/pkg/templating"
	"github.com/gorilla/mux"
)

// TemplateAPI holds the dependencies for the template API handlers.
type TemplateAPI struct {
	store  *templating.Store
	logger *slog.Logger
}

// NewTemplateAPI creates a new instance of the TemplateAPI.
func NewTemplateAPI(store *templating.Store, logger *slog.Logger) *TemplateAPI {
	return &TemplateAPI{
		store:  store,
		logger: logger,
	}
}

// TemplateSummary is one entry of the template list.
type TemplateSummary struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Size        int       `json:"size"`
	Modified    time.Time `json:"modified"`
}

// TemplateDetail is a single template with its source.
type TemplateDetail struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Template    string         `json:"template"`
	Defaults    map[string]any `json:"defaults"`
}

// CreateTemplateRequest is the expected JSON body for creating a template.
type CreateTemplateRequest struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Template    string          `json:"template"`
	Defaults    json.RawMessage `json:"defaults"`
}

// RenderRequest is the body of a render call. Variables may be a JSON object
// or a string holding one.
type RenderRequest struct {
	Variables json.RawMessage `json:"variables"`
}

// RenderPreviewRequest renders a body without storing it.
type RenderPreviewRequest struct {
	Template  string          `json:"template"`
	Variables json.RawMessage `json:"variables"`
}

// RegisterRoutes sets up the routing for all /api/templates endpoints.
func (t *TemplateAPI) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/templates", requireScope(scopeTemplatesRead, t.handleList)).Methods(http.MethodGet)
	r.HandleFunc("/templates", requireScope(scopeTemplatesWrite, t.handleCreate)).Methods(http.MethodPost)
	r.HandleFunc("/templates/refresh", requireScope(scopeTemplatesWrite, t.handleRefresh)).Methods(http.MethodPost)
	r.HandleFunc("/templates/preview", requireScope(scopeTemplatesRead, t.handlePreview)).Methods(http.MethodPost)
	r.HandleFunc("/templates/{id}", requireScope(scopeTemplatesRead, t.handleGet)).Methods(http.MethodGet)
	r.HandleFunc("/templates/{id}", requireScope(scopeTemplatesWrite, t.handleDelete)).Methods(http.MethodDelete)
	r.HandleFunc("/templates/{id}/render", requireScope(scopeTemplatesRead, t.handleRender)).Methods(http.MethodPost)
}

// handleList returns every stored template without its body.
func (t *TemplateAPI) handleList(w http.ResponseWriter, _ *http.Request) {
	templates := t.store.Templates()
	out := make([]TemplateSummary, 0, len(templates))
	for _, tmpl := range templates {
		out = append(out, TemplateSummary{
			ID:          tmpl.ID,
			Description: tmpl.Description,
			Size:        tmpl.Size(),
			Modified:    tmpl.ModTime,
		})
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (t *TemplateAPI) handleGet(w http.ResponseWriter, r *http.Request) {
	tmpl, err := t.store.Get(mux.Vars(r)["id"])
	if err != nil {
		respondWithStoreError(w, t.logger, err)
		return
	}
	respondWithJSON(w, http.StatusOK, TemplateDetail{
		ID:          tmpl.ID,
		Description: tmpl.Description,
		Template:    tmpl.Body,
		Defaults:    tmpl.Defaults,
	})
}

// handleCreate stores a new template. ?overwrite=true replaces an existing one.
func (t *TemplateAPI) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	overwrite := false
	if v := r.URL.Query().Get("overwrite"); v != "" {
		var err error
		if overwrite, err = strconv.ParseBool(v); err != nil {
			respondWithError(w, http.StatusBadRequest, "overwrite must be a boolean")
			return
		}
	}

	defaults, err := templating.DecodeVariablesJSON(req.Defaults)
	if err != nil {
		respondWithStoreError(w, t.logger, err)
		return
	}

	tmpl, err := t.store.Add(r.Context(), req.ID, req.Template, templating.AddOptions{
		Overwrite:   overwrite,
		Description: req.Description,
		Defaults:    defaults,
	})
	if err != nil {
		respondWithStoreError(w, t.logger, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, TemplateDetail{
		ID:          tmpl.ID,
		Description: tmpl.Description,
		Template:    tmpl.Body,
		Defaults:    tmpl.Defaults,
	})
}

func (t *TemplateAPI) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := t.store.Remove(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondWithStoreError(w, t.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRender renders a stored template and returns the text as-is. A body
// that is not a RenderRequest is handed to the store as the variables
// themselves, so a missing template still reports not found first.
func (t *TemplateAPI) handleRender(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var req RenderRequest
	if len(bytes.TrimSpace(body)) != 0 {
		if err = json.Unmarshal(body, &req); err != nil {
			req.Variables = body
		}
	}

	out, err := t.store.RenderRaw(r.Context(), id, req.Variables)
	if err != nil {
		respondWithStoreError(w, t.logger, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(out))
}

// handlePreview compiles and renders a body without saving it, so a template
// can be tried out before it is stored.
func (t *TemplateAPI) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req RenderPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	vars, err := templating.DecodeVariablesJSON(req.Variables)
	if err != nil {
		respondWithStoreError(w, t.logger, err)
		return
	}
	out, err := t.store.RenderString(r.Context(), req.Template, vars)
	if err != nil {
		respondWithStoreError(w, t.logger, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(out))
}

// handleRefresh rescans the template directory.
func (t *TemplateAPI) handleRefresh(w http.ResponseWriter, r *http.Request) {
	report, err := t.store.Refresh(r.Context())
	if err != nil {
		respondWithStoreError(w, t.logger, err)
		return
	}
	t.logger.Info("Templates refreshed via API", "loaded", len(report.Loaded))
	respondWithJSON(w, http.StatusOK, report)
}
