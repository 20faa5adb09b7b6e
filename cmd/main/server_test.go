package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CTAG07/stencil/pkg/catalog"
	"github.com/CTAG07/stencil/pkg/templating"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	server     *Server
	cm         *ConfigManager
	store      *templating.Store
	actionChan chan string
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, mutate ...func(*Config)) *testServer {
	t.Helper()
	dir := t.TempDir()

	config := DefaultConfig()
	config.Templates.Path = filepath.Join(dir, "templates")
	config.Server.DatabasePath = filepath.Join(dir, "stencil.db")
	for _, m := range mutate {
		m(config)
	}

	logger := discardLogger()
	cm := NewConfigManager(config, filepath.Join(dir, "config.json"), logger)

	db, cat, err := openCatalog(config.Server.DatabasePath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { closeCatalog(db, cat, logger) })

	var opts []templating.Option
	if cat != nil {
		opts = append(opts, templating.WithMetadata(cat))
	}
	store, err := templating.NewStore(context.Background(), logger, *config.Templates, opts...)
	require.NoError(t, err)

	actionChan := make(chan string, 1)
	return &testServer{
		server:     NewServer(cm, logger, store, db, cat, actionChan),
		cm:         cm,
		store:      store,
		actionChan: actionChan,
	}
}

// do sends a request through the full router. body may be a string sent as
// is, or any value encoded as JSON.
func (ts *testServer) do(t *testing.T, method, path string, body any, key string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if key != "" {
		req.Header.Set(authHeader, key)
	}
	rr := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), "body: %s", rr.Body.String())
	return v
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodGet, "/api/health", nil, "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decodeBody[map[string]string](t, rr)["status"])
}

func TestTemplateLifecycle(t *testing.T) {
	ts := newTestServer(t)

	create := map[string]any{
		"id":          "greet.tmpl",
		"description": "Greets someone",
		"template":    "{{ greeting }} {{ name }}!",
		"defaults":    map[string]any{"greeting": "Hello"},
	}
	rr := ts.do(t, http.MethodPost, "/api/templates", create, "")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = ts.do(t, http.MethodPost, "/api/templates", create, "")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "template already exists", decodeBody[errorResponse](t, rr).Error)

	rr = ts.do(t, http.MethodGet, "/api/templates/greet.tmpl", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	detail := decodeBody[TemplateDetail](t, rr)
	assert.Equal(t, "Greets someone", detail.Description)
	assert.Equal(t, "{{ greeting }} {{ name }}!", detail.Template)
	assert.Equal(t, "Hello", detail.Defaults["greeting"])

	rr = ts.do(t, http.MethodGet, "/api/templates", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	list := decodeBody[[]TemplateSummary](t, rr)
	require.Len(t, list, 1)
	assert.Equal(t, "greet.tmpl", list[0].ID)
	assert.Equal(t, len("{{ greeting }} {{ name }}!"), list[0].Size)

	t.Run("render with object variables", func(t *testing.T) {
		rr := ts.do(t, http.MethodPost, "/api/templates/greet.tmpl/render", `{"variables": {"name": "World"}}`, "")
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, "Hello World!", rr.Body.String())
		assert.Contains(t, rr.Header().Get("Content-Type"), "text/plain")
	})

	t.Run("render with string variables", func(t *testing.T) {
		rr := ts.do(t, http.MethodPost, "/api/templates/greet.tmpl/render", `{"variables": "{\"name\": \"World\", \"greeting\": \"Hi\"}"}`, "")
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, "Hi World!", rr.Body.String())
	})

	t.Run("overwrite", func(t *testing.T) {
		create["template"] = "Bye {{ name }}"
		rr := ts.do(t, http.MethodPost, "/api/templates?overwrite=true", create, "")
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		rr = ts.do(t, http.MethodPost, "/api/templates/greet.tmpl/render", `{"variables": {"name": "World"}}`, "")
		assert.Equal(t, "Bye World", rr.Body.String())
	})

	rr = ts.do(t, http.MethodDelete, "/api/templates/greet.tmpl", nil, "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = ts.do(t, http.MethodGet, "/api/templates/greet.tmpl", nil, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestTemplateErrorStatuses(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.store.Add(context.Background(), "ok.tmpl", "Hello {{ name }}", templating.AddOptions{})
	require.NoError(t, err)

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
		wantError  string
		wantReason string
	}{
		{"invalid id", http.MethodPost, "/api/templates", map[string]any{"id": "bad/id", "template": "x"}, http.StatusBadRequest, "invalid template id", ""},
		{"compile error", http.MethodPost, "/api/templates", map[string]any{"id": "broken", "template": "{% if x %}never closed"}, http.StatusUnprocessableEntity, "template does not compile", ""},
		{"defaults not an object", http.MethodPost, "/api/templates", map[string]any{"id": "d", "template": "x", "defaults": []int{1}}, http.StatusBadRequest, "invalid variables", ""},
		{"overwrite not a bool", http.MethodPost, "/api/templates?overwrite=maybe", map[string]any{"id": "x", "template": "x"}, http.StatusBadRequest, "overwrite must be a boolean", ""},
		{"render missing", http.MethodPost, "/api/templates/nope/render", `{"variables": {}}`, http.StatusNotFound, "template not found", ""},
		{"render missing wins over bad variables", http.MethodPost, "/api/templates/nope/render", `{"variables": "[1, 2]"}`, http.StatusNotFound, "template not found", ""},
		{"variables array", http.MethodPost, "/api/templates/ok.tmpl/render", `{"variables": "[1, 2]"}`, http.StatusBadRequest, "invalid variables", ""},
		{"variables number", http.MethodPost, "/api/templates/ok.tmpl/render", `{"variables": 5}`, http.StatusBadRequest, "invalid variables", ""},
		{"variables not json", http.MethodPost, "/api/templates/ok.tmpl/render", `{"variables": "{name"}`, http.StatusBadRequest, "invalid variables", ""},
		{"malformed render body", http.MethodPost, "/api/templates/ok.tmpl/render", `{"variables": `, http.StatusBadRequest, "invalid variables", ""},
		{"render missing wins over malformed body", http.MethodPost, "/api/templates/nope/render", `not json`, http.StatusNotFound, "template not found", ""},
		{"undefined variable", http.MethodPost, "/api/templates/ok.tmpl/render", `{"variables": {}}`, http.StatusUnprocessableEntity, "render failed", "undefined"},
		{"preview eval error", http.MethodPost, "/api/templates/preview", `{"template": "{{ 1 / 0 }}"}`, http.StatusUnprocessableEntity, "render failed", "division_by_zero"},
		{"get invalid id", http.MethodGet, "/api/templates/what%3F", nil, http.StatusNotFound, "template not found", ""},
		{"delete missing", http.MethodDelete, "/api/templates/nope", nil, http.StatusNotFound, "template not found", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(t, tt.method, tt.path, tt.body, "")
			assert.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			if tt.wantError == "" {
				return
			}
			resp := decodeBody[errorResponse](t, rr)
			assert.Equal(t, tt.wantError, resp.Error)
			assert.Equal(t, tt.wantReason, resp.Reason)
		})
	}
}

func TestErrorBodyDoesNotLeakDetails(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodPost, "/api/templates", map[string]any{"id": "secret", "template": "{{ secret_value"}, "")
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.NotContains(t, rr.Body.String(), "secret_value")
	assert.NotContains(t, rr.Body.String(), ts.store.Dir())
}

func TestRenderWithoutBodyUsesDefaults(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.store.Add(context.Background(), "d.tmpl", "{{ who }}", templating.AddOptions{
		Defaults: map[string]any{"who": "default"},
	})
	require.NoError(t, err)

	rr := ts.do(t, http.MethodPost, "/api/templates/d.tmpl/render", nil, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "default", rr.Body.String())
}

func TestPreview(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodPost, "/api/templates/preview", `{"template": "{{ n + 1 }}", "variables": {"n": 41}}`, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "42", rr.Body.String())
	assert.Empty(t, ts.store.List())
}

func TestRefreshEndpoint(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, writeTemplateFile(ts.store.Dir(), "a.tmpl", "A"))
	require.NoError(t, writeTemplateFile(ts.store.Dir(), "b.tmpl", "{% for %}"))

	rr := ts.do(t, http.MethodPost, "/api/templates/refresh", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	report := decodeBody[templating.RefreshReport](t, rr)
	assert.Equal(t, []string{"a.tmpl"}, report.Loaded)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, "b.tmpl", report.Skipped[0].Name)
	assert.Equal(t, []string{"a.tmpl"}, ts.store.List())
}

func TestStats(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	_, err := ts.store.Add(ctx, "a.tmpl", "{{ x }}", templating.AddOptions{})
	require.NoError(t, err)
	_, err = ts.store.Add(ctx, "b.tmpl", "static", templating.AddOptions{})
	require.NoError(t, err)

	ts.do(t, http.MethodPost, "/api/templates/a.tmpl/render", `{"variables": {"x": 1}}`, "")
	ts.do(t, http.MethodPost, "/api/templates/a.tmpl/render", `{"variables": {}}`, "")
	ts.do(t, http.MethodPost, "/api/templates/b.tmpl/render", nil, "")

	rr := ts.do(t, http.MethodGet, "/api/stats", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	stats := decodeBody[StatsResponse](t, rr)
	assert.Equal(t, 2, stats.Summary.Templates)
	assert.EqualValues(t, 3, stats.Summary.TotalRenders)
	assert.EqualValues(t, 1, stats.Summary.TotalFailures)

	rr = ts.do(t, http.MethodGet, "/api/stats/templates?limit=1", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	top := decodeBody[[]catalog.RenderStats](t, rr)
	require.Len(t, top, 1)
	assert.Equal(t, "a.tmpl", top[0].ID)
	assert.Equal(t, 2, top[0].Renders)

	rr = ts.do(t, http.MethodGet, "/api/stats/templates?limit=-1", nil, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStatsWithoutDatabase(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.Server.DatabasePath = "" })
	rr := ts.do(t, http.MethodGet, "/api/stats/summary", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, StatsSummary{}, decodeBody[StatsSummary](t, rr))
}

func TestAuthScopes(t *testing.T) {
	ts := newTestServer(t)

	// The first key always becomes a master key.
	rr := ts.do(t, http.MethodPost, "/api/auth/keys", CreateKeyRequest{Scopes: []string{scopeTemplatesRead}, Description: "admin"}, "")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	master := decodeBody[CreateKeyResponse](t, rr)
	assert.Equal(t, []string{scopeMaster}, master.Scopes)
	assert.True(t, strings.HasPrefix(master.RawKey, "stn_"))

	rr = ts.do(t, http.MethodGet, "/api/templates", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	rr = ts.do(t, http.MethodGet, "/api/templates", nil, "stn_wrong")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	rr = ts.do(t, http.MethodGet, "/api/health", nil, "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = ts.do(t, http.MethodPost, "/api/auth/keys", CreateKeyRequest{Scopes: []string{"templates:everything"}}, master.RawKey)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodPost, "/api/auth/keys", CreateKeyRequest{Scopes: []string{scopeTemplatesRead}, Description: "reader"}, master.RawKey)
	require.Equal(t, http.StatusCreated, rr.Code)
	reader := decodeBody[CreateKeyResponse](t, rr)
	assert.Equal(t, []string{scopeTemplatesRead}, reader.Scopes)

	rr = ts.do(t, http.MethodGet, "/api/auth/me", nil, reader.RawKey)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []any{scopeTemplatesRead}, decodeBody[map[string]any](t, rr)["scopes"])

	rr = ts.do(t, http.MethodGet, "/api/templates", nil, reader.RawKey)
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = ts.do(t, http.MethodPost, "/api/templates", map[string]any{"id": "x", "template": "x"}, reader.RawKey)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = ts.do(t, http.MethodGet, "/api/auth/keys", nil, reader.RawKey)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = ts.do(t, http.MethodGet, "/api/stats", nil, reader.RawKey)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = ts.do(t, http.MethodGet, "/api/auth/keys", nil, master.RawKey)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[[]APIKeyInfo](t, rr), 2)

	rr = ts.do(t, http.MethodDelete, "/api/auth/keys/1", nil, master.RawKey)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = ts.do(t, http.MethodDelete, "/api/auth/keys/99", nil, master.RawKey)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, http.MethodDelete, "/api/auth/keys/2", nil, master.RawKey)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = ts.do(t, http.MethodGet, "/api/templates", nil, reader.RawKey)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestOpenAccessWithoutDatabase(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.Server.DatabasePath = "" })

	rr := ts.do(t, http.MethodGet, "/api/auth/me", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	rr = ts.do(t, http.MethodPost, "/api/auth/keys", CreateKeyRequest{}, "")
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodPatch, "/api/templates", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestVersion(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodGet, "/api/version", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	info := decodeBody[VersionInfo](t, rr)
	assert.Equal(t, "stencil", info.Name)
	assert.Equal(t, Version, info.Version)
}

func TestServerConfigRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/api/server/config", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	config := decodeBody[Config](t, rr)
	require.NotNil(t, config.Server)
	assert.False(t, ts.cm.IsTrusted("10.1.2.3"))

	config.Server.TrustedProxies = []string{"10.0.0.0/8"}
	rr = ts.do(t, http.MethodPut, "/api/server/config", config, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.True(t, ts.cm.IsTrusted("10.1.2.3"))

	reloaded, err := LoadConfig(ts.cm.configPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/8"}, reloaded.Server.TrustedProxies)

	rr = ts.do(t, http.MethodPut, "/api/server/config", `{}`, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServerControl(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/api/server/restart", nil, "")
	require.Equal(t, http.StatusAccepted, rr.Code)
	select {
	case action := <-ts.actionChan:
		assert.Equal(t, actionRestart, action)
	case <-time.After(time.Second):
		t.Fatal("restart action was not sent")
	}

	// A second action while one is pending must not block the handler.
	ts.do(t, http.MethodPost, "/api/server/shutdown", nil, "")
	rr = ts.do(t, http.MethodPost, "/api/server/restart", nil, "")
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, actionShutdown, <-ts.actionChan)
}

func TestRequestID(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/api/health", nil, "")
	assert.NotEmpty(t, rr.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rr = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rr, req)
	assert.Equal(t, "abc-123", rr.Header().Get(requestIDHeader))
}

func TestBodyLimit(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.Server.MaxBodyBytes = 64 })
	body := map[string]any{"id": "big", "template": strings.Repeat("x", 1024)}
	rr := ts.do(t, http.MethodPost, "/api/templates", body, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, ts.store.List())
}

func TestClientIP(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.1.2.3")
	assert.Equal(t, "10.1.2.3", ts.server.clientIP(req), "untrusted peers cannot spoof their address")

	config := ts.cm.Get()
	config.Server.TrustedProxies = []string{"10.0.0.0/8"}
	require.NoError(t, ts.cm.Update(config))
	assert.Equal(t, "203.0.113.9", ts.server.clientIP(req))

	req.Header.Del("X-Forwarded-For")
	req.Header.Set("X-Real-Ip", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", ts.server.clientIP(req))
}
