package main

import (
	"cmp"
	"log/slog"
	"net/http"
	"slices"
	"strconv"

	"github.com/CTAG07/stencil/pkg/catalog"
	"github.com/CTAG07/stencil/pkg/templating"
	"github.com/gorilla/mux"
)

// StatsSummary provides a high-level overview of the template library.
type StatsSummary struct {
	Templates     int   `json:"templates"`
	TotalBytes    int64 `json:"total_bytes"`
	TotalRenders  int64 `json:"total_renders"`
	TotalFailures int64 `json:"total_failures"`
}

// StatsAPI holds the dependencies for the statistics handlers. cat is nil
// when no database is configured, in which case render counters read as zero.
type StatsAPI struct {
	store  *templating.Store
	cat    *catalog.Catalog
	logger *slog.Logger
}

func NewStatsAPI(store *templating.Store, cat *catalog.Catalog, logger *slog.Logger) *StatsAPI {
	return &StatsAPI{
		store:  store,
		cat:    cat,
		logger: logger,
	}
}

// StatsResponse is the combined body of GET /api/stats.
type StatsResponse struct {
	Summary   StatsSummary          `json:"summary"`
	Templates []catalog.RenderStats `json:"templates"`
}

func (s *StatsAPI) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/stats", requireScope(scopeStatsRead, s.handleStats)).Methods(http.MethodGet)
	r.HandleFunc("/stats/summary", requireScope(scopeStatsRead, s.handleSummary)).Methods(http.MethodGet)
	r.HandleFunc("/stats/templates", requireScope(scopeStatsRead, s.handleTemplateStats)).Methods(http.MethodGet)
}

func (s *StatsAPI) renderStats(r *http.Request) ([]catalog.RenderStats, error) {
	if s.cat == nil {
		return []catalog.RenderStats{}, nil
	}
	return s.cat.Stats(r.Context())
}

func (s *StatsAPI) summarize(stats []catalog.RenderStats) StatsSummary {
	var summary StatsSummary
	for _, t := range s.store.Templates() {
		summary.Templates++
		summary.TotalBytes += int64(t.Size())
	}
	for _, st := range stats {
		summary.TotalRenders += int64(st.Renders)
		summary.TotalFailures += int64(st.Failures)
	}
	return summary
}

func (s *StatsAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.renderStats(r)
	if err != nil {
		s.logger.Error("Failed to query render stats", "error", err)
		respondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondWithJSON(w, http.StatusOK, StatsResponse{Summary: s.summarize(stats), Templates: stats})
}

func (s *StatsAPI) handleSummary(w http.ResponseWriter, r *http.Request) {
	stats, err := s.renderStats(r)
	if err != nil {
		s.logger.Error("Failed to query render stats", "error", err)
		respondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondWithJSON(w, http.StatusOK, s.summarize(stats))
}

// handleTemplateStats returns per-template render counters, busiest first.
// ?limit=N caps the result.
func (s *StatsAPI) handleTemplateStats(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondWithError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	stats, err := s.renderStats(r)
	if err != nil {
		s.logger.Error("Failed to query render stats", "error", err)
		respondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}
	slices.SortStableFunc(stats, func(a, b catalog.RenderStats) int {
		return cmp.Compare(b.Renders, a.Renders)
	})
	if limit > 0 && len(stats) > limit {
		stats = stats[:limit]
	}
	respondWithJSON(w, http.StatusOK, stats)
}
