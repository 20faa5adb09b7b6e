package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

const (
	actionShutdown = "shutdown"
	actionRestart  = "restart"
)

// ServerAPI holds the dependencies for the main application API handlers.
type ServerAPI struct {
	cm         *ConfigManager
	actionChan chan string
	logger     *slog.Logger
}

// VersionInfo defines the structure for build/version information.
type VersionInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// NewServerAPI creates a new instance of the ServerAPI.
func NewServerAPI(cm *ConfigManager, actionChan chan string, logger *slog.Logger) *ServerAPI {
	return &ServerAPI{
		cm:         cm,
		actionChan: actionChan,
		logger:     logger,
	}
}

// RegisterRoutes sets up the routing for all /api/server endpoints.
func (a *ServerAPI) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/version", a.handleVersion).Methods(http.MethodGet)
	r.HandleFunc("/server/config", requireScope(scopeServerConfig, a.handleGetConfig)).Methods(http.MethodGet)
	r.HandleFunc("/server/config", requireScope(scopeServerConfig, a.handleUpdateConfig)).Methods(http.MethodPut)
	r.HandleFunc("/server/shutdown", requireScope(scopeServerControl, a.handleShutdown)).Methods(http.MethodPost)
	r.HandleFunc("/server/restart", requireScope(scopeServerControl, a.handleRestart)).Methods(http.MethodPost)
}

func (a *ServerAPI) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	respondWithJSON(w, http.StatusOK, a.cm.Get())
}

// handleUpdateConfig replaces and persists the configuration. Most changes
// only take effect after a restart.
func (a *ServerAPI) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var newConfig Config
	if err := json.NewDecoder(r.Body).Decode(&newConfig); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if newConfig.Server == nil || newConfig.Templates == nil {
		respondWithError(w, http.StatusBadRequest, "server_config and template_config are required")
		return
	}
	if err := a.cm.Update(newConfig); err != nil {
		a.logger.Error("Failed to save configuration", "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed to save configuration")
		return
	}
	a.logger.Info("Configuration updated via API. Some changes require a restart.")
	respondWithJSON(w, http.StatusOK, a.cm.Get())
}

// handleVersion returns the application's build information. Any
// authenticated caller may read it.
func (a *ServerAPI) handleVersion(w http.ResponseWriter, _ *http.Request) {
	respondWithJSON(w, http.StatusOK, VersionInfo{
		Name:      "stencil",
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
	})
}

// handleShutdown initiates a graceful shutdown of the server.
func (a *ServerAPI) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	a.logger.Warn("Shutdown initiated via API")
	respondWithJSON(w, http.StatusAccepted, map[string]string{"message": "Server is shutting down..."})
	a.signal(actionShutdown)
}

// handleRestart reloads the configuration and restarts the server.
func (a *ServerAPI) handleRestart(w http.ResponseWriter, _ *http.Request) {
	a.logger.Warn("Restart initiated via API")
	respondWithJSON(w, http.StatusAccepted, map[string]string{"message": "Server is restarting..."})
	a.signal(actionRestart)
}

// signal hands the action to the run loop without blocking the handler. A
// pending action already in the channel wins.
func (a *ServerAPI) signal(action string) {
	select {
	case a.actionChan <- action:
	default:
		a.logger.Debug("Server action already pending, ignoring", "action", action)
	}
}

// handleHealthCheck is served outside authentication so container health
// probes can reach it.
func handleHealthCheck(w http.ResponseWriter, _ *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
