package main

import (
	"database/sql"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/CTAG07/stencil/pkg/catalog"
	"github.com/CTAG07/stencil/pkg/templating"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const requestIDHeader = "X-Request-ID"

// Server wires the template store into the HTTP API.
type Server struct {
	cm          *ConfigManager
	logger      *slog.Logger
	store       *templating.Store
	authAPI     *AuthAPI
	templateAPI *TemplateAPI
	statsAPI    *StatsAPI
	serverAPI   *ServerAPI
	router      *mux.Router
}

// NewServer builds the API router. db and cat may be nil, in which case API
// keys and render statistics are unavailable.
func NewServer(cm *ConfigManager, logger *slog.Logger, store *templating.Store, db *sql.DB, cat *catalog.Catalog, actionChan chan string) *Server {
	server := &Server{
		cm:          cm,
		logger:      logger,
		store:       store,
		authAPI:     NewAuthAPI(db, logger),
		templateAPI: NewTemplateAPI(store, logger),
		statsAPI:    NewStatsAPI(store, cat, logger),
		serverAPI:   NewServerAPI(cm, actionChan, logger),
		router:      mux.NewRouter(),
	}

	server.router.Use(server.requestLogger, server.limitBody)

	// The health check is unauthed so something like docker can use it.
	server.router.HandleFunc("/api/health", handleHealthCheck).Methods(http.MethodGet)

	api := server.router.PathPrefix("/api").Subrouter()
	api.Use(server.authAPI.Authenticate)
	server.authAPI.RegisterRoutes(api)
	server.templateAPI.RegisterRoutes(api)
	server.statsAPI.RegisterRoutes(api)
	server.serverAPI.RegisterRoutes(api)

	return server
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// requestLogger tags each request with an ID and logs it once it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		attrs := []any{
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", s.clientIP(r),
		}
		switch {
		case rec.status >= 500:
			s.logger.Error("HTTP request completed", attrs...)
		case rec.status >= 400:
			s.logger.Warn("HTTP request completed", attrs...)
		default:
			s.logger.Debug("HTTP request completed", attrs...)
		}
	})
}

// limitBody caps request bodies at the configured size.
func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limit := s.cm.Get().Server.MaxBodyBytes; limit > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the address of the caller. Forwarding headers are only
// honoured when the direct peer is a trusted proxy.
func (s *Server) clientIP(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// No port, use the address as is.
		peer = r.RemoteAddr
	}
	if !s.cm.IsTrusted(peer) {
		return peer
	}

	// The X-Forwarded-For header can contain a comma-separated list of IPs.
	// The first IP in the list is the original client IP.
	if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
		ips := strings.Split(forwardedFor, ",")
		return strings.TrimSpace(ips[0])
	}
	if realIP := r.Header.Get("X-Real-Ip"); realIP != "" {
		return realIP
	}
	return peer
}
