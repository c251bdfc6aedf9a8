// Package admin serves the operator API on the health listener: live
// sessions and connections, recent logs, and runtime configuration.
package admin

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cortexuvula/intakesync/internal/config"
	"github.com/cortexuvula/intakesync/internal/logring"
	"github.com/cortexuvula/intakesync/internal/protocol"
	"github.com/cortexuvula/intakesync/internal/security"
	"github.com/cortexuvula/intakesync/internal/transport"
)

// Dependencies holds everything the admin API reads or drives.
type Dependencies struct {
	Server     *transport.Server
	Protocol   *protocol.Handler
	RingBuffer *logring.RingBuffer // optional
	Version    string
	BuildTime  string
	GitCommit  string
	StartTime  time.Time

	// ReloadFunc re-reads the config file and applies it.
	ReloadFunc func() error
	// ApplyConfig applies an edited config to the running process.
	// Defaults to Server.UpdateConfig.
	ApplyConfig func(*config.Config) error
}

// API provides the HTTP handlers for /api/v1/.
type API struct {
	deps Dependencies
}

// New creates a new API instance.
func New(deps Dependencies) *API {
	if deps.ApplyConfig == nil {
		deps.ApplyConfig = deps.Server.UpdateConfig
	}
	if deps.StartTime.IsZero() {
		deps.StartTime = time.Now()
	}
	return &API{deps: deps}
}

// Handler returns the router for /api/v1/ endpoints. Every route requires
// security.admin_token as a bearer token; with no token configured the
// API answers 404.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(a.requireToken)

	r.Get("/api/v1/status", a.handleStatus)
	r.Get("/api/v1/sessions", a.handleSessions)
	r.Get("/api/v1/sessions/{id}", a.handleSession)
	r.Delete("/api/v1/sessions/{id}", a.handleDeleteSession)
	r.Get("/api/v1/connections", a.handleConnections)
	r.Get("/api/v1/logs", a.handleLogs)
	r.Get("/api/v1/config", a.handleConfigGet)
	r.Put("/api/v1/config", a.handleConfigPut)
	r.Post("/api/v1/reload", a.handleReload)
	return r
}

func (a *API) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := a.deps.Server.GetConfig().Security.AdminToken
		if expected == "" {
			http.NotFound(w, r)
			return
		}
		if !security.TokenMatch(security.ExtractBearerToken(r.Header.Get("Authorization")), expected) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
