package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cortexuvula/intakesync/internal/logring"
	"github.com/cortexuvula/intakesync/internal/protocol"
	"github.com/cortexuvula/intakesync/internal/session"
	"github.com/cortexuvula/intakesync/internal/transport"
)

// statusResponse is the JSON body for GET /api/v1/status.
type statusResponse struct {
	Uptime            string                 `json:"uptime"`
	UptimeSeconds     float64                `json:"uptime_seconds"`
	Draining          bool                   `json:"draining"`
	ActiveConnections int                    `json:"active_connections"`
	ByTransport       map[string]int         `json:"by_transport"`
	TotalConnections  int64                  `json:"total_connections"`
	TotalMessages     int64                  `json:"total_messages"`
	Sessions          map[session.Status]int `json:"sessions"`
	MemoryMB          float64                `json:"memory_mb"`
	Goroutines        int                    `json:"goroutines"`
	Version           string                 `json:"version"`
	BuildTime         string                 `json:"build_time"`
	GitCommit         string                 `json:"git_commit"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	srv := a.deps.Server
	byTransport := make(map[string]int)
	for _, c := range srv.Tracker.Connections() {
		byTransport[c.Transport]++
	}
	uptime := time.Since(a.deps.StartTime)

	writeJSON(w, http.StatusOK, statusResponse{
		Uptime:            uptime.Round(time.Second).String(),
		UptimeSeconds:     uptime.Seconds(),
		Draining:          srv.Draining(),
		ActiveConnections: srv.Tracker.ConnectionCount(),
		ByTransport:       byTransport,
		TotalConnections:  srv.Tracker.TotalConnections(),
		TotalMessages:     srv.Tracker.TotalMessages(),
		Sessions:          a.deps.Protocol.Store().CountByStatus(),
		MemoryMB:          float64(memStats.Alloc) / 1024 / 1024,
		Goroutines:        runtime.NumGoroutine(),
		Version:           a.deps.Version,
		BuildTime:         a.deps.BuildTime,
		GitCommit:         a.deps.GitCommit,
	})
}

// handleSessions lists sessions, most recently updated first. An optional
// ?status= narrows the list.
func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	var want session.Status
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := session.ParseStatus(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		want = st
	}

	all := a.deps.Protocol.Store().All()
	list := make([]session.Session, 0, len(all))
	for _, s := range all {
		if want != "" && s.Status != want {
			continue
		}
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].LastUpdate != list[j].LastUpdate {
			return list[i].LastUpdate > list[j].LastUpdate
		}
		return list[i].ID < list[j].ID
	})

	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	s, ok := a.deps.Protocol.Store().Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session"})
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// handleDeleteSession removes a session the same way a staff device does,
// so every connected client sees session-deleted.
func (a *API) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.deps.Protocol.DeleteSession(id); err != nil {
		if errors.Is(err, protocol.ErrUnknownSession) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	slog.Info("session deleted via admin API", "session", id)
	w.WriteHeader(http.StatusNoContent)
}

// connectionEntry is one live connection and the session it owns, if any.
type connectionEntry struct {
	transport.ConnInfo
	Session string `json:"session,omitempty"`
}

func (a *API) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns := a.deps.Server.Tracker.Connections()
	entries := make([]connectionEntry, len(conns))
	for i, c := range conns {
		entries[i].ConnInfo = c
		if id, ok := a.deps.Protocol.SessionOf(c.ID); ok {
			entries[i].Session = id
		}
	}
	writeJSON(w, http.StatusOK, entries)
}

// logEntryResponse mirrors logring.LogEntry with printable time and level.
type logEntryResponse struct {
	Time    string         `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	if a.deps.RingBuffer == nil {
		writeJSON(w, http.StatusOK, []logEntryResponse{})
		return
	}

	q := logring.Query{Limit: 100, MinLevel: slog.LevelDebug}
	params := r.URL.Query()
	if v := params.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			q.Limit = n
		}
	}
	switch params.Get("level") {
	case "info":
		q.MinLevel = slog.LevelInfo
	case "warn":
		q.MinLevel = slog.LevelWarn
	case "error":
		q.MinLevel = slog.LevelError
	}
	if v := params.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			q.Since = t
		}
	}
	q.Session = params.Get("session")

	entries := a.deps.RingBuffer.Entries(q)
	resp := make([]logEntryResponse, len(entries))
	for i, e := range entries {
		resp[i] = logEntryResponse{
			Time:    e.Time.Format(time.RFC3339Nano),
			Level:   e.Level.String(),
			Message: e.Message,
			Attrs:   e.Attrs,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// configResponse is the JSON body for GET /api/v1/config.
type configResponse struct {
	Reloadable configReloadable `json:"reloadable"`
	ReadOnly   configReadOnly   `json:"read_only"`
}

type configReloadable struct {
	LogLevel            string   `json:"log_level"`
	MaxConnections      int      `json:"max_connections"`
	MaxConnectionsPerIP int      `json:"max_connections_per_ip"`
	MaxMessageSize      int64    `json:"max_message_size"`
	RateLimitEnabled    bool     `json:"rate_limit_enabled"`
	ConnectionsPerMin   int      `json:"connections_per_minute"`
	MessagesPerSecond   int      `json:"messages_per_second"`
	AllowedNetworks     []string `json:"allowed_networks"`
	AllowedOrigins      []string `json:"allowed_origins"`
	AuthTokenSet        bool     `json:"auth_token_set"`
	StaffUsers          int      `json:"staff_users"`
}

type configReadOnly struct {
	ListenAddress     string `json:"listen_address"`
	SocketPath        string `json:"socket_path"`
	HealthAddress     string `json:"health_address"`
	TLSEnabled        bool   `json:"tls_enabled"`
	SnapshotOnConnect bool   `json:"snapshot_on_connect"`
	EnforceSequence   bool   `json:"enforce_sequence"`
	InactivityTimeout string `json:"inactivity_timeout"`
}

func (a *API) handleConfigGet(w http.ResponseWriter, _ *http.Request) {
	cfg := a.deps.Server.GetConfig()

	writeJSON(w, http.StatusOK, configResponse{
		Reloadable: configReloadable{
			LogLevel:            cfg.Logging.Level,
			MaxConnections:      cfg.Security.MaxConnections,
			MaxConnectionsPerIP: cfg.Security.MaxConnectionsPerIP,
			MaxMessageSize:      cfg.Server.MaxMessageSize,
			RateLimitEnabled:    cfg.Security.RateLimit.Enabled,
			ConnectionsPerMin:   cfg.Security.RateLimit.ConnectionsPerMinute,
			MessagesPerSecond:   cfg.Security.RateLimit.MessagesPerSecond,
			AllowedNetworks:     cfg.Security.AllowedNetworks,
			AllowedOrigins:      cfg.Server.AllowedOrigins,
			AuthTokenSet:        cfg.Security.AuthToken != "",
			StaffUsers:          len(cfg.Staff.Users),
		},
		ReadOnly: configReadOnly{
			ListenAddress:     cfg.Server.ListenAddress,
			SocketPath:        cfg.Server.SocketPath,
			HealthAddress:     cfg.Health.ListenAddress,
			TLSEnabled:        cfg.Server.TLS.Enabled,
			SnapshotOnConnect: cfg.Sync.SnapshotOnConnect,
			EnforceSequence:   cfg.Sync.EnforceSequence,
			InactivityTimeout: cfg.Sync.InactivityTimeout.String(),
		},
	})
}

// configUpdateRequest is the JSON body for PUT /api/v1/config.
type configUpdateRequest struct {
	LogLevel            *string   `json:"log_level,omitempty"`
	MaxConnections      *int      `json:"max_connections,omitempty"`
	MaxConnectionsPerIP *int      `json:"max_connections_per_ip,omitempty"`
	MaxMessageSize      *int64    `json:"max_message_size,omitempty"`
	RateLimitEnabled    *bool     `json:"rate_limit_enabled,omitempty"`
	ConnectionsPerMin   *int      `json:"connections_per_minute,omitempty"`
	MessagesPerSecond   *int      `json:"messages_per_second,omitempty"`
	AllowedNetworks     *[]string `json:"allowed_networks,omitempty"`
}

func (a *API) handleConfigPut(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}

	var req configUpdateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	// Edit a copy; the running config is swapped only once it validates
	updated := *a.deps.Server.GetConfig()
	if req.LogLevel != nil {
		updated.Logging.Level = *req.LogLevel
	}
	if req.MaxConnections != nil {
		updated.Security.MaxConnections = *req.MaxConnections
	}
	if req.MaxConnectionsPerIP != nil {
		updated.Security.MaxConnectionsPerIP = *req.MaxConnectionsPerIP
	}
	if req.MaxMessageSize != nil {
		updated.Server.MaxMessageSize = *req.MaxMessageSize
	}
	if req.RateLimitEnabled != nil {
		updated.Security.RateLimit.Enabled = *req.RateLimitEnabled
	}
	if req.ConnectionsPerMin != nil {
		updated.Security.RateLimit.ConnectionsPerMinute = *req.ConnectionsPerMin
	}
	if req.MessagesPerSecond != nil {
		updated.Security.RateLimit.MessagesPerSecond = *req.MessagesPerSecond
	}
	if req.AllowedNetworks != nil {
		updated.Security.AllowedNetworks = append([]string(nil), (*req.AllowedNetworks)...)
	}

	if err := updated.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := a.deps.ApplyConfig(&updated); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	slog.Info("config updated via admin API",
		"log_level", updated.Logging.Level,
		"max_connections", updated.Security.MaxConnections,
	)

	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (a *API) handleReload(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	if a.deps.ReloadFunc == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "reload not available"})
		return
	}
	if err := a.deps.ReloadFunc(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// requireJSON checks that the Content-Type header is application/json.
// Returns false (and writes an error response) if the check fails.
func requireJSON(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Content-Type") != "application/json" {
		writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "Content-Type must be application/json"})
		return false
	}
	return true
}
