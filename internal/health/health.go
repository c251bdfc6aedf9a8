package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/cortexuvula/intakesync/internal/session"
)

// Response is the JSON response from the /health endpoint.
type Response struct {
	Status            string   `json:"status"`
	Uptime            string   `json:"uptime"`
	ActiveConnections int      `json:"active_connections"`
	Sessions          int      `json:"sessions"`
	Version           string   `json:"version"`
	Timestamp         string   `json:"timestamp"`
	Details           *Details `json:"details,omitempty"`
}

// Details contains extended health information.
type Details struct {
	TotalConnections int64                  `json:"total_connections"`
	TotalMessages    int64                  `json:"total_messages"`
	MemoryMB         float64                `json:"memory_mb"`
	SessionsByStatus map[session.Status]int `json:"sessions_by_status"`
}

// Connections reports connection counters.
type Connections interface {
	ConnectionCount() int
	TotalConnections() int64
	TotalMessages() int64
}

// Sessions reports what the session store holds.
type Sessions interface {
	Len() int
	CountByStatus() map[session.Status]int
}

// Drainer reports whether the server is shutting down.
type Drainer interface {
	Draining() bool
}

// Handler serves the health check endpoint.
type Handler struct {
	startTime time.Time
	conns     Connections
	sessions  Sessions
	drain     Drainer
	version   string
	detailed  bool
}

// NewHandler creates a new health check handler.
func NewHandler(conns Connections, sessions Sessions, drain Drainer, version string, detailed bool) *Handler {
	return &Handler{
		startTime: time.Now(),
		conns:     conns,
		sessions:  sessions,
		drain:     drain,
		version:   version,
		detailed:  detailed,
	}
}

// Uptime returns how long the handler has existed.
func (h *Handler) Uptime() time.Duration {
	return time.Since(h.startTime)
}

// ServeHTTP handles health check requests. A draining server answers 503
// so load balancers stop routing new devices to it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpCode := http.StatusOK
	if h.drain != nil && h.drain.Draining() {
		status = "draining"
		httpCode = http.StatusServiceUnavailable
	}

	resp := Response{
		Status:            status,
		Uptime:            h.Uptime().Round(time.Second).String(),
		ActiveConnections: h.conns.ConnectionCount(),
		Sessions:          h.sessions.Len(),
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Version = h.version
		resp.Details = &Details{
			TotalConnections: h.conns.TotalConnections(),
			TotalMessages:    h.conns.TotalMessages(),
			MemoryMB:         float64(memStats.Alloc) / 1024 / 1024,
			SessionsByStatus: h.sessions.CountByStatus(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(httpCode)
	json.NewEncoder(w).Encode(resp)
}
