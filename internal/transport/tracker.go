package transport

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Transport names used in metrics labels and connection listings.
const (
	TransportWebSocket = "websocket"
	TransportPolling   = "polling"
)

// ConnInfo describes one live client connection.
type ConnInfo struct {
	ID          string    `json:"id"`
	Transport   string    `json:"transport"`
	ClientIP    string    `json:"client_ip"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Tracker counts active connections globally and per client IP, and keeps
// a listing of live connections for the admin API.
type Tracker struct {
	activeConnections atomic.Int64
	totalConnections  atomic.Int64
	totalMessages     atomic.Int64

	// Per-IP connection tracking
	ipConnections map[string]int
	ipMu          sync.Mutex

	conns   map[string]ConnInfo
	connsMu sync.RWMutex
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		ipConnections: make(map[string]int),
		conns:         make(map[string]ConnInfo),
	}
}

// ConnectionCount returns the current number of active connections.
func (t *Tracker) ConnectionCount() int {
	return int(t.activeConnections.Load())
}

// ConnectionCountForIP returns the active connection count for a specific IP.
func (t *Tracker) ConnectionCountForIP(ip string) int {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()
	return t.ipConnections[ip]
}

// TryIncrementConnections atomically checks limits and increments counters.
// Returns "" on success, or a reason string if the limit was hit.
func (t *Tracker) TryIncrementConnections(ip string, maxGlobal, maxPerIP int) string {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()

	// Read the global count under the lock so check and increment are atomic
	if int(t.activeConnections.Load()) >= maxGlobal {
		return "max_connections"
	}
	if t.ipConnections[ip] >= maxPerIP {
		return "max_connections_per_ip"
	}

	t.activeConnections.Add(1)
	t.totalConnections.Add(1)
	t.ipConnections[ip]++
	return ""
}

// DecrementConnections decrements both global and per-IP connection counters.
func (t *Tracker) DecrementConnections(ip string) {
	t.activeConnections.Add(-1)
	t.ipMu.Lock()
	t.ipConnections[ip]--
	if t.ipConnections[ip] <= 0 {
		delete(t.ipConnections, ip)
	}
	t.ipMu.Unlock()
}

// ActiveIPConnections returns a copy of the per-IP connection counts.
func (t *Tracker) ActiveIPConnections() map[string]int {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()
	out := make(map[string]int, len(t.ipConnections))
	for ip, n := range t.ipConnections {
		out[ip] = n
	}
	return out
}

// Register records a live connection.
func (t *Tracker) Register(info ConnInfo) {
	t.connsMu.Lock()
	t.conns[info.ID] = info
	t.connsMu.Unlock()
}

// Unregister forgets a connection.
func (t *Tracker) Unregister(id string) {
	t.connsMu.Lock()
	delete(t.conns, id)
	t.connsMu.Unlock()
}

// Connections lists live connections, oldest first.
func (t *Tracker) Connections() []ConnInfo {
	t.connsMu.RLock()
	out := make([]ConnInfo, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	t.connsMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// IncrementMessages increments the total inbound messages counter.
func (t *Tracker) IncrementMessages() {
	t.totalMessages.Add(1)
}

// TotalConnections returns the total number of connections handled since start.
func (t *Tracker) TotalConnections() int64 {
	return t.totalConnections.Load()
}

// TotalMessages returns the total number of client messages received since start.
func (t *Tracker) TotalMessages() int64 {
	return t.totalMessages.Load()
}
