package hub

import (
	"log/slog"
	"sync"

	"github.com/cortexuvula/intakesync/internal/metrics"
)

// Peer is one connected party (patient or staff) that can receive frames.
// Send must not block: it either queues the frame in order or reports
// that the peer cannot keep up.
type Peer interface {
	ID() string
	Send(msg []byte) bool
	Close(reason string)
}

// Hub fans session mutations out to every connected peer.
// There is no per-recipient filtering. Thread-safe via sync.RWMutex.
type Hub struct {
	mu    sync.RWMutex
	peers map[string]Peer

	metrics *metrics.Metrics // optional
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{
		peers: make(map[string]Peer),
	}
}

// SetMetrics attaches optional Prometheus metrics.
func (h *Hub) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// Join adds a peer. A peer with the same id replaces the previous one.
func (h *Hub) Join(p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[p.ID()] = p
	slog.Debug("hub: joined", "conn", p.ID(), "peers", len(h.peers))
}

// Leave removes a peer. Unknown ids are ignored.
func (h *Hub) Leave(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[id]; !ok {
		return
	}
	delete(h.peers, id)
	slog.Debug("hub: left", "conn", id, "peers", len(h.peers))
}

// Publish queues msg on every connected peer, the originator included.
// Takes a snapshot of peers under RLock, then sends without holding the lock.
func (h *Hub) Publish(msg []byte) {
	h.mu.RLock()
	targets := make([]Peer, 0, len(h.peers))
	for _, p := range h.peers {
		targets = append(targets, p)
	}
	h.mu.RUnlock()

	for _, p := range targets {
		h.deliver(p, msg)
	}
	if h.metrics != nil {
		h.metrics.BroadcastsTotal.Inc()
	}
}

// SendTo queues msg for a single peer. Returns false if the peer is unknown
// or could not accept the frame.
func (h *Hub) SendTo(id string, msg []byte) bool {
	h.mu.RLock()
	p, ok := h.peers[id]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return h.deliver(p, msg)
}

// Count returns the number of connected peers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// deliver sends to one peer and closes it when its queue is full.
// The peer's own read loop then runs the normal disconnect cleanup.
func (h *Hub) deliver(p Peer, msg []byte) bool {
	if p.Send(msg) {
		return true
	}
	slog.Warn("hub: peer too slow, closing", "conn", p.ID())
	p.Close("outbound queue full")
	if h.metrics != nil {
		h.metrics.DroppedPeersTotal.Inc()
	}
	return false
}
