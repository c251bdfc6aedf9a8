package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/cortexuvula/intakesync/internal/protocol"
)

var errPollClosed = errors.New("poll session closed")

// pollPeer is a hub peer for a client on the long-polling fallback.
// Outbound frames wait in queue until the next GET collects them.
type pollPeer struct {
	id       string
	clientIP string
	max      int
	limiter  *rate.Limiter // optional

	mu       sync.Mutex
	queue    [][]byte
	lastSeen time.Time
	closed   bool

	notify    chan struct{} // capacity 1, signalled on enqueue
	done      chan struct{}
	closeOnce sync.Once
	onClose   func(*pollPeer)
}

func (p *pollPeer) ID() string { return p.id }

// Send queues msg without blocking. It reports false when the queue is
// full or the peer is closed.
func (p *pollPeer) Send(msg []byte) bool {
	p.mu.Lock()
	if p.closed || len(p.queue) >= p.max {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, msg)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return true
}

// Close marks the peer closed and hands it to the registry for cleanup on
// a separate goroutine, since the hub may call Close while the protocol
// handler holds its lock.
func (p *pollPeer) Close(reason string) {
	if !p.shut() {
		return
	}
	slog.Debug("poll peer closed", "conn", p.id, "reason", reason)
	if p.onClose != nil {
		go p.onClose(p)
	}
}

// shut marks the peer closed and wakes any waiting poll. It reports
// whether this call did the closing.
func (p *pollPeer) shut() (first bool) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.done)
		first = true
	})
	return first
}

func (p *pollPeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *pollPeer) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

func (p *pollPeer) idleSince() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// take removes and returns everything queued.
func (p *pollPeer) take() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.queue
	p.queue = nil
	return out
}

// wait blocks until frames are queued, timeout passes, ctx ends or the
// peer closes. It returns whatever is queued at that point.
func (p *pollPeer) wait(ctx context.Context, timeout time.Duration) ([][]byte, error) {
	if frames := p.take(); len(frames) > 0 {
		return frames, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.notify:
		return p.take(), nil
	case <-timer.C:
		return p.take(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, errPollClosed
	}
}

// pollRegistry holds the open polling sessions.
type pollRegistry struct {
	srv   *Server
	mu    sync.Mutex
	peers map[string]*pollPeer
}

func newPollRegistry(s *Server) *pollRegistry {
	return &pollRegistry{srv: s, peers: make(map[string]*pollPeer)}
}

func (pr *pollRegistry) add(p *pollPeer) {
	pr.mu.Lock()
	pr.peers[p.id] = p
	pr.mu.Unlock()
}

func (pr *pollRegistry) get(id string) (*pollPeer, bool) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	p, ok := pr.peers[id]
	return p, ok
}

// finish is the disconnect path for a polling peer. It runs once per peer.
func (pr *pollRegistry) finish(p *pollPeer) {
	pr.mu.Lock()
	_, ok := pr.peers[p.id]
	delete(pr.peers, p.id)
	pr.mu.Unlock()
	if !ok {
		return
	}
	pr.srv.leave(p.id)
	pr.srv.release(p.clientIP, TransportPolling)
	slog.Info("connection closed", "conn", p.id, "client_ip", p.clientIP, "transport", TransportPolling)
}

func (pr *pollRegistry) snapshot() []*pollPeer {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	out := make([]*pollPeer, 0, len(pr.peers))
	for _, p := range pr.peers {
		out = append(out, p)
	}
	return out
}

func (pr *pollRegistry) closeAll(reason string) {
	for _, p := range pr.snapshot() {
		p.Close(reason)
	}
}

// reap closes polling peers that have not been seen for idleTimeout.
// A client that stops polling is treated as disconnected.
func (pr *pollRegistry) reap(ctx context.Context, idleTimeout time.Duration) {
	interval := idleTimeout / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			pr.closeAll("server shutting down")
			return
		case now := <-ticker.C:
			for _, p := range pr.snapshot() {
				if now.Sub(p.idleSince()) > idleTimeout {
					p.Close("poll idle timeout")
				}
			}
		}
	}
}

// openPoll handles POST <socket_path>/poll.
func (s *Server) openPoll(w http.ResponseWriter, r *http.Request) {
	cfg := s.GetConfig()
	clientIP, ok := s.admit(w, r, cfg, TransportPolling)
	if !ok {
		return
	}

	p := &pollPeer{
		id:       uuid.NewString(),
		clientIP: clientIP,
		max:      cfg.Server.SendBuffer,
		lastSeen: time.Now(),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		onClose:  s.polls.finish,
	}
	if cfg.Security.RateLimit.Enabled && cfg.Security.RateLimit.MessagesPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.Security.RateLimit.MessagesPerSecond), cfg.Security.RateLimit.MessagesPerSecond)
	}

	s.polls.add(p)
	s.join(p, ConnInfo{ID: p.id, Transport: TransportPolling, ClientIP: clientIP, ConnectedAt: p.lastSeen})
	slog.Info("connection established", "conn", p.id, "client_ip", clientIP, "transport", TransportPolling)

	writeJSON(w, http.StatusOK, map[string]string{"sid": p.id})
}

// lookupPoll authorizes the request and resolves {sid}.
func (s *Server) lookupPoll(w http.ResponseWriter, r *http.Request) (*pollPeer, bool) {
	if _, ok := s.authorize(w, r, s.GetConfig()); !ok {
		return nil, false
	}
	p, ok := s.polls.get(chi.URLParam(r, "sid"))
	if !ok {
		http.Error(w, "Unknown poll session", http.StatusNotFound)
		return nil, false
	}
	p.touch()
	return p, true
}

// poll handles GET <socket_path>/poll/{sid}: it long-polls for queued
// frames and returns them as a JSON array, empty on timeout.
func (s *Server) poll(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupPoll(w, r)
	if !ok {
		return
	}
	frames, err := p.wait(r.Context(), s.GetConfig().Server.PollTimeout)
	p.touch()
	if errors.Is(err, errPollClosed) {
		http.Error(w, "Poll session closed", http.StatusGone)
		return
	}
	if err != nil {
		return // client went away
	}

	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, f := range frames {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(f)
	}
	buf.WriteByte(']')
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(buf.Bytes())
}

// submitPoll handles POST <socket_path>/poll/{sid} with one envelope or an
// array of envelopes.
func (s *Server) submitPoll(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupPoll(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.GetConfig().Server.MaxMessageSize+1))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > s.GetConfig().Server.MaxMessageSize {
		http.Error(w, "Payload Too Large", http.StatusRequestEntityTooLarge)
		return
	}
	envs, err := protocol.DecodeBatch(body)
	if err != nil {
		slog.Debug("poll submit rejected", "conn", p.id, "error", err)
		http.Error(w, "Malformed frame", http.StatusBadRequest)
		return
	}

	for _, env := range envs {
		if p.limiter != nil {
			if err := p.limiter.Wait(r.Context()); err != nil {
				return
			}
		}
		// The peer may have been closed or reaped while this batch waited
		if p.isClosed() {
			http.Error(w, "Poll session closed", http.StatusGone)
			return
		}
		s.Tracker.IncrementMessages()
		s.Protocol.Dispatch(p.id, env)
	}
	w.WriteHeader(http.StatusNoContent)
}

// closePoll handles DELETE <socket_path>/poll/{sid}.
func (s *Server) closePoll(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupPoll(w, r)
	if !ok {
		return
	}
	p.shut()
	// Synchronous so the client sees its session gone when DELETE returns
	s.polls.finish(p)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
