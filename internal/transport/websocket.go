package transport

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// wsPeer is a hub peer backed by a WebSocket connection. Frames are queued
// on send and written in order by a single writer goroutine.
type wsPeer struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func newWSPeer(conn *websocket.Conn, buffer int) *wsPeer {
	return &wsPeer{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, buffer),
	}
}

func (p *wsPeer) ID() string { return p.id }

// Send queues msg without blocking. It reports false when the queue is full.
func (p *wsPeer) Send(msg []byte) bool {
	select {
	case p.send <- msg:
		return true
	default:
		return false
	}
}

// Close starts a close handshake in the background. The read loop then
// returns and runs the disconnect cleanup.
func (p *wsPeer) Close(reason string) {
	p.closeOnce.Do(func() {
		go p.conn.Close(websocket.StatusPolicyViolation, reason)
	})
}

// writeLoop drains the send queue until ctx is cancelled or a write fails.
func (p *wsPeer) writeLoop(ctx context.Context, writeTimeout time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := p.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				slog.Debug("write failed", "conn", p.id, "reason", err)
				p.conn.CloseNow()
				return
			}
		}
	}
}

// ServeWS upgrades the request and runs the connection until it closes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !isWebSocketUpgrade(r) {
		http.Error(w, "Upgrade Required", http.StatusUpgradeRequired)
		return
	}

	cfg := s.GetConfig()
	clientIP, ok := s.admit(w, r, cfg, TransportWebSocket)
	if !ok {
		return
	}
	defer s.release(clientIP, TransportWebSocket)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: cfg.Server.AllowedOrigins,
	})
	if err != nil {
		s.countError("accept_failure")
		slog.Error("failed to accept client WebSocket", "client_ip", clientIP, "error", err)
		return
	}
	conn.SetReadLimit(cfg.Server.MaxMessageSize)

	// Use ShutdownCtx rather than r.Context() so shutdown of the HTTP server
	// and shutdown of the sync service are the same signal.
	ctx, cancel := context.WithCancel(s.ShutdownCtx)
	defer cancel()

	peer := newWSPeer(conn, cfg.Server.SendBuffer)
	start := time.Now()
	slog.Info("connection established", "conn", peer.id, "client_ip", clientIP, "transport", TransportWebSocket)

	// The writer must be running before the peer can receive its snapshot.
	go peer.writeLoop(ctx, cfg.Server.WriteTimeout)
	s.join(peer, ConnInfo{ID: peer.id, Transport: TransportWebSocket, ClientIP: clientIP, ConnectedAt: start})

	// Start keepalive pings to detect dead connections.
	// Ping must run concurrently with Reader per coder/websocket docs.
	if cfg.Server.PingInterval > 0 {
		go keepAlive(ctx, conn, cfg.Server.PingInterval, cfg.Server.PongTimeout, cancel)
	}

	// Drain watcher: when the server starts draining, send a graceful close
	// frame. This makes Read return and the normal teardown run.
	go func() {
		select {
		case <-s.drainCtx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
		case <-ctx.Done():
		}
	}()

	// Per-connection message rate limiter
	var msgLimiter *rate.Limiter
	if cfg.Security.RateLimit.Enabled && cfg.Security.RateLimit.MessagesPerSecond > 0 {
		msgLimiter = rate.NewLimiter(rate.Limit(cfg.Security.RateLimit.MessagesPerSecond), cfg.Security.RateLimit.MessagesPerSecond)
	}

	s.readLoop(ctx, peer, msgLimiter)

	s.leave(peer.id)
	conn.Close(websocket.StatusNormalClosure, "")
	slog.Info("connection closed", "conn", peer.id, "client_ip", clientIP, "duration", time.Since(start).String())
}

// readLoop reads frames until the connection closes or ctx is cancelled.
// No read timeout: keepalive pings detect dead peers, and an idle patient
// form is still a live connection.
func (s *Server) readLoop(ctx context.Context, peer *wsPeer, msgLimiter *rate.Limiter) {
	for {
		_, data, err := peer.conn.Read(ctx)
		if err != nil {
			slog.Debug("read stopped", "conn", peer.id, "reason", err)
			return
		}
		if msgLimiter != nil {
			if err := msgLimiter.Wait(ctx); err != nil {
				slog.Debug("message rate limit", "conn", peer.id, "reason", err)
				return
			}
		}
		s.handleFrame(peer.id, data)
	}
}

// keepAlive sends periodic WebSocket pings to detect dead connections.
// If a ping fails or times out, it closes the connection and cancels ctx.
func keepAlive(ctx context.Context, conn *websocket.Conn, interval, pongTimeout time.Duration, onFail context.CancelFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, pongTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				slog.Debug("keepalive ping failed, closing connection", "error", err)
				conn.Close(websocket.StatusGoingAway, "keepalive timeout")
				onFail()
				return
			}
		}
	}
}

// isWebSocketUpgrade returns true if the request is a WebSocket upgrade per RFC 6455 §4.1.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		headerContains(r.Header, "Connection", "upgrade")
}

// headerContains checks whether the header key contains the given value
// as a comma-separated token (case-insensitive).
func headerContains(h http.Header, key, value string) bool {
	for _, v := range h[http.CanonicalHeaderKey(key)] {
		for _, s := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(s), value) {
				return true
			}
		}
	}
	return false
}
