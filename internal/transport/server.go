// Package transport carries session events between clients and the
// protocol handler over WebSocket, with a long-polling fallback for
// clients that cannot hold a socket open.
package transport

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cortexuvula/intakesync/internal/config"
	"github.com/cortexuvula/intakesync/internal/hub"
	"github.com/cortexuvula/intakesync/internal/metrics"
	"github.com/cortexuvula/intakesync/internal/protocol"
	"github.com/cortexuvula/intakesync/internal/security"
	"github.com/cortexuvula/intakesync/internal/staff"
)

// Server accepts client connections on the socket path and joins them to
// the hub. Every inbound frame is handed to the protocol handler.
type Server struct {
	Config      *config.Config
	Tracker     *Tracker
	Hub         *hub.Hub
	Protocol    *protocol.Handler
	RateLimiter *security.RateLimiter // optional, per-IP connection limiter
	Staff       *staff.Directory      // optional, enables POST /api/staff/login
	Metrics     *metrics.Metrics      // optional, nil if metrics disabled
	ShutdownCtx context.Context       // cancelled on server shutdown

	// LoginLimiter throttles staff login attempts per email. Optional.
	LoginLimiter *security.RateLimiter

	networks *security.NetworkAllowlist
	polls    *pollRegistry

	// drainCtx is cancelled when the server begins draining connections.
	// Active connections watch this to send graceful close frames.
	drainCtx    context.Context
	drainCancel context.CancelFunc

	// mu protects Config and networks during hot-reload
	mu sync.RWMutex
}

// NewServer creates a transport server. The polling reaper runs until
// shutdownCtx is cancelled.
func NewServer(cfg *config.Config, h *hub.Hub, proto *protocol.Handler, rl *security.RateLimiter, shutdownCtx context.Context) (*Server, error) {
	networks, err := security.ParseNetworks(cfg.Security.AllowedNetworks)
	if err != nil {
		return nil, err
	}
	drainCtx, drainCancel := context.WithCancel(context.Background())
	s := &Server{
		Config:      cfg,
		Tracker:     NewTracker(),
		Hub:         h,
		Protocol:    proto,
		RateLimiter: rl,
		ShutdownCtx: shutdownCtx,
		networks:    networks,
		drainCtx:    drainCtx,
		drainCancel: drainCancel,
	}
	s.polls = newPollRegistry(s)
	go s.polls.reap(shutdownCtx, cfg.Server.PollIdleTimeout)
	return s, nil
}

// StartDrain signals all active connections to begin graceful shutdown.
// WebSocket peers get a close frame; polling peers are closed.
func (s *Server) StartDrain() {
	s.drainCancel()
	s.polls.closeAll("server shutting down")
}

// Draining reports whether StartDrain has been called.
func (s *Server) Draining() bool {
	return s.drainCtx.Err() != nil
}

// GetConfig returns the current config (thread-safe for hot-reload).
func (s *Server) GetConfig() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Config
}

// UpdateConfig swaps the config (called on SIGHUP or via the admin API).
func (s *Server) UpdateConfig(cfg *config.Config) error {
	networks, err := security.ParseNetworks(cfg.Security.AllowedNetworks)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Config = cfg
	s.networks = networks
	return nil
}

func (s *Server) allowlist() *security.NetworkAllowlist {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.networks
}

// Router returns the client-facing HTTP handler.
func (s *Server) Router() http.Handler {
	cfg := s.GetConfig()
	socketPath := strings.TrimSuffix(cfg.Server.SocketPath, "/")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if cfg.Server.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}

	r.Get(socketPath, s.ServeWS)
	r.Route(socketPath+"/poll", func(r chi.Router) {
		r.Post("/", s.openPoll)
		r.Get("/{sid}", s.poll)
		r.Post("/{sid}", s.submitPoll)
		r.Delete("/{sid}", s.closePoll)
	})
	if s.Staff != nil {
		r.Post("/api/staff/login", staff.LoginHandler(s.Staff, s.LoginLimiter))
	}
	return r
}

// authorize applies the network allowlist and the optional auth token.
// It returns the client IP on success and writes the error response otherwise.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, cfg *config.Config) (string, bool) {
	clientIP := security.ExtractClientIP(r.RemoteAddr)
	if clientIP == "" {
		slog.Error("failed to parse remote address", "remote_addr", r.RemoteAddr)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return "", false
	}

	// 1. Allowed networks
	if !s.allowlist().Contains(clientIP) {
		slog.Warn("rejected connection outside allowed networks", "client_ip", clientIP)
		s.countError("network_rejected")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return "", false
	}

	// 2. Optional auth token (header first, query param fallback)
	if cfg.Security.AuthToken != "" {
		token, fromQuery := security.RequestToken(r)
		if !security.TokenMatch(token, cfg.Security.AuthToken) {
			slog.Warn("rejected invalid auth token", "client_ip", clientIP, "from_query", fromQuery)
			s.countError("auth_rejected")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return "", false
		}
	}
	return clientIP, true
}

// admit runs authorize, the per-IP connection rate limit and the
// connection limits. On success the connection is counted and the caller
// must call release when it ends.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, cfg *config.Config, transport string) (string, bool) {
	if s.Draining() {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return "", false
	}

	clientIP, ok := s.authorize(w, r, cfg)
	if !ok {
		return "", false
	}

	// 3. Rate limit check
	if cfg.Security.RateLimit.Enabled && s.RateLimiter != nil && !s.RateLimiter.Allow(clientIP) {
		slog.Warn("rate limit exceeded", "client_ip", clientIP)
		s.countError("rate_limited")
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return "", false
	}

	// 4. Connection limits (atomic check-and-increment)
	if reason := s.Tracker.TryIncrementConnections(clientIP, cfg.Security.MaxConnections, cfg.Security.MaxConnectionsPerIP); reason != "" {
		s.countError(reason)
		if reason == "max_connections" {
			slog.Warn("max connections reached", "current", s.Tracker.ConnectionCount(), "max", cfg.Security.MaxConnections)
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		} else {
			slog.Warn("max connections per IP reached", "client_ip", clientIP, "current", s.Tracker.ConnectionCountForIP(clientIP))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		}
		return "", false
	}
	if s.Metrics != nil {
		s.Metrics.ConnectionsTotal.WithLabelValues(transport).Inc()
		s.Metrics.ActiveConnections.WithLabelValues(transport).Inc()
	}
	return clientIP, true
}

// release undoes the accounting done by admit.
func (s *Server) release(clientIP, transport string) {
	s.Tracker.DecrementConnections(clientIP)
	if s.Metrics != nil {
		s.Metrics.ActiveConnections.WithLabelValues(transport).Dec()
	}
}

// join attaches a peer to the hub and runs the connect hook.
func (s *Server) join(p hub.Peer, info ConnInfo) {
	s.Tracker.Register(info)
	s.Hub.Join(p)
	s.Protocol.Connect(p.ID())
}

// leave detaches a peer and reconciles the session it owned.
func (s *Server) leave(id string) {
	s.Hub.Leave(id)
	s.Protocol.Disconnect(id)
	s.Tracker.Unregister(id)
}

// handleFrame hands one raw frame to the protocol handler, which logs and
// counts anything it drops.
func (s *Server) handleFrame(connID string, raw []byte) {
	s.Tracker.IncrementMessages()
	s.Protocol.HandleMessage(connID, raw)
}

func (s *Server) countError(kind string) {
	if s.Metrics != nil {
		s.Metrics.ErrorsTotal.WithLabelValues(kind).Inc()
	}
}
