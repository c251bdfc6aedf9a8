package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/cortexuvula/intakesync/internal/admin"
	"github.com/cortexuvula/intakesync/internal/config"
	"github.com/cortexuvula/intakesync/internal/health"
	"github.com/cortexuvula/intakesync/internal/hub"
	"github.com/cortexuvula/intakesync/internal/logging"
	"github.com/cortexuvula/intakesync/internal/logring"
	"github.com/cortexuvula/intakesync/internal/metrics"
	"github.com/cortexuvula/intakesync/internal/protocol"
	"github.com/cortexuvula/intakesync/internal/security"
	"github.com/cortexuvula/intakesync/internal/session"
	"github.com/cortexuvula/intakesync/internal/staff"
	"github.com/cortexuvula/intakesync/internal/transport"
)

// loginAttemptsPerMinute bounds staff login attempts per email.
const loginAttemptsPerMinute = 10

func runServer(configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	ring := logring.NewRingBuffer(cfg.Logging.RingBufferSize)
	logger := logging.Setup(cfg.Logging, ring)
	defer logger.Close()

	slog.Info("starting intakesync",
		"version", Version,
		"listen", cfg.Server.ListenAddress,
		"socket_path", cfg.Server.SocketPath,
		"health", cfg.Health.ListenAddress,
	)

	// Session state: store, ownership registry, fan-out hub
	store := session.NewStore()
	h := hub.New()
	proto := protocol.NewHandler(store, session.NewRegistry(), h, protocol.Options{
		SnapshotOnConnect: cfg.Sync.SnapshotOnConnect,
		EnforceSequence:   cfg.Sync.EnforceSequence,
	})

	// Optional Prometheus metrics
	var m *metrics.Metrics
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.New(prometheus.DefaultRegisterer)
		h.SetMetrics(m)
		proto.SetMetrics(m)
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Monitoring.MetricsEndpoint)
	}

	// The limiter always exists so a reload can switch rate limiting on
	rl := security.PerMinute(max(cfg.Security.RateLimit.ConnectionsPerMinute, 1))
	defer rl.Stop()
	loginLimiter := security.PerMinute(loginAttemptsPerMinute)
	defer loginLimiter.Stop()
	staffDir := staff.NewDirectory(cfg.Staff.Users)

	shutdownCtx, shutdown := context.WithCancel(context.Background())
	defer shutdown()

	srv, err := transport.NewServer(cfg, h, proto, rl, shutdownCtx)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = m
	srv.Staff = staffDir
	srv.LoginLimiter = loginLimiter

	var reloadMu sync.Mutex
	applyConfig := func(newCfg *config.Config) error {
		reloadMu.Lock()
		defer reloadMu.Unlock()
		if err := srv.UpdateConfig(newCfg); err != nil {
			return err
		}
		n := max(newCfg.Security.RateLimit.ConnectionsPerMinute, 1)
		rl.UpdateRate(rate.Limit(float64(n)/60.0), n)
		staffDir.Update(newCfg.Staff.Users)
		logger.SetLevel(newCfg.Logging.Level)
		return nil
	}
	reload := func() error {
		newCfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("config reload failed: %w", err)
		}
		cur := srv.GetConfig()
		for _, w := range config.IsReloadSafe(cur, newCfg) {
			slog.Warn("config reload warning", "warning", w)
		}
		if err := applyConfig(cur.ApplyReloadableFields(newCfg)); err != nil {
			return fmt.Errorf("applying reloaded config: %w", err)
		}
		slog.Info("config reloaded successfully")
		return nil
	}

	// Client-facing server
	mainServer := &http.Server{
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	mainLn, err := net.Listen("tcp", cfg.Server.ListenAddress)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.ListenAddress, err)
	}

	// Health, metrics and admin API (listens on loopback)
	var healthServer *http.Server
	var healthLn net.Listener
	if cfg.Health.Enabled {
		healthMux := http.NewServeMux()
		healthMux.Handle(cfg.Health.Endpoint, health.NewHandler(srv.Tracker, store, srv, Version, cfg.Health.Detailed))
		if cfg.Monitoring.MetricsEnabled {
			healthMux.Handle(cfg.Monitoring.MetricsEndpoint, promhttp.Handler())
		}
		api := admin.New(admin.Dependencies{
			Server:      srv,
			Protocol:    proto,
			RingBuffer:  ring,
			Version:     Version,
			BuildTime:   BuildTime,
			GitCommit:   GitCommit,
			ReloadFunc:  reload,
			ApplyConfig: applyConfig,
		})
		healthMux.Handle("/api/v1/", api.Handler())

		healthServer = &http.Server{
			Handler:           healthMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		healthLn, err = net.Listen("tcp", cfg.Health.ListenAddress)
		if err != nil {
			mainLn.Close()
			return fmt.Errorf("listening on %s: %w", cfg.Health.ListenAddress, err)
		}
	}

	if healthServer != nil {
		go func() {
			slog.Info("health endpoint listening", "address", cfg.Health.ListenAddress)
			if err := healthServer.Serve(healthLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("health server error", "error", err)
			}
		}()
	}
	go func() {
		slog.Info("sync server listening", "address", cfg.Server.ListenAddress, "tls", cfg.Server.TLS.Enabled)
		var err error
		if cfg.Server.TLS.Enabled {
			err = mainServer.ServeTLS(mainLn, cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = mainServer.Serve(mainLn)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("sync server error", "error", err)
		}
	}()

	// Notify systemd that we're ready
	daemon.SdNotify(false, daemon.SdNotifyReady)

	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go runWatchdog(watchdogCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			slog.Info("received SIGHUP, reloading config")
			daemon.SdNotify(false, daemon.SdNotifyReloading)
			if err := reload(); err != nil {
				slog.Error("config reload failed", "error", err)
			}
			daemon.SdNotify(false, daemon.SdNotifyReady)

		case syscall.SIGTERM, syscall.SIGINT:
			drainTimeout := srv.GetConfig().Server.DrainTimeout
			slog.Info("received shutdown signal, draining connections",
				"signal", sig.String(),
				"drain_timeout", drainTimeout.String(),
				"connections", srv.Tracker.ConnectionCount(),
			)

			watchdogCancel()
			daemon.SdNotify(false, daemon.SdNotifyStopping)

			ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()

			// Close frames go out first so devices reconnect elsewhere
			srv.StartDrain()
			waitForDrain(ctx, srv.Tracker)
			shutdown()

			var wg sync.WaitGroup
			if healthServer != nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					healthServer.Shutdown(ctx)
				}()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				mainServer.Shutdown(ctx)
			}()
			wg.Wait()

			slog.Info("shutdown complete", "sessions_dropped", store.Len())
			return nil
		}
	}
	return nil
}

// runWatchdog pings the systemd watchdog at half the configured interval.
// It does nothing when WatchdogSec is not set.
func runWatchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		slog.Warn("failed to read watchdog settings", "error", err)
		return
	}
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sent, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			if err != nil {
				slog.Warn("failed to notify watchdog", "error", err)
			} else if sent {
				slog.Debug("watchdog keepalive sent")
			}
		case <-ctx.Done():
			return
		}
	}
}

// waitForDrain blocks until no client connections remain or ctx ends.
func waitForDrain(ctx context.Context, tracker *transport.Tracker) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for tracker.ConnectionCount() > 0 {
		select {
		case <-ctx.Done():
			slog.Warn("drain timeout reached", "connections", tracker.ConnectionCount())
			return
		case <-ticker.C:
		}
	}
}
