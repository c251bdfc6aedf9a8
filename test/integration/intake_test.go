//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/cortexuvula/intakesync/internal/admin"
	"github.com/cortexuvula/intakesync/internal/client"
	"github.com/cortexuvula/intakesync/internal/config"
	"github.com/cortexuvula/intakesync/internal/health"
	"github.com/cortexuvula/intakesync/internal/hub"
	"github.com/cortexuvula/intakesync/internal/metrics"
	"github.com/cortexuvula/intakesync/internal/protocol"
	"github.com/cortexuvula/intakesync/internal/security"
	"github.com/cortexuvula/intakesync/internal/session"
	"github.com/cortexuvula/intakesync/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const adminToken = "integration-admin"

type stack struct {
	srv     *transport.Server
	store   *session.Store
	sync    *httptest.Server
	health  *httptest.Server
	metrics *prometheus.Registry
}

func (s *stack) socketURL() string {
	return "ws" + strings.TrimPrefix(s.sync.URL, "http") + "/api/socket"
}

// newStack wires the sync server, health, metrics and admin API the same
// way the start command does.
func newStack(t *testing.T, modCfg func(*config.Config)) *stack {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server.ListenAddress = "127.0.0.1:0"
	cfg.Server.PingInterval = 0
	cfg.Server.WriteTimeout = 5 * time.Second
	cfg.Security.RateLimit.Enabled = false
	cfg.Security.AdminToken = adminToken
	if modCfg != nil {
		modCfg(cfg)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	store := session.NewStore()
	h := hub.New()
	h.SetMetrics(m)
	proto := protocol.NewHandler(store, session.NewRegistry(), h, protocol.Options{
		SnapshotOnConnect: cfg.Sync.SnapshotOnConnect,
		EnforceSequence:   cfg.Sync.EnforceSequence,
	})
	proto.SetMetrics(m)

	rl := security.PerMinute(max(cfg.Security.RateLimit.ConnectionsPerMinute, 1))
	t.Cleanup(rl.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv, err := transport.NewServer(cfg, h, proto, rl, ctx)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.Metrics = m
	syncSrv := httptest.NewServer(srv.Router())

	healthMux := http.NewServeMux()
	healthMux.Handle("/health", health.NewHandler(srv.Tracker, store, srv, "test", true))
	healthMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	healthMux.Handle("/api/v1/", admin.New(admin.Dependencies{
		Server:   srv,
		Protocol: proto,
		Version:  "test",
	}).Handler())
	healthSrv := httptest.NewServer(healthMux)

	t.Cleanup(func() {
		syncSrv.Close()
		healthSrv.Close()
	})
	return &stack{srv: srv, store: store, sync: syncSrv, health: healthSrv, metrics: reg}
}

// device runs a client until the test ends and waits for its first connect.
func device(t *testing.T, url string, opts client.Options) *client.Client {
	t.Helper()
	opts.ReconnectInterval = 20 * time.Millisecond
	c := client.New(url, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		c.Close()
		cancel()
		<-done
	})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer waitCancel()
	if err := c.WaitConnected(waitCtx); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPatientToStaffSync(t *testing.T) {
	s := newStack(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	patient := device(t, s.socketURL(), client.Options{})
	staff := device(t, s.socketURL(), client.Options{})

	id, err := patient.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	eventually(t, "staff sees new session", func() bool {
		_, ok := staff.Session(id)
		return ok
	})

	edits := map[string]string{
		session.FieldFirstName: "Grace",
		session.FieldLastName:  "Hopper",
		session.FieldPhone:     "555-0100",
	}
	if err := patient.UpdateSession(ctx, id, edits, ""); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	if err := patient.UpdateSession(ctx, id, nil, session.StatusSubmitted); err != nil {
		t.Fatalf("submit: %v", err)
	}

	eventually(t, "staff sees submitted form", func() bool {
		got, ok := staff.Session(id)
		return ok && got.Status == session.StatusSubmitted && got.Data[session.FieldLastName] == "Hopper"
	})

	// Submitted intakes outlive the patient device
	patient.Close()
	time.Sleep(100 * time.Millisecond)
	if _, ok := s.store.Get(id); !ok {
		t.Fatal("submitted session dropped after patient disconnect")
	}
	if _, ok := staff.Session(id); !ok {
		t.Fatal("staff lost submitted session after patient disconnect")
	}
}

func TestAbandonedIntakeIsDiscarded(t *testing.T) {
	s := newStack(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	patient := device(t, s.socketURL(), client.Options{})
	staff := device(t, s.socketURL(), client.Options{})

	id, err := patient.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	eventually(t, "staff sees new session", func() bool {
		_, ok := staff.Session(id)
		return ok
	})

	patient.Close()
	eventually(t, "staff drops abandoned session", func() bool {
		_, ok := staff.Session(id)
		return !ok
	})
	if s.store.Len() != 0 {
		t.Errorf("store still holds %d sessions", s.store.Len())
	}
}

func TestStaffDeleteViaAdminAPI(t *testing.T) {
	s := newStack(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	patient := device(t, s.socketURL(), client.Options{})
	staff := device(t, s.socketURL(), client.Options{})

	id, err := patient.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := patient.UpdateSession(ctx, id, nil, session.StatusSubmitted); err != nil {
		t.Fatalf("submit: %v", err)
	}
	eventually(t, "staff sees submitted form", func() bool {
		got, ok := staff.Session(id)
		return ok && got.Submitted()
	})

	req, _ := http.NewRequest(http.MethodDelete, s.health.URL+"/api/v1/sessions/"+id, nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want 204", resp.StatusCode)
	}

	eventually(t, "both devices drop the session", func() bool {
		_, onPatient := patient.Session(id)
		_, onStaff := staff.Session(id)
		return !onPatient && !onStaff
	})
}

func TestAuthTokenRequired(t *testing.T) {
	s := newStack(t, func(cfg *config.Config) {
		cfg.Security.AuthToken = "device-secret"
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, _, err := websocket.Dial(ctx, s.socketURL(), nil); err == nil {
		t.Fatal("expected error without auth token")
	}

	c, _, err := websocket.Dial(ctx, s.socketURL(), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer device-secret"}},
	})
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	c.CloseNow()

	c2, _, err := websocket.Dial(ctx, s.socketURL()+"?token=device-secret", nil)
	if err != nil {
		t.Fatalf("dial with query token: %v", err)
	}
	c2.CloseNow()

	// The device client carries the token on every reconnect
	device(t, s.socketURL(), client.Options{
		Header: http.Header{"Authorization": {"Bearer device-secret"}},
	})
}

func TestRateLimiting(t *testing.T) {
	s := newStack(t, func(cfg *config.Config) {
		cfg.Security.RateLimit.Enabled = true
		cfg.Security.RateLimit.ConnectionsPerMinute = 2
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		c, _, err := websocket.Dial(ctx, s.socketURL(), nil)
		if err != nil {
			t.Fatalf("connection %d: %v", i+1, err)
		}
		c.CloseNow()
	}
	if _, _, err := websocket.Dial(ctx, s.socketURL(), nil); err == nil {
		t.Fatal("expected rate limit error")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newStack(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	patient := device(t, s.socketURL(), client.Options{})
	if _, err := patient.CreateSession(ctx); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	eventually(t, "session stored", func() bool { return s.store.Len() == 1 })

	resp, err := http.Get(s.health.URL + "/health")
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	var hr health.Response
	err = json.NewDecoder(resp.Body).Decode(&hr)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || hr.Status != "ok" {
		t.Errorf("health = %d %q, want 200 ok", resp.StatusCode, hr.Status)
	}
	if hr.Sessions != 1 || hr.ActiveConnections != 1 || hr.Version != "test" {
		t.Errorf("health = %+v", hr)
	}

	resp, err = http.Get(s.health.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{
		`intakesync_events_total{event="create-session"} 1`,
		`intakesync_sessions{status="filling"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestDrainReportsUnhealthy(t *testing.T) {
	s := newStack(t, nil)
	device(t, s.socketURL(), client.Options{})

	s.srv.StartDrain()
	eventually(t, "connections drained", func() bool { return s.srv.Tracker.ConnectionCount() == 0 })

	resp, err := http.Get(s.health.URL + "/health")
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("health status while draining = %d, want 503", resp.StatusCode)
	}
}
