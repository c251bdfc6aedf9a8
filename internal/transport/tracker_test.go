package transport

import (
	"testing"
	"time"
)

func TestTrackerConnectionCount(t *testing.T) {
	tr := NewTracker()

	if got := tr.ConnectionCount(); got != 0 {
		t.Errorf("initial ConnectionCount() = %d, want 0", got)
	}

	for _, ip := range []string{"192.168.10.1", "192.168.10.1", "192.168.10.2"} {
		if reason := tr.TryIncrementConnections(ip, 10, 10); reason != "" {
			t.Fatalf("TryIncrementConnections(%s) = %q", ip, reason)
		}
	}

	if got := tr.ConnectionCount(); got != 3 {
		t.Errorf("ConnectionCount() = %d, want 3", got)
	}
	if got := tr.ConnectionCountForIP("192.168.10.1"); got != 2 {
		t.Errorf("ConnectionCountForIP(192.168.10.1) = %d, want 2", got)
	}
	if got := tr.ConnectionCountForIP("192.168.10.3"); got != 0 {
		t.Errorf("ConnectionCountForIP(unknown) = %d, want 0", got)
	}

	tr.DecrementConnections("192.168.10.2")
	if _, ok := tr.ActiveIPConnections()["192.168.10.2"]; ok {
		t.Error("IP with no connections should be dropped from the map")
	}
	if got := tr.TotalConnections(); got != 3 {
		t.Errorf("TotalConnections() = %d, want 3", got)
	}
}

func TestTrackerLimits(t *testing.T) {
	tests := []struct {
		name     string
		maxAll   int
		maxPerIP int
		ips      []string
		want     string
	}{
		{"global limit", 2, 5, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, "max_connections"},
		{"per ip limit", 10, 1, []string{"10.0.0.1", "10.0.0.1"}, "max_connections_per_ip"},
		{"under limits", 10, 10, []string{"10.0.0.1", "10.0.0.2"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker()
			var last string
			for _, ip := range tt.ips {
				last = tr.TryIncrementConnections(ip, tt.maxAll, tt.maxPerIP)
			}
			if last != tt.want {
				t.Errorf("last reason = %q, want %q", last, tt.want)
			}
		})
	}
}

func TestTrackerConnections(t *testing.T) {
	tr := NewTracker()
	now := time.Now()
	tr.Register(ConnInfo{ID: "b", Transport: TransportPolling, ConnectedAt: now.Add(time.Second)})
	tr.Register(ConnInfo{ID: "a", Transport: TransportWebSocket, ConnectedAt: now})

	conns := tr.Connections()
	if len(conns) != 2 || conns[0].ID != "a" || conns[1].ID != "b" {
		t.Fatalf("Connections() = %+v, want a then b", conns)
	}

	tr.Unregister("a")
	if conns := tr.Connections(); len(conns) != 1 || conns[0].ID != "b" {
		t.Errorf("Connections() after Unregister = %+v", conns)
	}
}

func TestTrackerMessages(t *testing.T) {
	tr := NewTracker()
	tr.IncrementMessages()
	tr.IncrementMessages()
	if got := tr.TotalMessages(); got != 2 {
		t.Errorf("TotalMessages() = %d, want 2", got)
	}
}
