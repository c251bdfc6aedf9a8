package hub

import (
	"sync"
	"testing"

	"github.com/cortexuvula/intakesync/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// fakePeer records frames in order and can simulate a full queue.
type fakePeer struct {
	id string

	mu     sync.Mutex
	frames []string
	full   bool
	closed bool
	reason string
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(msg []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full || p.closed {
		return false
	}
	p.frames = append(p.frames, string(msg))
	return true
}

func (p *fakePeer) Close(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.reason = reason
}

func (p *fakePeer) received() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.frames...)
}

func TestHubJoinLeaveCount(t *testing.T) {
	h := New()

	if h.Count() != 0 {
		t.Errorf("empty hub count = %d, want 0", h.Count())
	}

	h.Join(&fakePeer{id: "c1"})
	h.Join(&fakePeer{id: "c2"})
	if h.Count() != 2 {
		t.Errorf("after 2 joins = %d, want 2", h.Count())
	}

	h.Leave("c1")
	if h.Count() != 1 {
		t.Errorf("after leave = %d, want 1", h.Count())
	}

	// Should not panic
	h.Leave("nonexistent")
}

func TestHubPublishReachesEveryone(t *testing.T) {
	h := New()
	patient := &fakePeer{id: "patient"}
	staffA := &fakePeer{id: "staff-a"}
	staffB := &fakePeer{id: "staff-b"}
	h.Join(patient)
	h.Join(staffA)
	h.Join(staffB)

	h.Publish([]byte("one"))
	h.Publish([]byte("two"))

	for _, p := range []*fakePeer{patient, staffA, staffB} {
		got := p.received()
		if len(got) != 2 || got[0] != "one" || got[1] != "two" {
			t.Errorf("%s received %v, want [one two]", p.id, got)
		}
	}
}

func TestHubSendToIsUnicast(t *testing.T) {
	h := New()
	c1 := &fakePeer{id: "c1"}
	c2 := &fakePeer{id: "c2"}
	h.Join(c1)
	h.Join(c2)

	if !h.SendTo("c1", []byte("snapshot")) {
		t.Fatal("SendTo(c1) should succeed")
	}
	if len(c1.received()) != 1 {
		t.Errorf("c1 received %d frames, want 1", len(c1.received()))
	}
	if len(c2.received()) != 0 {
		t.Errorf("c2 should not receive a unicast, got %v", c2.received())
	}

	if h.SendTo("missing", []byte("x")) {
		t.Error("SendTo unknown peer should return false")
	}
}

func TestHubClosesSlowPeer(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := New()
	h.SetMetrics(m)

	slow := &fakePeer{id: "slow", full: true}
	fast := &fakePeer{id: "fast"}
	h.Join(slow)
	h.Join(fast)

	h.Publish([]byte("update"))

	if !slow.closed {
		t.Error("slow peer should be closed when its queue is full")
	}
	if slow.reason == "" {
		t.Error("close reason should be set")
	}
	if len(fast.received()) != 1 {
		t.Error("fast peer should still receive the frame")
	}
}

func TestHubJoinReplacesSameID(t *testing.T) {
	h := New()
	old := &fakePeer{id: "c1"}
	replacement := &fakePeer{id: "c1"}
	h.Join(old)
	h.Join(replacement)

	h.Publish([]byte("x"))

	if h.Count() != 1 {
		t.Errorf("count = %d, want 1", h.Count())
	}
	if len(old.received()) != 0 {
		t.Error("replaced peer should not receive frames")
	}
	if len(replacement.received()) != 1 {
		t.Error("replacement peer should receive the frame")
	}
}
