package session

import "testing"

func TestRegistryBindAndOwnerOf(t *testing.T) {
	r := NewRegistry()

	if _, ok := r.OwnerOf("c1"); ok {
		t.Error("empty registry should own nothing")
	}

	if prev := r.Bind("c1", "s1"); prev != "" {
		t.Errorf("first bind previous owner = %q, want empty", prev)
	}

	got, ok := r.OwnerOf("c1")
	if !ok || got != "s1" {
		t.Errorf("OwnerOf(c1) = %q, %v; want s1, true", got, ok)
	}
	conn, ok := r.ConnFor("s1")
	if !ok || conn != "c1" {
		t.Errorf("ConnFor(s1) = %q, %v; want c1, true", conn, ok)
	}
}

func TestRegistryUnbind(t *testing.T) {
	r := NewRegistry()
	r.Bind("c1", "s1")

	r.Unbind("c1")
	if _, ok := r.OwnerOf("c1"); ok {
		t.Error("c1 should own nothing after unbind")
	}
	if _, ok := r.ConnFor("s1"); ok {
		t.Error("s1 should have no owner after unbind")
	}
	if r.Len() != 0 {
		t.Errorf("len = %d, want 0", r.Len())
	}
}

func TestRegistryUnbindNonexistent(t *testing.T) {
	r := NewRegistry()
	// Should not panic
	r.Unbind("nonexistent")
	r.UnbindSession("nonexistent")
}

func TestRegistryUnbindSession(t *testing.T) {
	r := NewRegistry()
	r.Bind("c1", "s1")
	r.Bind("c2", "s2")

	r.UnbindSession("s1")
	if _, ok := r.OwnerOf("c1"); ok {
		t.Error("c1 should own nothing after its session was unbound")
	}
	if got, _ := r.OwnerOf("c2"); got != "s2" {
		t.Errorf("unbind crossed sessions: c2 owns %q", got)
	}
}

func TestRegistryRebindMovesOwnership(t *testing.T) {
	r := NewRegistry()
	r.Bind("c1", "s1")

	prev := r.Bind("c2", "s1")
	if prev != "c1" {
		t.Errorf("previous owner = %q, want c1", prev)
	}
	if _, ok := r.OwnerOf("c1"); ok {
		t.Error("c1 should no longer own s1")
	}
	if conn, _ := r.ConnFor("s1"); conn != "c2" {
		t.Errorf("ConnFor(s1) = %q, want c2", conn)
	}
}

func TestRegistryOneSessionPerConnection(t *testing.T) {
	r := NewRegistry()
	r.Bind("c1", "s1")
	r.Bind("c1", "s2")

	if got, _ := r.OwnerOf("c1"); got != "s2" {
		t.Errorf("OwnerOf(c1) = %q, want s2", got)
	}
	if _, ok := r.ConnFor("s1"); ok {
		t.Error("s1 should have lost its owner when c1 bound s2")
	}
	if r.Len() != 1 {
		t.Errorf("len = %d, want 1", r.Len())
	}
}

func TestRegistrySameBindingTwice(t *testing.T) {
	r := NewRegistry()
	r.Bind("c1", "s1")
	if prev := r.Bind("c1", "s1"); prev != "" {
		t.Errorf("rebinding the same pair reported previous owner %q", prev)
	}
	if got, _ := r.OwnerOf("c1"); got != "s1" {
		t.Errorf("OwnerOf(c1) = %q, want s1", got)
	}
}
