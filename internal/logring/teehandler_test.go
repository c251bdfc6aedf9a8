package logring

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func newTee(level slog.Level) (*bytes.Buffer, *RingBuffer, *TeeHandler) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: level})
	ring := NewRingBuffer(100)
	return &buf, ring, NewTeeHandler(inner, ring)
}

func TestTeeHandlerForwards(t *testing.T) {
	buf, ring, handler := newTee(slog.LevelDebug)

	slog.New(handler).Info("session created", "session", "session_1")

	if !strings.Contains(buf.String(), "session created") {
		t.Errorf("inner handler did not receive message, got: %s", buf.String())
	}
	entries := ring.Entries(Query{Session: "session_1"})
	if len(entries) != 1 {
		t.Fatalf("ring has %d entries for session_1, want 1", len(entries))
	}
	if entries[0].Message != "session created" || entries[0].Level != slog.LevelInfo {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestTeeHandlerEnabled(t *testing.T) {
	_, ring, handler := newTee(slog.LevelWarn)

	if handler.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("should not be enabled for Debug when inner is Warn")
	}
	if !handler.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("should be enabled for Warn")
	}

	slog.New(handler).Info("dropped")
	if ring.Len() != 0 {
		t.Errorf("ring captured a record below the inner level")
	}
}

func TestTeeHandlerWithAttrs(t *testing.T) {
	_, ring, handler := newTee(slog.LevelDebug)

	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("session", "session_7")}))
	logger.Info("field updated")

	if got := ring.Entries(Query{Session: "session_7"}); len(got) != 1 {
		t.Fatalf("ring has %d entries for pre-set session, want 1", len(got))
	}
}

func TestTeeHandlerWithGroup(t *testing.T) {
	_, ring, handler := newTee(slog.LevelDebug)

	slog.New(handler.WithGroup("req")).Info("test", "method", "GET")

	entries := ring.Entries(Query{})
	if len(entries) != 1 {
		t.Fatalf("ring has %d entries, want 1", len(entries))
	}
	if v, ok := entries[0].Attrs["req.method"]; !ok || v != "GET" {
		t.Errorf("attrs[req.method] = %v, want %q", v, "GET")
	}
}

func TestTeeHandlerCapturesErrorsAsText(t *testing.T) {
	_, ring, handler := newTee(slog.LevelDebug)

	slog.New(handler).Warn("write failed", "error", errors.New("broken pipe"))

	entries := ring.Entries(Query{})
	if len(entries) != 1 {
		t.Fatalf("ring has %d entries, want 1", len(entries))
	}
	if v := entries[0].Attrs["error"]; v != "broken pipe" {
		t.Errorf("attrs[error] = %#v, want %q", v, "broken pipe")
	}
}
