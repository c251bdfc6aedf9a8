package logring

import (
	"context"
	"log/slog"
	"strings"
)

// TeeHandler forwards records to an inner slog.Handler and captures a copy
// in a RingBuffer for the admin log endpoint.
type TeeHandler struct {
	inner  slog.Handler
	ring   *RingBuffer
	attrs  []slog.Attr
	groups []string
}

// NewTeeHandler creates a handler that forwards to inner and captures to ring.
func NewTeeHandler(inner slog.Handler, ring *RingBuffer) *TeeHandler {
	return &TeeHandler{inner: inner, ring: ring}
}

// Enabled delegates to the inner handler, so the ring only sees records
// the configured log level lets through.
func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle captures r in the ring buffer and forwards it to the inner handler.
func (h *TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := LogEntry{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
	}

	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		attrs[prefix+a.Key] = captureValue(a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[prefix+a.Key] = captureValue(a.Value)
		return true
	})
	if len(attrs) > 0 {
		entry.Attrs = attrs
	}
	h.ring.Add(entry)

	return h.inner.Handle(ctx, r)
}

// captureValue resolves v into something that survives JSON encoding.
// Errors would otherwise marshal as empty objects.
func captureValue(v slog.Value) any {
	v = v.Resolve()
	if v.Kind() == slog.KindAny {
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
	}
	return v.Any()
}

// WithAttrs returns a new handler with attrs pre-set.
func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TeeHandler{
		inner:  h.inner.WithAttrs(attrs),
		ring:   h.ring,
		attrs:  append(append([]slog.Attr(nil), h.attrs...), attrs...),
		groups: h.groups,
	}
}

// WithGroup returns a new handler that qualifies later attrs with name.
func (h *TeeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &TeeHandler{
		inner:  h.inner.WithGroup(name),
		ring:   h.ring,
		attrs:  h.attrs,
		groups: append(append([]string(nil), h.groups...), name),
	}
}
