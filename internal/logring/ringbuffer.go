package logring

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SessionKey is the log attribute that carries an intake session id.
const SessionKey = "session"

// LogEntry is one captured log record.
type LogEntry struct {
	Time    time.Time      `json:"time"`
	Level   slog.Level     `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Session returns the session id the entry was logged for, if any.
func (e LogEntry) Session() string {
	v, ok := e.Attrs[SessionKey]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Query selects entries from a RingBuffer. Zero fields do not filter.
type Query struct {
	Limit    int
	MinLevel slog.Level
	Since    time.Time
	Session  string
}

// RingBuffer keeps the most recent log entries in a fixed-size circular
// buffer. It is safe for concurrent use.
type RingBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	head    int // next write position
	size    int
}

// NewRingBuffer creates a buffer holding at most capacity entries.
// A capacity below 1 is treated as 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{entries: make([]LogEntry, capacity)}
}

// Add appends entry, overwriting the oldest when full.
func (rb *RingBuffer) Add(entry LogEntry) {
	rb.mu.Lock()
	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % len(rb.entries)
	if rb.size < len(rb.entries) {
		rb.size++
	}
	rb.mu.Unlock()
}

// Entries returns the entries matching q, newest first.
func (rb *RingBuffer) Entries(q Query) []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var result []LogEntry
	n := len(rb.entries)
	for i := 0; i < rb.size && (q.Limit <= 0 || len(result) < q.Limit); i++ {
		e := rb.entries[(rb.head-1-i+n)%n]
		if e.Level < q.MinLevel {
			continue
		}
		if !q.Since.IsZero() && e.Time.Before(q.Since) {
			continue
		}
		if q.Session != "" && e.Session() != q.Session {
			continue
		}
		result = append(result, e)
	}
	return result
}

// Len returns the number of entries held.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Cap returns the buffer capacity.
func (rb *RingBuffer) Cap() int {
	return len(rb.entries)
}
