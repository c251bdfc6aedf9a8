package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cortexuvula/intakesync/internal/metrics"
	"github.com/cortexuvula/intakesync/internal/session"
)

// Reasons an inbound event is dropped. None of these are reported back to
// the client; they exist so callers can log and count them.
var (
	ErrMalformed      = errors.New("malformed event")
	ErrUnknownEvent   = errors.New("unknown event")
	ErrUnknownSession = errors.New("unknown session")
	ErrSubmitted      = errors.New("session already submitted")
	ErrStaleSequence  = errors.New("stale sequence number")
	ErrNotConnected   = errors.New("connection not live")
)

// Broadcaster is the publish side of the hub as seen by the handler.
type Broadcaster interface {
	// Publish queues msg for every connected party.
	Publish(msg []byte)
	// SendTo queues msg for a single connection.
	SendTo(connID string, msg []byte) bool
}

// Options controls optional handler behavior.
type Options struct {
	// SnapshotOnConnect pushes all-sessions to every new connection.
	SnapshotOnConnect bool
	// EnforceSequence drops updates whose seq is lower than the stored one.
	EnforceSequence bool
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Handler is the server-side session state machine. Every mutation of the
// store and registry, and the broadcast it causes, runs under one mutex so
// all connections observe mutations in the order they were applied.
type Handler struct {
	mu       sync.Mutex
	store    *session.Store
	registry *session.Registry
	out      Broadcaster
	opts     Options
	live     map[string]struct{} // connections between Connect and Disconnect

	metrics *metrics.Metrics // optional
}

// NewHandler wires a handler to its store, registry and hub.
func NewHandler(store *session.Store, registry *session.Registry, out Broadcaster, opts Options) *Handler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handler{
		store:    store,
		registry: registry,
		out:      out,
		opts:     opts,
		live:     make(map[string]struct{}),
	}
}

// SetMetrics attaches optional Prometheus metrics.
func (h *Handler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
	h.observeSessions()
}

// Store returns the session store backing the handler.
func (h *Handler) Store() *session.Store {
	return h.store
}

// SessionOf returns the session currently owned by connID.
func (h *Handler) SessionOf(connID string) (string, bool) {
	return h.registry.OwnerOf(connID)
}

// Connect is called once a new connection has joined the hub. Only
// connected ids may create sessions.
func (h *Handler) Connect(connID string) {
	h.mu.Lock()
	h.live[connID] = struct{}{}
	h.mu.Unlock()
	if h.opts.SnapshotOnConnect {
		h.Snapshot(connID)
	}
}

// HandleMessage decodes a raw frame from connID and applies it.
// It never panics on bad input; the returned error only says why the
// frame was dropped.
func (h *Handler) HandleMessage(connID string, raw []byte) error {
	env, err := Decode(raw)
	if err != nil {
		return h.record(connID, "", err)
	}
	return h.Dispatch(connID, env)
}

// Dispatch applies an already decoded envelope from connID.
func (h *Handler) Dispatch(connID string, env Envelope) error {
	var err error
	switch env.Event {
	case EventCreateSession:
		var s session.Session
		if err = decodePayload(env, &s); err == nil {
			err = h.CreateSession(connID, s)
		}
	case EventUpdateSession:
		var s session.Session
		if err = decodePayload(env, &s); err == nil {
			err = h.UpdateSession(connID, s)
		}
	case EventDeleteSession:
		var id string
		if err = decodePayload(env, &id); err == nil {
			err = h.DeleteSession(id)
		}
	case EventGetAllSessions:
		h.Snapshot(connID)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	return h.record(connID, env.Event, err)
}

// CreateSession stores a new session owned by connID and broadcasts it.
// A create for an id held by another live connection takes the session over.
func (h *Handler) CreateSession(connID string, s session.Session) error {
	if s.ID == "" {
		return fmt.Errorf("%w: create without session id", ErrMalformed)
	}
	if s.Status == "" {
		s.Status = session.StatusFilling
	} else if !s.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrMalformed, s.Status)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// A create racing the connection's own disconnect would leave an
	// owner that no disconnect will ever reconcile.
	if _, ok := h.live[connID]; !ok {
		return fmt.Errorf("create %s from %s: %w", s.ID, connID, ErrNotConnected)
	}
	if existing, ok := h.store.Get(s.ID); ok && existing.Submitted() {
		return fmt.Errorf("create %s: %w", s.ID, ErrSubmitted)
	}

	now := h.nowMillis()
	if s.CreatedAt <= 0 {
		s.CreatedAt = now
	}
	s.LastUpdate = max(s.CreatedAt, now)
	if s.Data == nil {
		s.Data = make(map[string]string)
	}
	s.OwnerConnectionID = connID

	// A connection owns one session; creating another ends the first as a
	// disconnect would.
	if old, ok := h.registry.OwnerOf(connID); ok && old != s.ID {
		h.registry.UnbindSession(old)
		h.release(connID, old)
	}
	if prevOwner := h.registry.Bind(connID, s.ID); prevOwner != "" {
		slog.Warn("session taken over by another connection",
			"session", s.ID, "conn", connID, "previous_conn", prevOwner)
	}

	h.store.Put(s)
	h.publish(EventSessionUpdated, s)
	slog.Info("session created", "session", s.ID, "conn", connID)
	return nil
}

// UpdateSession merges s.Data into the stored session, applies s.Status if
// set, and broadcasts the result.
func (h *Handler) UpdateSession(connID string, s session.Session) error {
	if s.ID == "" {
		return fmt.Errorf("%w: update without session id", ErrMalformed)
	}
	if s.Status != "" && !s.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrMalformed, s.Status)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	cur, ok := h.store.Get(s.ID)
	if !ok {
		return fmt.Errorf("update %s: %w", s.ID, ErrUnknownSession)
	}
	if cur.Submitted() {
		return fmt.Errorf("update %s: %w", s.ID, ErrSubmitted)
	}
	if h.opts.EnforceSequence && s.Seq > 0 && s.Seq < cur.Seq {
		return fmt.Errorf("update %s seq %d < %d: %w", s.ID, s.Seq, cur.Seq, ErrStaleSequence)
	}

	cur.MergeData(s.Data)
	if s.Status != "" {
		if s.Status != cur.Status {
			slog.Info("session status changed", "session", s.ID, "from", cur.Status, "to", s.Status, "conn", connID)
		}
		cur.Status = s.Status
	}
	cur.Seq = max(cur.Seq, s.Seq)
	cur.LastUpdate = max(cur.LastUpdate, h.nowMillis())

	h.store.Put(cur)
	h.publish(EventSessionUpdated, cur)
	return nil
}

// DeleteSession removes a session regardless of status and broadcasts the
// deletion. Deleting an unknown id does nothing.
func (h *Handler) DeleteSession(id string) error {
	if id == "" {
		return fmt.Errorf("%w: delete without session id", ErrMalformed)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.store.Get(id); !ok {
		return fmt.Errorf("delete %s: %w", id, ErrUnknownSession)
	}
	h.store.Remove(id)
	h.registry.UnbindSession(id)
	h.publish(EventSessionDeleted, id)
	slog.Info("session deleted", "session", id)
	return nil
}

// Snapshot sends the full store contents to connID only.
func (h *Handler) Snapshot(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	msg, err := Encode(EventAllSessions, h.store.All())
	if err != nil {
		slog.Error("encoding snapshot", "conn", connID, "error", err)
		h.countError("encode")
		return
	}
	h.out.SendTo(connID, msg)
}

// Disconnect reconciles the session owned by connID, if any. Unfinished
// sessions are discarded; submitted ones are kept with ownership cleared.
func (h *Handler) Disconnect(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.live, connID)
	id, ok := h.registry.OwnerOf(connID)
	h.registry.Unbind(connID)
	if !ok {
		return
	}
	h.release(connID, id)
}

// release applies the end-of-ownership rule to session id, which connID
// no longer owns. Caller must hold h.mu.
func (h *Handler) release(connID, id string) {
	sess, ok := h.store.Get(id)
	if !ok {
		return
	}

	if !sess.Submitted() {
		h.store.Remove(id)
		h.publish(EventSessionDeleted, id)
		slog.Info("discarded unfinished session", "session", id, "conn", connID, "status", sess.Status)
		return
	}

	sess.OwnerConnectionID = ""
	h.store.Put(sess)
	slog.Info("released submitted session", "session", id, "conn", connID)
}

// publish encodes and fans out an event. Caller must hold h.mu.
func (h *Handler) publish(event string, payload any) {
	msg, err := Encode(event, payload)
	if err != nil {
		slog.Error("encoding broadcast", "event", event, "error", err)
		h.countError("encode")
		return
	}
	h.out.Publish(msg)
	h.observeSessions()
}

func (h *Handler) nowMillis() int64 {
	return h.opts.Now().UnixMilli()
}

// record logs and counts the outcome of one inbound event.
func (h *Handler) record(connID, event string, err error) error {
	if err == nil {
		if h.metrics != nil {
			h.metrics.EventsTotal.WithLabelValues(event).Inc()
		}
		return nil
	}
	reason := ignoreReason(err)
	slog.Debug("event ignored", "conn", connID, "event", event, "reason", reason, "error", err)
	if h.metrics != nil {
		h.metrics.EventsIgnored.WithLabelValues(reason).Inc()
	}
	return err
}

func (h *Handler) observeSessions() {
	if h.metrics == nil {
		return
	}
	for status, n := range h.store.CountByStatus() {
		h.metrics.Sessions.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (h *Handler) countError(kind string) {
	if h.metrics != nil {
		h.metrics.ErrorsTotal.WithLabelValues(kind).Inc()
	}
}

func decodePayload(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrMalformed, env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Event, err)
	}
	return nil
}

func ignoreReason(err error) string {
	switch {
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrUnknownEvent):
		return "unknown_event"
	case errors.Is(err, ErrUnknownSession):
		return "unknown_session"
	case errors.Is(err, ErrSubmitted):
		return "submitted"
	case errors.Is(err, ErrStaleSequence):
		return "stale_sequence"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	default:
		return "other"
	}
}
