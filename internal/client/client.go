// Package client is the device-side half of session sync: it keeps a local
// mirror of every session from server broadcasts and turns form edits into
// protocol events.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/cortexuvula/intakesync/internal/protocol"
	"github.com/cortexuvula/intakesync/internal/session"
)

// DefaultIdleTimeout is how long an owned session may go without an edit
// before the client marks it inactive.
const DefaultIdleTimeout = 30 * time.Second

var (
	// ErrNotConnected is returned when an event cannot be sent because the
	// socket is down. Callers defer the action until reconnected.
	ErrNotConnected = errors.New("not connected")
	// ErrUnknownSession is returned by UpdateSession for ids not in the mirror.
	ErrUnknownSession = errors.New("unknown session")
)

// Options configures a Client.
type Options struct {
	// Header is sent with every dial, e.g. Authorization.
	Header http.Header
	// IdleTimeout defaults to DefaultIdleTimeout.
	IdleTimeout time.Duration
	// ReconnectInterval is the minimum gap between dial attempts. Default 1s.
	ReconnectInterval time.Duration
	// OnEvent is called for every inbound frame after the mirror is updated.
	// It runs on the read goroutine and must not block.
	OnEvent func(protocol.Envelope)
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Client maintains a connection to the sync server and a mirror of its
// sessions. Conflicting concurrent writes are not reconciled beyond
// last-write-wins; the server echo is the single corrective broadcast.
type Client struct {
	url  string
	opts Options

	// sendMu is held from stamping an outbound session event until the
	// mirror reflects it, so edits and idle transitions go out in seq order
	// and each is built on the one before.
	sendMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	connected chan struct{} // closed while connected
	mirror    map[string]session.Session
	seq       map[string]uint64
	owned     map[string]idleTimer // sessions created here
	idleGen   uint64
	closed    bool
}

// idleTimer is the inactivity timer of one owned session. gen tells a
// timer that fired apart from the one currently armed.
type idleTimer struct {
	timer *time.Timer
	gen   uint64
}

// New creates a client for the socket at url (ws:// or wss://).
func New(url string, opts Options) *Client {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		url:       url,
		opts:      opts,
		connected: make(chan struct{}),
		mirror:    make(map[string]session.Session),
		seq:       make(map[string]uint64),
		owned:     make(map[string]idleTimer),
	}
}

// Run connects and reconnects until ctx is cancelled or Close is called.
// After every successful connect it requests a full snapshot.
func (c *Client) Run(ctx context.Context) error {
	backoff := rate.NewLimiter(rate.Every(c.opts.ReconnectInterval), 1)
	for {
		if err := pace(ctx, backoff); err != nil {
			return err
		}
		if c.isClosed() {
			return nil
		}

		conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: c.opts.Header})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Debug("client: dial failed", "url", c.url, "error", err)
			continue
		}
		conn.SetReadLimit(1 << 20)

		c.setConn(conn)
		slog.Debug("client: connected", "url", c.url)
		if err := c.send(ctx, protocol.EventGetAllSessions, nil); err != nil {
			slog.Debug("client: snapshot request failed", "error", err)
		}

		err = c.readLoop(ctx, conn)
		c.clearConn(conn)
		conn.CloseNow()
		slog.Debug("client: disconnected", "url", c.url, "reason", err)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.isClosed() {
			return nil
		}
	}
}

// pace waits for the next dial slot. Unlike Limiter.Wait it returns
// ctx.Err() rather than failing early when ctx has a deadline.
func pace(ctx context.Context, l *rate.Limiter) error {
	r := l.Reserve()
	timer := time.NewTimer(r.Delay())
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		env, err := protocol.Decode(data)
		if err != nil {
			slog.Debug("client: bad frame", "error", err)
			continue
		}
		if err := c.apply(env); err != nil {
			slog.Debug("client: frame not applied", "event", env.Event, "error", err)
			continue
		}
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(env)
		}
	}
}

// apply folds one server event into the mirror.
func (c *Client) apply(env protocol.Envelope) error {
	switch env.Event {
	case protocol.EventAllSessions:
		var all map[string]session.Session
		if err := json.Unmarshal(env.Data, &all); err != nil {
			return err
		}
		c.mu.Lock()
		c.mirror = make(map[string]session.Session, len(all))
		for id, s := range all {
			c.mirror[id] = s
		}
		c.mu.Unlock()
	case protocol.EventSessionUpdated:
		var s session.Session
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return err
		}
		if s.ID == "" {
			return fmt.Errorf("session without id")
		}
		c.mu.Lock()
		// An echo older than what this client already sent would roll
		// back edits still in flight
		if s.Seq < c.seq[s.ID] {
			c.mu.Unlock()
			return nil
		}
		c.mirror[s.ID] = s
		if s.Submitted() {
			c.stopIdleLocked(s.ID)
		}
		c.mu.Unlock()
	case protocol.EventSessionDeleted:
		var id string
		if err := json.Unmarshal(env.Data, &id); err != nil {
			return err
		}
		c.mu.Lock()
		delete(c.mirror, id)
		delete(c.seq, id)
		c.stopIdleLocked(id)
		c.mu.Unlock()
	default:
		return fmt.Errorf("unexpected event %q", env.Event)
	}
	return nil
}

// Connected reports whether the socket is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// WaitConnected blocks until the socket is up or ctx ends.
func (c *Client) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	ch := c.connected
	c.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sessions returns a copy of the mirror.
func (c *Client) Sessions() map[string]session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]session.Session, len(c.mirror))
	for id, s := range c.mirror {
		out[id] = s.Clone()
	}
	return out
}

// Session returns one mirrored session.
func (c *Client) Session(id string) (session.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.mirror[id]
	if !ok {
		return session.Session{}, false
	}
	return s.Clone(), true
}

// CreateSession starts a new intake owned by this client and returns its id.
// The session is mirrored locally right away so edits can follow before the
// server echo arrives.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.Connected() {
		return "", ErrNotConnected
	}
	now := c.opts.Now()
	s := session.Session{
		ID:         NewSessionID(now),
		Status:     session.StatusFilling,
		Data:       session.EmptyPatientData(),
		CreatedAt:  now.UnixMilli(),
		LastUpdate: now.UnixMilli(),
	}
	if err := c.send(ctx, protocol.EventCreateSession, s); err != nil {
		return "", err
	}

	c.mu.Lock()
	if _, ok := c.mirror[s.ID]; !ok {
		c.mirror[s.ID] = s
	}
	c.resetIdleLocked(s.ID)
	c.mu.Unlock()
	return s.ID, nil
}

// UpdateSession merges partial over the mirrored copy of id and sends the
// full envelope. An empty status keeps the current one, except that an edit
// to an inactive session this client owns brings it back to filling.
func (c *Client) UpdateSession(ctx context.Context, id string, partial map[string]string, status session.Status) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.updateLocked(ctx, id, partial, status)
}

// updateLocked does the work of UpdateSession. Caller must hold c.sendMu.
func (c *Client) updateLocked(ctx context.Context, id string, partial map[string]string, status session.Status) error {
	c.mu.Lock()
	cur, ok := c.mirror[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("update %s: %w", id, ErrUnknownSession)
	}
	_, owned := c.owned[id]
	next := cur.Clone()
	next.MergeData(partial)
	switch {
	case status != "":
		next.Status = status
	case owned && cur.Status == session.StatusInactive && len(partial) > 0:
		next.Status = session.StatusFilling
	}
	seq := max(c.seq[id], cur.Seq) + 1
	c.seq[id] = seq
	next.Seq = seq
	next.LastUpdate = c.opts.Now().UnixMilli()
	c.mu.Unlock()

	if err := c.send(ctx, protocol.EventUpdateSession, next); err != nil {
		return err
	}

	c.mu.Lock()
	c.mirror[id] = next
	if owned {
		if next.Submitted() {
			c.stopIdleLocked(id)
		} else if next.Status != session.StatusInactive {
			c.resetIdleLocked(id)
		}
	}
	c.mu.Unlock()
	return nil
}

// DeleteSession asks the server to remove id. The mirror changes when the
// server's session-deleted arrives.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.send(ctx, protocol.EventDeleteSession, id); err != nil {
		return err
	}
	c.mu.Lock()
	c.stopIdleLocked(id)
	c.mu.Unlock()
	return nil
}

// RequestSnapshot asks the server for a fresh all-sessions.
func (c *Client) RequestSnapshot(ctx context.Context) error {
	return c.send(ctx, protocol.EventGetAllSessions, nil)
}

// Close stops idle timers and closes the socket. Run returns shortly after.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	for id := range c.owned {
		c.stopIdleLocked(id)
	}
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "")
	}
	return nil
}

func (c *Client) send(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	msg, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		return fmt.Errorf("sending %s: %w", event, err)
	}
	return nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	close(c.connected)
}

func (c *Client) clearConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.conn = nil
	c.connected = make(chan struct{})
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// resetIdleLocked (re)arms the inactivity timer for an owned session.
// Caller must hold c.mu.
func (c *Client) resetIdleLocked(id string) {
	if c.closed {
		return
	}
	if t, ok := c.owned[id]; ok {
		t.timer.Stop()
	}
	c.idleGen++
	gen := c.idleGen
	c.owned[id] = idleTimer{
		timer: time.AfterFunc(c.opts.IdleTimeout, func() { c.markInactive(id, gen) }),
		gen:   gen,
	}
}

// stopIdleLocked disarms and forgets the timer for id. Caller must hold c.mu.
func (c *Client) stopIdleLocked(id string) {
	if t, ok := c.owned[id]; ok {
		t.timer.Stop()
		delete(c.owned, id)
	}
}

// markInactive runs when the idle timer armed as gen fires. An edit that
// re-armed the timer in the meantime makes it a no-op.
func (c *Client) markInactive(id string, gen uint64) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	s, ok := c.mirror[id]
	t, owned := c.owned[id]
	c.mu.Unlock()
	if !ok || !owned || t.gen != gen || s.Submitted() || s.Status == session.StatusInactive {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.updateLocked(ctx, id, nil, session.StatusInactive); err != nil {
		slog.Debug("client: could not mark session inactive", "session", id, "error", err)
		return
	}
	slog.Debug("client: session idle, marked inactive", "session", id)
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewSessionID returns an id of the form session_<unix ms>_<9 base36 chars>.
func NewSessionID(now time.Time) string {
	suffix := make([]byte, 9)
	for i := range suffix {
		suffix[i] = base36[rand.IntN(len(base36))]
	}
	return "session_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + string(suffix)
}
