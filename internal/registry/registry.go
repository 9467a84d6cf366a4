// Package registry tracks the live connections held by this process. It is
// process-local by design: other instances learn about participants through
// the session state store and the pub/sub bridge, never by reading another
// process's registry.
package registry

import (
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/quizhub/internal/errors"
)

type Role string

const (
	RoleModerator   Role = "moderator"
	RoleParticipant Role = "participant"
)

// ErrSendBufferFull reports that a connection's outbound queue stayed full.
// The caller treats the connection as dead and unregisters it, so one slow
// client cannot stall delivery to others.
var ErrSendBufferFull = stderrors.New("registry: send buffer full")

// ErrStaleSequence reports that an event at or below the connection's last
// delivered sequence was suppressed, keeping per-connection delivery
// idempotent even when the transport duplicates.
var ErrStaleSequence = stderrors.New("registry: stale sequence suppressed")

// Connection is a local handle on one live socket. It is never persisted; the
// durable membership record lives in the session state store.
type Connection struct {
	ID        string
	SessionID string
	Username  string
	Role      Role

	lastSeen atomic.Int64
	lastSeq  atomic.Int64
	sendCh   chan []byte
	done     chan struct{}
	once     sync.Once

	holdMu  sync.Mutex
	holding bool
	held    []heldFrame
}

type heldFrame struct {
	seq   int64
	frame []byte
}

func NewConnection(sessionID, username string, role Role, sendBuffer int) *Connection {
	c := &Connection{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Username:  username,
		Role:      role,
		sendCh:    make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}
	c.Touch(time.Now())
	return c
}

// Send queues an outbound frame without blocking.
func (c *Connection) Send(frame []byte) error {
	select {
	case <-c.done:
		return stderrors.New("registry: connection closed")
	default:
	}

	select {
	case c.sendCh <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// SendEvent queues a sequenced event frame, suppressing anything at or below
// the last sequence this connection already got, so a single connection never
// sees a duplicate or out-of-order session event. While a hold is in place
// the frame is parked instead, preserving its slot in arrival order.
func (c *Connection) SendEvent(seq int64, frame []byte) error {
	c.holdMu.Lock()
	if c.holding {
		c.held = append(c.held, heldFrame{seq: seq, frame: frame})
		c.holdMu.Unlock()
		return nil
	}
	c.holdMu.Unlock()

	return c.deliver(seq, frame)
}

// Hold parks live sequenced delivery until Release. The join path holds the
// connection while it replays the backlog, so a fan-out racing the replay
// cannot advance the sequence guard and swallow the replayed events.
func (c *Connection) Hold() {
	c.holdMu.Lock()
	c.holding = true
	c.holdMu.Unlock()
}

// Replay delivers a replayed event through the sequence guard regardless of
// a hold.
func (c *Connection) Replay(seq int64, frame []byte) error {
	return c.deliver(seq, frame)
}

// Release lifts the hold and flushes the parked frames in arrival order.
// Anything the replay already covered falls to the sequence guard. The flush
// happens under the lock so a live frame arriving mid-release cannot
// overtake a parked one.
func (c *Connection) Release() {
	c.holdMu.Lock()
	defer c.holdMu.Unlock()

	for _, h := range c.held {
		_ = c.deliver(h.seq, h.frame)
	}
	c.held = nil
	c.holding = false
}

func (c *Connection) deliver(seq int64, frame []byte) error {
	for {
		last := c.lastSeq.Load()
		if seq <= last {
			return ErrStaleSequence
		}
		if c.lastSeq.CompareAndSwap(last, seq) {
			break
		}
	}
	return c.Send(frame)
}

// Outbound is drained by the connection's writer goroutine.
func (c *Connection) Outbound() <-chan []byte { return c.sendCh }

// Close cancels the connection's tasks. Safe to call more than once.
func (c *Connection) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) Touch(now time.Time) {
	c.lastSeen.Store(now.UnixMilli())
}

func (c *Connection) LastSeen() time.Time {
	return time.UnixMilli(c.lastSeen.Load())
}

type Config struct {
	// OnSubscribe fires when a session gains its first local connection,
	// OnUnsubscribe when it loses its last one. Both drive the event bus
	// bridge's subscription lifecycle.
	OnSubscribe   func(sessionID string)
	OnUnsubscribe func(sessionID string)
}

type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*Connection
	bySession map[string]map[string]*Connection

	onSubscribe   func(string)
	onUnsubscribe func(string)
}

func New(c Config) *Registry {
	return &Registry{
		conns:         make(map[string]*Connection),
		bySession:     make(map[string]map[string]*Connection),
		onSubscribe:   c.OnSubscribe,
		onUnsubscribe: c.OnUnsubscribe,
	}
}

// Register adds the connection. It fails with AlreadyExists when the same
// identity already holds a live connection for the session on this process;
// the caller must close the old one first.
func (r *Registry) Register(c *Connection) error {
	r.mu.Lock()

	sess, ok := r.bySession[c.SessionID]
	if !ok {
		sess = make(map[string]*Connection)
		r.bySession[c.SessionID] = sess
	}

	if _, exists := sess[c.Username]; exists {
		r.mu.Unlock()
		return errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("connection already registered: session=%s username=%s", c.SessionID, c.Username))
	}

	sess[c.Username] = c
	r.conns[c.ID] = c
	first := len(sess) == 1
	r.mu.Unlock()

	if first && r.onSubscribe != nil {
		r.onSubscribe(c.SessionID)
	}
	return nil
}

// Lookup returns the live connection for the identity on this process, if any.
func (r *Registry) Lookup(sessionID, username string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.bySession[sessionID][username]
	return c, ok
}

// Unregister removes the connection by id. Idempotent.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()

	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)

	last := false
	if sess, ok := r.bySession[c.SessionID]; ok {
		// Only remove the identity slot if this connection still owns it; a
		// reconnect may have replaced it already.
		if cur, ok := sess[c.Username]; ok && cur.ID == connID {
			delete(sess, c.Username)
		}
		if len(sess) == 0 {
			delete(r.bySession, c.SessionID)
			last = true
		}
	}
	r.mu.Unlock()

	if last && r.onUnsubscribe != nil {
		r.onUnsubscribe(c.SessionID)
	}
}

// Touch refreshes the connection's liveness timestamp.
func (r *Registry) Touch(connID string) {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()

	if ok {
		c.Touch(time.Now())
	}
}

// ListBySession snapshots the live connections for a session.
func (r *Registry) ListBySession(sessionID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess := r.bySession[sessionID]
	conns := make([]*Connection, 0, len(sess))
	for _, c := range sess {
		conns = append(conns, c)
	}
	return conns
}

// Sessions lists every session with at least one local connection.
func (r *Registry) Sessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]string, 0, len(r.bySession))
	for id := range r.bySession {
		sessions = append(sessions, id)
	}
	return sessions
}

// All snapshots every live connection on this process.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
