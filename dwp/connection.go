package dwp

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskhub/dispatch/auth"
)

// Connection is one authenticated DWP websocket. Its ID doubles as the
// stream subscriber ID.
type Connection struct {
	ID          string
	Identity    *auth.Identity
	Codec       Codec
	ConnectedAt time.Time

	lastSeen atomic.Int64 // unix nanos of the last received frame

	mu            sync.RWMutex
	subscriptions map[string]struct{}
}

// NewConnection creates a connection with the given ID and identity.
func NewConnection(id string, identity *auth.Identity, codec Codec) *Connection {
	now := time.Now().UTC()
	c := &Connection{
		ID:            id,
		Identity:      identity,
		Codec:         codec,
		ConnectedAt:   now,
		subscriptions: make(map[string]struct{}),
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// Subject returns the authenticated subject, or "" for an anonymous
// connection.
func (c *Connection) Subject() string {
	if c.Identity == nil {
		return ""
	}
	return c.Identity.Subject
}

// Touch records that a frame arrived.
func (c *Connection) Touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen returns when the last frame arrived.
func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()).UTC() }

// AddSubscription records a topic subscription.
func (c *Connection) AddSubscription(topic string) {
	c.mu.Lock()
	c.subscriptions[topic] = struct{}{}
	c.mu.Unlock()
}

// RemoveSubscription forgets a topic subscription.
func (c *Connection) RemoveSubscription(topic string) {
	c.mu.Lock()
	delete(c.subscriptions, topic)
	c.mu.Unlock()
}

// Subscriptions returns the subscribed topics in sorted order.
func (c *Connection) Subscriptions() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		out = append(out, t)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ── Connection manager ──────────────────────────────

// ConnectionManager tracks live connections by ID and by subject. A doer
// running the app on two devices has two connections under one subject.
type ConnectionManager struct {
	mu        sync.RWMutex
	conns     map[string]*Connection
	bySubject map[string]map[string]*Connection
}

// NewConnectionManager creates an empty connection manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		conns:     make(map[string]*Connection),
		bySubject: make(map[string]map[string]*Connection),
	}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.conns[conn.ID] = conn
	subject := conn.Subject()
	set, ok := cm.bySubject[subject]
	if !ok {
		set = make(map[string]*Connection)
		cm.bySubject[subject] = set
	}
	set[conn.ID] = conn
}

// Remove unregisters a connection. last reports whether it was the
// subject's final live connection.
func (cm *ConnectionManager) Remove(connID string) (conn *Connection, last bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	conn, ok := cm.conns[connID]
	if !ok {
		return nil, false
	}
	delete(cm.conns, connID)
	subject := conn.Subject()
	set := cm.bySubject[subject]
	delete(set, connID)
	if len(set) == 0 {
		delete(cm.bySubject, subject)
		return conn, true
	}
	return conn, false
}

// Get returns a connection by ID.
func (cm *ConnectionManager) Get(connID string) (*Connection, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	c, ok := cm.conns[connID]
	return c, ok
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.conns)
}

// SubjectCount returns the number of distinct connected subjects.
func (cm *ConnectionManager) SubjectCount() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.bySubject)
}

// BySubject returns the live connections of one subject.
func (cm *ConnectionManager) BySubject(subject string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	set := cm.bySubject[subject]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// All returns a snapshot of all connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*Connection, 0, len(cm.conns))
	for _, c := range cm.conns {
		out = append(out, c)
	}
	return out
}
