package live

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/secureai/uploadhub/pkg/config"
	"github.com/secureai/uploadhub/pkg/types"
)

// ErrCapacityExceeded is returned when admission would breach a connection cap
var ErrCapacityExceeded = errors.New("connection capacity exceeded")

// Manager admits connections against per-identity and global caps and
// tracks session subscriptions for fan-out.
type Manager struct {
	mu          sync.RWMutex
	conns       map[uuid.UUID]*Connection
	byIdentity  map[uuid.UUID]map[uuid.UUID]*Connection
	subscribers map[uuid.UUID]map[uuid.UUID]*Connection

	cfg *config.LiveConfig
}

// NewManager creates a connection manager
func NewManager(cfg *config.LiveConfig) *Manager {
	return &Manager{
		conns:       make(map[uuid.UUID]*Connection),
		byIdentity:  make(map[uuid.UUID]map[uuid.UUID]*Connection),
		subscribers: make(map[uuid.UUID]map[uuid.UUID]*Connection),
		cfg:         cfg,
	}
}

// Register admits a new connection for an identity. Admission is checked
// and recorded atomically so concurrent registrations cannot overshoot
// either cap.
func (m *Manager) Register(identity uuid.UUID) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.conns) >= m.cfg.MaxConnectionsTotal {
		return nil, fmt.Errorf("%w: server limit of %d connections reached", ErrCapacityExceeded, m.cfg.MaxConnectionsTotal)
	}
	if len(m.byIdentity[identity]) >= m.cfg.MaxConnectionsPerIdentity {
		return nil, fmt.Errorf("%w: identity limit of %d connections reached", ErrCapacityExceeded, m.cfg.MaxConnectionsPerIdentity)
	}

	conn := newConnection(identity, m.cfg.SendBufferSize)
	m.conns[conn.ID] = conn
	if m.byIdentity[identity] == nil {
		m.byIdentity[identity] = make(map[uuid.UUID]*Connection)
	}
	m.byIdentity[identity][conn.ID] = conn

	log.Debug().
		Str("connection_id", conn.ID.String()).
		Str("identity", identity.String()).
		Int("identity_connections", len(m.byIdentity[identity])).
		Int("total_connections", len(m.conns)).
		Msg("Registered live connection")
	return conn, nil
}

// Unregister removes a connection and all its subscriptions. It is safe
// to call more than once for the same connection.
func (m *Manager) Unregister(conn *Connection) {
	m.mu.Lock()
	if _, ok := m.conns[conn.ID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, conn.ID)
	if conns := m.byIdentity[conn.Identity]; conns != nil {
		delete(conns, conn.ID)
		if len(conns) == 0 {
			delete(m.byIdentity, conn.Identity)
		}
	}
	for _, sessionID := range conn.Subscriptions() {
		m.dropSubscriberLocked(sessionID, conn.ID)
	}
	m.mu.Unlock()

	conn.close()

	log.Debug().
		Str("connection_id", conn.ID.String()).
		Str("identity", conn.Identity.String()).
		Msg("Unregistered live connection")
}

// Subscribe adds the connection to a session's subscriber set
func (m *Manager) Subscribe(conn *Connection, sessionID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conns[conn.ID]; !ok {
		return
	}
	conn.subscribe(sessionID)
	if m.subscribers[sessionID] == nil {
		m.subscribers[sessionID] = make(map[uuid.UUID]*Connection)
	}
	m.subscribers[sessionID][conn.ID] = conn
}

// Unsubscribe removes the connection from a session's subscriber set
func (m *Manager) Unsubscribe(conn *Connection, sessionID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn.unsubscribe(sessionID)
	m.dropSubscriberLocked(sessionID, conn.ID)
}

// dropSubscriberLocked removes a subscriber set member. Caller holds m.mu.
func (m *Manager) dropSubscriberLocked(sessionID, connID uuid.UUID) {
	if subs := m.subscribers[sessionID]; subs != nil {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(m.subscribers, sessionID)
		}
	}
}

// subscribersOf snapshots the subscriber set for a session
func (m *Manager) subscribersOf(sessionID uuid.UUID) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Connection, 0, len(m.subscribers[sessionID]))
	for _, conn := range m.subscribers[sessionID] {
		out = append(out, conn)
	}
	return out
}

// connectionsOf snapshots all connections owned by an identity
func (m *Manager) connectionsOf(identity uuid.UUID) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Connection, 0, len(m.byIdentity[identity]))
	for _, conn := range m.byIdentity[identity] {
		out = append(out, conn)
	}
	return out
}

// Stats returns connection manager counters
func (m *Manager) Stats() types.LiveStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subs := 0
	for _, set := range m.subscribers {
		subs += len(set)
	}
	return types.LiveStats{
		TotalConnections: len(m.conns),
		Identities:       len(m.byIdentity),
		Subscriptions:    subs,
	}
}
