// Package live manages notification channel connections and event fan-out.
package live

import (
	"sync"

	"github.com/google/uuid"
	"github.com/secureai/uploadhub/pkg/types"
)

// Connection is one admitted live channel client. Events are queued on a
// buffered channel drained by the transport's writer; a full queue marks
// the connection as slow and it gets dropped by the manager.
type Connection struct {
	ID       uuid.UUID
	Identity uuid.UUID

	out chan *types.Event

	mu            sync.Mutex
	closed        bool
	subscriptions map[uuid.UUID]struct{}
}

func newConnection(identity uuid.UUID, bufferSize int) *Connection {
	return &Connection{
		ID:            uuid.New(),
		Identity:      identity,
		out:           make(chan *types.Event, bufferSize),
		subscriptions: make(map[uuid.UUID]struct{}),
	}
}

// Out returns the channel the transport drains to deliver events
func (c *Connection) Out() <-chan *types.Event {
	return c.out
}

// enqueue offers an event without blocking. It reports false when the
// connection is closed or its buffer is full.
func (c *Connection) enqueue(event *types.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.out <- event:
		return true
	default:
		return false
	}
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
}

func (c *Connection) subscribe(sessionID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[sessionID] = struct{}{}
}

func (c *Connection) unsubscribe(sessionID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, sessionID)
}

// Subscriptions returns a copy of the session ids this connection follows
func (c *Connection) Subscriptions() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]uuid.UUID, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		out = append(out, id)
	}
	return out
}
