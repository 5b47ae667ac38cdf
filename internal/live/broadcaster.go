package live

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/secureai/uploadhub/pkg/types"
)

// Broadcaster fans events out to subscribed connections. Delivery is
// best effort: connections that cannot accept the event are dropped and
// the publisher is never blocked or failed.
type Broadcaster struct {
	manager *Manager
}

// NewBroadcaster creates a broadcaster over a connection manager
func NewBroadcaster(manager *Manager) *Broadcaster {
	return &Broadcaster{manager: manager}
}

// Publish delivers an event to every subscriber of its session and
// returns the number of connections it was queued on.
func (b *Broadcaster) Publish(event *types.Event) int {
	return b.deliver(event, b.manager.subscribersOf(event.SessionID))
}

// PublishToIdentity delivers an event to every connection an identity
// holds, regardless of subscriptions.
func (b *Broadcaster) PublishToIdentity(identity uuid.UUID, event *types.Event) int {
	return b.deliver(event, b.manager.connectionsOf(identity))
}

// Send queues an event on a single connection, dropping it if slow
func (b *Broadcaster) Send(conn *Connection, event *types.Event) bool {
	return b.deliver(event, []*Connection{conn}) == 1
}

func (b *Broadcaster) deliver(event *types.Event, targets []*Connection) int {
	delivered := 0
	for _, conn := range targets {
		if conn.enqueue(event) {
			delivered++
			continue
		}
		log.Warn().
			Str("connection_id", conn.ID.String()).
			Str("identity", conn.Identity.String()).
			Str("event_type", event.Type).
			Msg("Dropping slow live connection")
		b.manager.Unregister(conn)
	}
	return delivered
}
