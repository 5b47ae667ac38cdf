package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/secureai/uploadhub/internal/live"
	"github.com/secureai/uploadhub/internal/session"
	"github.com/secureai/uploadhub/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// GET /ws
func (h *handlers) liveChannel(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := h.manager.Register(identity)
	if errors.Is(err, live.ErrCapacityExceeded) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to register connection"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.manager.Unregister(conn)
		log.Warn().Err(err).Str("identity", identity.String()).Msg("Websocket upgrade failed")
		return
	}

	greeting := types.NewEvent(types.EventConnectionEstablished, uuid.Nil, identity, types.JSONMap{
		"connection_id": conn.ID.String(),
	})
	if err := ws.WriteJSON(greeting); err != nil {
		h.manager.Unregister(conn)
		ws.Close()
		return
	}

	go h.writePump(ws, conn)
	h.readPump(ws, conn)
}

// writePump drains the connection's event queue onto the socket. It
// exits when the queue is closed by Unregister or a write fails.
func (h *handlers) writePump(ws *websocket.Conn, conn *live.Connection) {
	defer ws.Close()

	for event := range conn.Out() {
		ws.SetWriteDeadline(time.Now().Add(h.cfg.Live.WriteTimeout))
		if err := ws.WriteJSON(event); err != nil {
			log.Debug().Err(err).Str("connection_id", conn.ID.String()).Msg("Websocket write failed")
			h.manager.Unregister(conn)
			return
		}
	}
}

// readPump handles client frames until the socket closes
func (h *handlers) readPump(ws *websocket.Conn, conn *live.Connection) {
	defer h.manager.Unregister(conn)

	for {
		var msg types.ClientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("connection_id", conn.ID.String()).Msg("Websocket read failed")
			}
			return
		}
		h.handleClientMessage(conn, &msg)
	}
}

// handleClientMessage dispatches one client frame. A malformed or
// unknown frame gets an error event back; the connection stays open.
func (h *handlers) handleClientMessage(conn *live.Connection, msg *types.ClientMessage) {
	switch msg.Type {
	case "subscribe":
		sessionID, err := uuid.Parse(msg.SessionID)
		if err != nil {
			h.replyError(conn, "invalid session_id")
			return
		}
		record, err := h.registry.Get(context.Background(), sessionID)
		if errors.Is(err, session.ErrSessionNotFound) {
			h.replyError(conn, "session not found")
			return
		}
		if err != nil {
			h.replyError(conn, "failed to load session")
			return
		}
		if record.Identity != conn.Identity {
			h.replyError(conn, "session belongs to another identity")
			return
		}
		h.manager.Subscribe(conn, sessionID)

	case "unsubscribe":
		sessionID, err := uuid.Parse(msg.SessionID)
		if err != nil {
			h.replyError(conn, "invalid session_id")
			return
		}
		h.manager.Unsubscribe(conn, sessionID)

	case "ping":
		h.reply(conn, types.NewEvent(types.EventPong, uuid.Nil, conn.Identity, nil))

	case "get_stats":
		h.reply(conn, types.NewEvent(types.EventStats, uuid.Nil, conn.Identity, types.JSONMap{
			"live":     h.manager.Stats(),
			"progress": h.store.Stats(),
		}))

	default:
		h.replyError(conn, "unknown message type: "+msg.Type)
	}
}

// reply queues an event on a single connection
func (h *handlers) reply(conn *live.Connection, event *types.Event) {
	h.broadcaster.Send(conn, event)
}

func (h *handlers) replyError(conn *live.Connection, message string) {
	h.reply(conn, types.NewEvent(types.EventError, uuid.Nil, conn.Identity, types.JSONMap{
		"error": message,
	}))
}
