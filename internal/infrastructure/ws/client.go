package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/explorehub/explorehub/internal/domain/collab"
	"github.com/explorehub/explorehub/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 32
)

// Client is one websocket connection. A client belongs to at most one
// session at a time; joining attaches it, leaving or disconnecting detaches.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	logger zerolog.Logger

	connID    string
	userID    string
	sessionID string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// trySend queues a frame without blocking. A slow consumer loses frames
// rather than stalling the hub; the periodic state sync repairs its mirror.
func (c *Client) trySend(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) sendEnvelope(env protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		return
	}
	if !c.trySend(data) {
		c.hub.metrics.MessagesDropped.Inc()
	}
}

func (c *Client) sendError(code, message string) {
	env, err := protocol.New(protocol.TypeError, c.sessionID, "", protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	c.sendEnvelope(env)
}

// readPump owns the connection's read side. It decodes envelopes and
// dispatches them into the session service until the connection dies.
func (c *Client) readPump() {
	defer c.hub.dropClient(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("connection closed unexpectedly")
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.hub.metrics.MessagesDropped.Inc()
			c.sendError("malformed_message", err.Error())
			continue
		}
		if !env.Type.Known() {
			c.hub.metrics.MessagesDropped.Inc()
			c.sendError("unknown_message_type", string(env.Type))
			continue
		}
		if done := c.dispatch(env); done {
			return
		}
	}
}

// dispatch handles one inbound envelope. Returns true when the client asked
// to disconnect.
func (c *Client) dispatch(env protocol.Envelope) bool {
	switch env.Type {
	case protocol.TypeHeartbeat:
		if echo, err := protocol.New(protocol.TypeHeartbeat, c.sessionID, "", nil); err == nil {
			c.sendEnvelope(echo)
		}

	case protocol.TypeJoinSession:
		c.handleJoin(env)

	case protocol.TypeLeaveSession:
		if c.sessionID != "" {
			if err := c.hub.svc.LeaveSession(c.sessionID, c.userID); err != nil {
				c.logger.Warn().Err(err).Msg("leave failed")
			}
			c.hub.detach(c)
		}

	case protocol.TypeActionBroadcast:
		c.handleAction(env)

	case protocol.TypeStateSync:
		if c.sessionID != "" {
			if err := c.hub.svc.SendStateSync(c.sessionID, c.userID); err != nil {
				c.sendError("sync_failed", err.Error())
			}
		}

	case protocol.TypeDisconnect:
		return true

	case protocol.TypeConnect:
		// Connection is already established at this point; treat as a no-op
		// acknowledgement request.
		if ack, err := protocol.New(protocol.TypeConnect, "", c.userID, nil); err == nil {
			c.sendEnvelope(ack)
		}
	}
	return false
}

func (c *Client) handleJoin(env protocol.Envelope) {
	var payload protocol.JoinSessionPayload
	if err := env.DecodePayload(&payload); err != nil {
		c.sendError("malformed_message", err.Error())
		return
	}
	if env.SessionID == "" {
		c.sendError("join_failed", "sessionId is required")
		return
	}
	snap, err := c.hub.svc.JoinSession(env.SessionID, c.userID, payload.DisplayName, collab.Role(payload.Role))
	if err != nil {
		c.sendError("join_failed", err.Error())
		return
	}
	c.hub.attach(c, snap.SessionID)

	if update, err := protocol.New(protocol.TypeSessionUpdate, snap.SessionID, "", snap); err == nil {
		c.sendEnvelope(update)
	}
	if sync, err := protocol.New(protocol.TypeStateSync, snap.SessionID, "", snap.State); err == nil {
		c.sendEnvelope(sync)
	}
}

func (c *Client) handleAction(env protocol.Envelope) {
	if c.sessionID == "" {
		c.sendError("not_in_session", "join a session before broadcasting actions")
		return
	}
	var action collab.Action
	if err := env.DecodePayload(&action); err != nil {
		c.hub.metrics.MessagesDropped.Inc()
		c.sendError("malformed_message", err.Error())
		return
	}
	// The connection is the source of truth for identity and session,
	// whatever the payload claims.
	action.SessionID = c.sessionID
	action.UserID = c.userID
	if action.Timestamp.IsZero() {
		action.Timestamp = time.Now().UTC()
	}
	if err := c.hub.svc.ApplyAction(action); err != nil {
		c.sendError("action_rejected", err.Error())
	}
}

// writePump owns the connection's write side: queued frames plus pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
