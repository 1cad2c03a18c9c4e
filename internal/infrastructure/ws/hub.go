package ws

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/explorehub/explorehub/internal/application/session"
	"github.com/explorehub/explorehub/internal/infrastructure/metrics"
	"github.com/explorehub/explorehub/internal/protocol"
)

// Hub tracks websocket clients per session and fans envelopes out to them.
// It implements session.Broadcaster.
type Hub struct {
	logger   zerolog.Logger
	metrics  *metrics.Collector
	svc      *session.Service
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]map[string]*Client // sessionID -> userID -> client
}

func NewHub(logger zerolog.Logger, collector *metrics.Collector) *Hub {
	return &Hub{
		logger:  logger.With().Str("component", "ws_hub").Logger(),
		metrics: collector,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]map[string]*Client),
	}
}

// Bind wires the session service in after construction. The hub and service
// reference each other, so one of them has to be attached late.
func (h *Hub) Bind(svc *session.Service) {
	h.svc = svc
}

// HandleWS upgrades an HTTP request to a websocket connection. The client
// identifies itself with the userId query parameter and attaches to a
// session with a join_session envelope.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId query parameter is required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := &Client{
		hub:    h,
		conn:   conn,
		connID: uuid.NewString(),
		userID: userID,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	c.logger = h.logger.With().Str("conn_id", c.connID).Str("user_id", userID).Logger()

	h.metrics.ConnectedClients.Inc()
	go c.writePump()
	c.readPump()
}

func (h *Hub) attach(c *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.sessionID != "" && c.sessionID != sessionID {
		h.detachLocked(c)
	}
	c.sessionID = sessionID
	clients, ok := h.sessions[sessionID]
	if !ok {
		clients = make(map[string]*Client)
		h.sessions[sessionID] = clients
	}
	// A rejoin from a new connection supersedes the stale one.
	if prev, ok := clients[c.userID]; ok && prev != c {
		prev.close()
	}
	clients[c.userID] = c
}

func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(c)
}

func (h *Hub) detachLocked(c *Client) {
	clients, ok := h.sessions[c.sessionID]
	if ok && clients[c.userID] == c {
		delete(clients, c.userID)
		if len(clients) == 0 {
			delete(h.sessions, c.sessionID)
		}
	}
	c.sessionID = ""
}

// dropClient tears a connection down after its read pump exits. The
// participant stays in the session as inactive so it can rejoin.
func (h *Hub) dropClient(c *Client) {
	sessionID := c.sessionID
	h.detach(c)
	c.close()
	h.metrics.ConnectedClients.Dec()

	if sessionID != "" {
		if err := h.svc.Disconnect(sessionID, c.userID); err != nil {
			c.logger.Debug().Err(err).Msg("disconnect bookkeeping failed")
		}
	}
	c.logger.Debug().Msg("client dropped")
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// BroadcastToSession sends an envelope to every client attached to the
// session except excludeUserID. Pass an empty exclude to reach everyone.
func (h *Hub) BroadcastToSession(sessionID, excludeUserID string, env protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for userID, c := range h.sessions[sessionID] {
		if userID == excludeUserID {
			continue
		}
		if !c.trySend(data) {
			h.metrics.MessagesDropped.Inc()
		}
	}
}

// SendToUser sends an envelope to one attached client.
func (h *Hub) SendToUser(sessionID, userID string, env protocol.Envelope) {
	h.mu.RLock()
	c := h.sessions[sessionID][userID]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	data, err := env.Encode()
	if err != nil {
		return
	}
	if !c.trySend(data) {
		h.metrics.MessagesDropped.Inc()
	}
}

// ClientCount reports the number of clients attached to a session.
func (h *Hub) ClientCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// Stop closes every attached client connection.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.sessions {
		for _, c := range clients {
			c.close()
		}
	}
	h.sessions = make(map[string]map[string]*Client)
}
