package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/explorehub/explorehub/internal/domain/collab"
	"github.com/explorehub/explorehub/internal/protocol"
)

// Status describes the manager's connection state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

var (
	ErrNotConnected = errors.New("client: not connected")
	ErrNotInSession = errors.New("client: not in a session")
	ErrJoinTimeout  = errors.New("client: timed out waiting for session snapshot")
)

// Config configures a Manager.
type Config struct {
	URL         string
	UserID      string
	DisplayName string
	Role        collab.Role

	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration
	JoinTimeout       time.Duration
	SyncInterval      time.Duration
	AutosaveInterval  time.Duration
	MaxRetries        int
	QueueLimit        int
	ShareCursor       bool

	Dialer Dialer
	Logger zerolog.Logger
}

func (c *Config) withDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 5 * time.Second
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 60 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.Dialer == nil {
		c.Dialer = NewDialer()
	}
}

// Manager maintains one resilient connection to the collaboration server:
// it heartbeats, reconnects with exponential backoff, queues outbound frames
// while offline, and keeps a local mirror of the joined session in step with
// the server's authoritative state.
type Manager struct {
	cfg    Config
	logger zerolog.Logger
	events *EventBus
	queue  *offlineQueue
	done   chan struct{}

	mu         sync.Mutex
	conn       Conn
	gen        int
	status     Status
	closed     bool
	loopsOnce  sync.Once
	session    *collab.Session
	sessionID  string
	lastServer time.Time
	joinCh     chan *collab.Session
}

// NewManager creates a manager. Call Connect to establish the link.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("client: url is required")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("client: user id is required")
	}
	cfg.withDefaults()
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "collab_client").Str("user_id", cfg.UserID).Logger(),
		events: NewEventBus(),
		queue:  newOfflineQueue(cfg.QueueLimit),
		done:   make(chan struct{}),
		status: StatusDisconnected,
	}, nil
}

// Events exposes the manager's event bus for subscriptions.
func (m *Manager) Events() *EventBus {
	return m.events
}

// Connect dials the server. Any previous connection is torn down first: the
// generation counter advances so the superseded read loop exits instead of
// racing this dial with a reconnect of its own.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	if prev := m.conn; prev != nil {
		m.conn = nil
		_ = prev.Close(true)
	}
	m.closed = false
	m.status = StatusConnecting
	m.mu.Unlock()
	m.events.Publish(Event{Type: EventStatusChanged, Status: StatusConnecting})

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	conn, err := m.cfg.Dialer.Dial(dialCtx, m.endpoint())
	if err != nil {
		m.setStatus(StatusDisconnected)
		return fmt.Errorf("client: dial %s: %w", m.cfg.URL, err)
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		_ = conn.Close(true)
		return fmt.Errorf("client: connect superseded by a newer connect")
	}
	m.conn = conn
	m.status = StatusConnected
	m.lastServer = time.Now()
	m.mu.Unlock()
	m.events.Publish(Event{Type: EventStatusChanged, Status: StatusConnected})

	m.flush(conn)
	m.loopsOnce.Do(func() {
		go m.heartbeatLoop()
		go m.syncLoop()
		if m.cfg.AutosaveInterval > 0 {
			go m.autosaveLoop()
		}
	})
	go m.readLoop(conn, gen)
	return nil
}

// Disconnect closes the connection deliberately. Safe to call repeatedly.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.closed && m.conn == nil {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(true)
	}
	m.setStatus(StatusDisconnected)
	return nil
}

// Close disconnects and stops the background loops. The manager cannot be
// reused afterwards.
func (m *Manager) Close() error {
	err := m.Disconnect()
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	return err
}

// JoinSession asks the server to admit this user and blocks until the
// authoritative session snapshot arrives or the join timeout expires.
func (m *Manager) JoinSession(ctx context.Context, sessionID string) (*collab.Session, error) {
	m.mu.Lock()
	if m.conn == nil {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	ch := make(chan *collab.Session, 1)
	m.joinCh = ch
	m.sessionID = sessionID
	m.mu.Unlock()

	env, err := protocol.New(protocol.TypeJoinSession, sessionID, m.cfg.UserID, protocol.JoinSessionPayload{
		DisplayName: m.cfg.DisplayName,
		Role:        string(m.cfg.Role),
	})
	if err != nil {
		return nil, err
	}
	if err := m.send(env); err != nil {
		return nil, err
	}

	select {
	case snap := <-ch:
		return snap, nil
	case <-time.After(m.cfg.JoinTimeout):
		m.abandonJoin(ch)
		return nil, ErrJoinTimeout
	case <-ctx.Done():
		m.abandonJoin(ch)
		return nil, ctx.Err()
	}
}

func (m *Manager) abandonJoin(ch chan *collab.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.joinCh == ch {
		m.joinCh = nil
		m.sessionID = ""
		m.session = nil
	}
}

// LeaveSession tells the server we are leaving and clears the local mirror.
func (m *Manager) LeaveSession(reason string) error {
	m.mu.Lock()
	sessionID := m.sessionID
	m.sessionID = ""
	m.session = nil
	m.mu.Unlock()
	if sessionID == "" {
		return ErrNotInSession
	}
	env, err := protocol.New(protocol.TypeLeaveSession, sessionID, m.cfg.UserID, protocol.LeaveSessionPayload{Reason: reason})
	if err != nil {
		return err
	}
	return m.send(env)
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Session returns a copy of the mirrored session, or nil when not joined.
func (m *Manager) Session() *collab.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	cp := *m.session
	cp.State = m.session.State.Clone()
	return &cp
}

// QueuedFrames reports how many outbound frames await reconnection.
func (m *Manager) QueuedFrames() int {
	return m.queue.len()
}

func (m *Manager) endpoint() string {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return m.cfg.URL
	}
	q := u.Query()
	q.Set("userId", m.cfg.UserID)
	u.RawQuery = q.Encode()
	return u.String()
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	changed := m.status != s
	m.status = s
	m.mu.Unlock()
	if changed {
		m.events.Publish(Event{Type: EventStatusChanged, Status: s})
	}
}

// send writes an envelope, queueing it when offline. A write failure also
// queues the frame; the read loop notices the dead connection and recovers.
func (m *Manager) send(env protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		m.queue.push(data)
		return nil
	}
	if err := conn.Write(data); err != nil {
		m.queue.push(data)
		return nil
	}
	return nil
}

func (m *Manager) flush(conn Conn) {
	frames := m.queue.drain()
	for i, frame := range frames {
		if err := conn.Write(frame); err != nil {
			// Nothing from the failed frame onward was sent; all of it goes
			// back, in order, ahead of anything queued since the drain.
			m.queue.prepend(frames[i:])
			return
		}
	}
}

func (m *Manager) requestSync() {
	m.mu.Lock()
	sessionID := m.sessionID
	m.mu.Unlock()
	if sessionID == "" {
		return
	}
	if env, err := protocol.New(protocol.TypeStateSync, sessionID, m.cfg.UserID, nil); err == nil {
		_ = m.send(env)
	}
}

// readLoop owns one connection generation: it drains inbound frames and runs
// the reconnect path when the link drops. A newer Connect bumps the
// generation, which tells this loop to exit instead of dialing a rival
// connection.
func (m *Manager) readLoop(conn Conn, gen int) {
	for {
		data, err := conn.Read()
		if err == nil {
			m.handleFrame(data)
			continue
		}

		m.mu.Lock()
		stale := m.gen != gen
		if !stale && m.conn == conn {
			m.conn = nil
		}
		closed := m.closed
		m.mu.Unlock()
		if stale {
			return
		}
		if closed {
			m.setStatus(StatusDisconnected)
			return
		}

		next := m.reconnect(gen)
		if next == nil {
			m.mu.Lock()
			stale = m.gen != gen
			m.mu.Unlock()
			if stale {
				return
			}
			m.setStatus(StatusDisconnected)
			m.events.Publish(Event{Type: EventError, Err: fmt.Errorf("client: connection lost and retries exhausted: %w", err)})
			return
		}
		conn = next
	}
}

// reconnect retries the dial with exponential backoff, re-joins the session,
// and replays queued frames. Returns nil when retries are exhausted, the
// manager was closed, or a newer connection generation took over.
func (m *Manager) reconnect(gen int) Conn {
	m.setStatus(StatusReconnecting)
	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		select {
		case <-m.done:
			return nil
		case <-time.After(backoffDelay(attempt)):
		}

		dialCtx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
		conn, err := m.cfg.Dialer.Dial(dialCtx, m.endpoint())
		cancel()
		if err != nil {
			m.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			continue
		}

		m.mu.Lock()
		if m.closed || m.gen != gen {
			m.mu.Unlock()
			_ = conn.Close(false)
			return nil
		}
		m.conn = conn
		m.status = StatusConnected
		m.lastServer = time.Now()
		sessionID := m.sessionID
		m.mu.Unlock()
		m.events.Publish(Event{Type: EventStatusChanged, Status: StatusConnected})

		if sessionID != "" {
			if env, err := protocol.New(protocol.TypeJoinSession, sessionID, m.cfg.UserID, protocol.JoinSessionPayload{
				DisplayName: m.cfg.DisplayName,
				Role:        string(m.cfg.Role),
			}); err == nil {
				_ = m.send(env)
			}
			m.requestSync()
		}
		m.flush(conn)
		return conn
	}
	return nil
}

// heartbeatLoop sends a heartbeat every interval while connected. Heartbeats
// here are client-initiated and the server echoes them; inbound heartbeats
// refresh the liveness clock but are never echoed back, since two echoing
// peers would ping-pong forever.
func (m *Manager) heartbeatLoop() {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
		}
		m.mu.Lock()
		conn := m.conn
		last := m.lastServer
		sessionID := m.sessionID
		m.mu.Unlock()
		if conn == nil {
			continue
		}
		// Two missed intervals without any server traffic means the link is
		// dead even if the socket still looks open.
		if time.Since(last) > 2*m.cfg.HeartbeatInterval {
			m.logger.Warn().Msg("server unresponsive, forcing reconnect")
			_ = conn.Close(false)
			continue
		}
		if env, err := protocol.New(protocol.TypeHeartbeat, sessionID, m.cfg.UserID, nil); err == nil {
			_ = m.send(env)
		}
	}
}

func (m *Manager) syncLoop() {
	ticker := time.NewTicker(m.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
		}
		if m.Status() == StatusConnected {
			m.requestSync()
		}
	}
}

// autosaveLoop hands the presentation layer a periodic snapshot of the
// mirrored state so it can persist it however it likes. Persistence itself
// is out of this package's hands.
func (m *Manager) autosaveLoop() {
	ticker := time.NewTicker(m.cfg.AutosaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
		}
		snap := m.Session()
		if snap == nil || !snap.Settings.AutoSave {
			continue
		}
		m.events.Publish(Event{Type: EventAutosave, Session: snap, State: &snap.State})
	}
}

func (m *Manager) handleFrame(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		m.logger.Debug().Err(err).Msg("dropping malformed frame")
		return
	}
	m.mu.Lock()
	m.lastServer = time.Now()
	m.mu.Unlock()

	switch env.Type {
	case protocol.TypeHeartbeat, protocol.TypeConnect:
		// Traffic itself is the liveness signal.

	case protocol.TypeSessionUpdate:
		m.handleSessionUpdate(env)

	case protocol.TypeStateSync:
		m.handleStateSync(env)

	case protocol.TypeActionBroadcast:
		m.handleActionBroadcast(env)

	case protocol.TypeConflict:
		var conflict collab.Conflict
		if err := env.DecodePayload(&conflict); err == nil {
			m.events.Publish(Event{Type: EventConflict, Conflict: &conflict})
			m.requestSync()
		}

	case protocol.TypeError:
		var payload protocol.ErrorPayload
		if err := env.DecodePayload(&payload); err == nil {
			m.events.Publish(Event{Type: EventError, Err: fmt.Errorf("server: %s: %s", payload.Code, payload.Message)})
		}
	}
}

func (m *Manager) handleSessionUpdate(env protocol.Envelope) {
	var sess collab.Session
	if err := env.DecodePayload(&sess); err != nil {
		return
	}
	m.mu.Lock()
	if m.sessionID != "" && m.sessionID != sess.SessionID {
		m.mu.Unlock()
		return
	}
	m.session = &sess
	if ch := m.joinCh; ch != nil {
		m.joinCh = nil
		cp := sess
		cp.State = sess.State.Clone()
		select {
		case ch <- &cp:
		default:
		}
	}
	m.mu.Unlock()
	m.events.Publish(Event{Type: EventSessionUpdated, Session: &sess})
}

func (m *Manager) handleStateSync(env protocol.Envelope) {
	var state collab.SharedState
	if err := env.DecodePayload(&state); err != nil {
		return
	}
	m.mu.Lock()
	if m.session != nil {
		if m.session.State.Version != state.Version {
			m.logger.Debug().
				Int64("local_version", m.session.State.Version).
				Int64("server_version", state.Version).
				Msg("mirror repaired by state sync")
		}
		m.session.State = state
	}
	m.mu.Unlock()
	m.events.Publish(Event{Type: EventStateSynced, State: &state})
}

func (m *Manager) handleActionBroadcast(env protocol.Envelope) {
	var action collab.Action
	if err := env.DecodePayload(&action); err != nil {
		return
	}
	// The server excludes the sender, but drop self-echo defensively.
	if action.UserID == m.cfg.UserID {
		return
	}

	if action.Type.Mutating() {
		m.mu.Lock()
		if m.session != nil {
			if action.BaseVersion == m.session.State.Version {
				if err := m.session.State.Apply(action); err == nil {
					m.session.State.Version++
					m.session.State.LastModified = action.Timestamp
					m.session.State.LastModifiedBy = action.UserID
				}
			} else {
				// Mirror fell out of step with the sequencer; repair it
				// rather than guessing at the missed mutations.
				m.mu.Unlock()
				m.requestSync()
				m.events.Publish(Event{Type: EventActionReceived, Action: &action})
				return
			}
		}
		m.mu.Unlock()
	}
	m.events.Publish(Event{Type: EventActionReceived, Action: &action})
}

// BroadcastAction validates a local action against the mirror, applies it
// optimistically, and sends it to the sequencer. Returns the action id.
func (m *Manager) BroadcastAction(at collab.ActionType, payload interface{}) (string, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", err
		}
		raw = data
	}

	m.mu.Lock()
	if m.sessionID == "" {
		m.mu.Unlock()
		return "", ErrNotInSession
	}
	if m.session != nil {
		if p := m.session.Participant(m.cfg.UserID); p != nil && !p.Permissions.Allows(at) {
			m.mu.Unlock()
			return "", collab.ErrPermissionDenied
		}
	}
	action := collab.Action{
		ID:        uuid.NewString(),
		SessionID: m.sessionID,
		UserID:    m.cfg.UserID,
		Type:      at,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}
	if m.session != nil {
		action.BaseVersion = m.session.State.Version
		if at.Mutating() {
			// Optimistic local apply keeps our mirror one step ahead; the
			// server's broadcast to others carries the same base version.
			if err := m.session.State.Apply(action); err != nil {
				m.mu.Unlock()
				return "", err
			}
			m.session.State.Version++
			m.session.State.LastModified = action.Timestamp
			m.session.State.LastModifiedBy = action.UserID
		}
	}
	sessionID := m.sessionID
	m.mu.Unlock()

	env, err := protocol.New(protocol.TypeActionBroadcast, sessionID, m.cfg.UserID, action)
	if err != nil {
		return "", err
	}
	return action.ID, m.send(env)
}

// BroadcastViewChange shares a viewport change.
func (m *Manager) BroadcastViewChange(view collab.ViewDescriptor) (string, error) {
	return m.BroadcastAction(collab.ActionViewChange, collab.ViewChangePayload{View: view})
}

// BroadcastConceptSelection shares a selection change.
func (m *Manager) BroadcastConceptSelection(conceptIDs []string, mode collab.SelectionMode) (string, error) {
	return m.BroadcastAction(collab.ActionConceptSelect, collab.ConceptSelectionPayload{
		ConceptIDs: conceptIDs,
		Mode:       mode,
	})
}

// BroadcastConceptFocus shares a focus jump, extending the exploration path.
func (m *Manager) BroadcastConceptFocus(conceptID string, view collab.ViewDescriptor) (string, error) {
	return m.BroadcastAction(collab.ActionConceptFocus, collab.ConceptFocusPayload{
		ConceptID: conceptID,
		View:      view,
	})
}

// BroadcastCursorMove shares the local cursor. A no-op unless cursor sharing
// is enabled.
func (m *Manager) BroadcastCursorMove(pos collab.CursorPosition, focus string) (string, error) {
	if !m.cfg.ShareCursor {
		return "", nil
	}
	return m.BroadcastAction(collab.ActionCursorMove, collab.CursorMovePayload{
		Position: pos,
		Focus:    focus,
	})
}

// BroadcastAnnotation creates a shared annotation, honoring the session's
// per-user annotation limit locally before bothering the server.
func (m *Manager) BroadcastAnnotation(ann collab.Annotation) (string, error) {
	ann.AuthorID = m.cfg.UserID
	if ann.ID == "" {
		ann.ID = uuid.NewString()
	}
	m.mu.Lock()
	if m.session != nil {
		limit := m.session.Settings.AnnotationLimit
		if limit > 0 && m.session.State.AnnotationCountBy(m.cfg.UserID) >= limit {
			m.mu.Unlock()
			return "", fmt.Errorf("client: annotation limit of %d reached", limit)
		}
	}
	m.mu.Unlock()
	return m.BroadcastAction(collab.ActionAnnotationCreate, collab.AnnotationPayload{Annotation: ann})
}

// BroadcastAnnotationDelete removes a shared annotation.
func (m *Manager) BroadcastAnnotationDelete(annotationID string) (string, error) {
	return m.BroadcastAction(collab.ActionAnnotationDelete, collab.AnnotationDeletePayload{AnnotationID: annotationID})
}

func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		return 30 * time.Second
	}
	d := time.Second << uint(attempt-1)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}
