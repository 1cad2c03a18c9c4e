package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/explorehub/explorehub/internal/domain/collab"
	"github.com/explorehub/explorehub/internal/protocol"
)

type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes int
	failAt int // when > 0, the failAt-th write and all later ones fail
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) Write(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	c.writes++
	fail := c.failAt > 0 && c.writes >= c.failAt
	c.mu.Unlock()
	if fail {
		return errors.New("write failed")
	}
	c.out <- data
	return nil
}

func (c *fakeConn) Close(bool) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) written(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case data := <-c.out:
		env, err := protocol.Decode(data)
		require.NoError(t, err)
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return protocol.Envelope{}
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	delay time.Duration
	calls int
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	d.calls++
	delay := d.delay
	d.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	if len(d.conns) == 0 {
		return nil, errors.New("no more connections")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func newTestManager(t *testing.T, conns ...*fakeConn) (*Manager, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{conns: conns}
	m, err := NewManager(Config{
		URL:         "ws://localhost/v1/ws",
		UserID:      "u1",
		DisplayName: "Ada",
		Role:        collab.RoleEditor,
		JoinTimeout: 100 * time.Millisecond,
		ShareCursor: true,
		Dialer:      d,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, d
}

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{7, 30 * time.Second},
		{50, 30 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, backoffDelay(tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestConnectFailure(t *testing.T) {
	m, d := newTestManager(t)
	d.err = errors.New("refused")
	err := m.Connect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StatusDisconnected, m.Status())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	m, _ := newTestManager(t, conn)
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StatusConnected, m.Status())

	require.NoError(t, m.Disconnect())
	require.NoError(t, m.Disconnect())
	assert.Equal(t, StatusDisconnected, m.Status())
}

func TestOfflineFramesQueueAndFlushInOrder(t *testing.T) {
	conn := newFakeConn()
	m, _ := newTestManager(t, conn)

	first, err := protocol.New(protocol.TypeHeartbeat, "", "u1", nil)
	require.NoError(t, err)
	second, err := protocol.New(protocol.TypeStateSync, "s1", "u1", nil)
	require.NoError(t, err)
	require.NoError(t, m.send(first))
	require.NoError(t, m.send(second))
	assert.Equal(t, 2, m.QueuedFrames())

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, protocol.TypeHeartbeat, conn.written(t).Type)
	assert.Equal(t, protocol.TypeStateSync, conn.written(t).Type)
	assert.Equal(t, 0, m.QueuedFrames())
}

func TestFlushRequeuesUnsentFramesOnWriteFailure(t *testing.T) {
	conn1 := newFakeConn()
	conn1.failAt = 2
	conn2 := newFakeConn()
	m, _ := newTestManager(t, conn1, conn2)

	for _, typ := range []protocol.MessageType{protocol.TypeHeartbeat, protocol.TypeStateSync, protocol.TypeLeaveSession} {
		env, err := protocol.New(typ, "s1", "u1", nil)
		require.NoError(t, err)
		require.NoError(t, m.send(env))
	}
	require.Equal(t, 3, m.QueuedFrames())

	// The first frame goes out, the second write fails. Everything from the
	// failed frame onward must survive for the next connection.
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, protocol.TypeHeartbeat, conn1.written(t).Type)
	assert.Equal(t, 2, m.QueuedFrames())

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, protocol.TypeStateSync, conn2.written(t).Type)
	assert.Equal(t, protocol.TypeLeaveSession, conn2.written(t).Type)
	assert.Equal(t, 0, m.QueuedFrames())
}

func TestSecondConnectSupersedesReadLoop(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	m, d := newTestManager(t, conn1, conn2)
	d.delay = 200 * time.Millisecond

	require.NoError(t, m.Connect(context.Background()))
	// The second connect tears conn1 down while its read loop is live; the
	// orphaned loop must exit rather than dial a rival connection.
	require.NoError(t, m.Connect(context.Background()))

	time.Sleep(1300 * time.Millisecond)
	assert.Equal(t, 2, d.dials(), "orphaned read loop must not dial on its own")
	assert.Equal(t, StatusConnected, m.Status())
}

func TestReconnectStopsAfterMaxRetries(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	m, err := NewManager(Config{
		URL: "ws://localhost/v1/ws", UserID: "u1",
		MaxRetries: 1, Dialer: d, Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	errs := make(chan error, 1)
	m.Events().Subscribe(EventError, func(e Event) {
		select {
		case errs <- e.Err:
		default:
		}
	})

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, conn.Close(false))

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "retries exhausted")
	case <-time.After(3 * time.Second):
		t.Fatal("no terminal error after retries were exhausted")
	}
	assert.Equal(t, StatusDisconnected, m.Status())

	// Long enough for another backoff window to elapse if the loop kept going.
	time.Sleep(1100 * time.Millisecond)
	assert.Equal(t, 2, d.dials(), "initial dial plus one retry, then nothing")
}

func TestHeartbeatLivenessForcesReconnect(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	m, err := NewManager(Config{
		URL: "ws://localhost/v1/ws", UserID: "u1",
		HeartbeatInterval: 25 * time.Millisecond,
		MaxRetries:        1, Dialer: d, Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	require.NoError(t, m.Connect(context.Background()))

	// The server never sends anything; after two silent intervals the
	// heartbeat loop must declare the link dead and force-close it.
	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Fatal("unresponsive connection was not force-closed")
	}
}

func TestJoinSessionTimesOutWithoutSnapshot(t *testing.T) {
	conn := newFakeConn()
	m, _ := newTestManager(t, conn)
	require.NoError(t, m.Connect(context.Background()))

	_, err := m.JoinSession(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrJoinTimeout)
	assert.Nil(t, m.Session())
}

func joinedSession(userID string) collab.Session {
	return collab.Session{
		SessionID: "s1",
		HostID:    "host",
		Active:    true,
		Participants: map[string]*collab.Participant{
			"host": {UserID: "host", Role: collab.RoleHost, Permissions: collab.DefaultPermissions(collab.RoleHost), Active: true},
			userID: {UserID: userID, Role: collab.RoleEditor, Permissions: collab.DefaultPermissions(collab.RoleEditor), Active: true},
		},
		Settings: collab.Settings{MaxParticipants: 10, AnnotationLimit: 1},
		State:    collab.NewSharedState(),
	}
}

func TestJoinSessionReceivesSnapshot(t *testing.T) {
	conn := newFakeConn()
	m, _ := newTestManager(t, conn)
	require.NoError(t, m.Connect(context.Background()))

	go func() {
		for data := range conn.out {
			env, err := protocol.Decode(data)
			if err != nil || env.Type != protocol.TypeJoinSession {
				continue
			}
			update, err := protocol.New(protocol.TypeSessionUpdate, "s1", "", joinedSession("u1"))
			if err != nil {
				return
			}
			frame, err := update.Encode()
			if err != nil {
				return
			}
			conn.in <- frame
			return
		}
	}()

	snap, err := m.JoinSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", snap.SessionID)
	require.NotNil(t, snap.Participant("u1"))
}

func attachMirror(m *Manager) {
	sess := joinedSession("u1")
	m.mu.Lock()
	m.sessionID = sess.SessionID
	m.session = &sess
	m.mu.Unlock()
}

func TestSelfEchoIsDropped(t *testing.T) {
	m, _ := newTestManager(t)
	attachMirror(m)

	var received []collab.Action
	m.Events().Subscribe(EventActionReceived, func(e Event) {
		received = append(received, *e.Action)
	})

	inject := func(userID string) {
		action := collab.Action{
			ID: "a1", SessionID: "s1", UserID: userID,
			Type: collab.ActionCursorMove, Timestamp: time.Now().UTC(),
		}
		env, _ := protocol.New(protocol.TypeActionBroadcast, "s1", userID, action)
		data, _ := env.Encode()
		m.handleFrame(data)
	}

	inject("u1")
	assert.Empty(t, received, "own actions must not round-trip")
	inject("u2")
	require.Len(t, received, 1)
	assert.Equal(t, "u2", received[0].UserID)
}

func TestRemoteMutationAdvancesMirror(t *testing.T) {
	m, _ := newTestManager(t)
	attachMirror(m)

	raw, err := json.Marshal(collab.ConceptSelectionPayload{ConceptIDs: []string{"pi"}, Mode: collab.SelectionReplace})
	require.NoError(t, err)
	action := collab.Action{
		ID: "a1", SessionID: "s1", UserID: "host",
		Type: collab.ActionConceptSelect, Timestamp: time.Now().UTC(),
		BaseVersion: 0, Payload: raw,
	}
	env, err := protocol.New(protocol.TypeActionBroadcast, "s1", "host", action)
	require.NoError(t, err)
	data, err := env.Encode()
	require.NoError(t, err)
	m.handleFrame(data)

	snap := m.Session()
	require.NotNil(t, snap)
	assert.Equal(t, int64(1), snap.State.Version)
	assert.Equal(t, []string{"pi"}, snap.State.SelectedConcepts)
}

func TestBroadcastActionAppliesOptimistically(t *testing.T) {
	conn := newFakeConn()
	m, _ := newTestManager(t, conn)
	require.NoError(t, m.Connect(context.Background()))
	attachMirror(m)

	id, err := m.BroadcastConceptSelection([]string{"e"}, collab.SelectionReplace)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	snap := m.Session()
	assert.Equal(t, int64(1), snap.State.Version)
	assert.Equal(t, []string{"e"}, snap.State.SelectedConcepts)

	env := conn.written(t)
	assert.Equal(t, protocol.TypeActionBroadcast, env.Type)
	var sent collab.Action
	require.NoError(t, env.DecodePayload(&sent))
	assert.Equal(t, int64(0), sent.BaseVersion, "base version is the pre-apply mirror version")
}

func TestBroadcastRequiresSession(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.BroadcastViewChange(collab.ViewDescriptor{Kind: "graph"})
	assert.ErrorIs(t, err, ErrNotInSession)
}

func TestCursorSharingDisabled(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	m, err := NewManager(Config{
		URL: "ws://localhost/v1/ws", UserID: "u1",
		ShareCursor: false, Dialer: d, Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	attachMirror(m)

	id, err := m.BroadcastCursorMove(collab.CursorPosition{X: 1, Y: 2}, "")
	require.NoError(t, err)
	assert.Empty(t, id, "cursor sharing disabled must be a silent no-op")
	assert.Equal(t, 0, m.QueuedFrames())
}

func TestAnnotationLimitCheckedLocally(t *testing.T) {
	m, _ := newTestManager(t)
	attachMirror(m)
	m.mu.Lock()
	m.session.State.Annotations = []collab.Annotation{{ID: "n1", AuthorID: "u1"}}
	m.mu.Unlock()

	_, err := m.BroadcastAnnotation(collab.Annotation{Text: "one too many"})
	assert.Error(t, err)
}

func TestPermissionCheckedAgainstMirror(t *testing.T) {
	m, _ := newTestManager(t)
	attachMirror(m)
	m.mu.Lock()
	m.session.Participants["u1"].Permissions = collab.DefaultPermissions(collab.RoleViewer)
	m.mu.Unlock()

	_, err := m.BroadcastViewChange(collab.ViewDescriptor{Kind: "graph"})
	assert.ErrorIs(t, err, collab.ErrPermissionDenied)
}
