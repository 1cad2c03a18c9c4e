package client

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one established connection to the collaboration server.
type Conn interface {
	Read() ([]byte, error)
	Write(data []byte) error
	Close(normal bool) error
}

// Dialer establishes connections. Tests substitute a fake.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type wsDialer struct{}

// NewDialer returns the websocket-backed dialer.
func NewDialer() Dialer {
	return wsDialer{}
}

func (wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) Write(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close(normal bool) error {
	if normal {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	}
	return c.conn.Close()
}
