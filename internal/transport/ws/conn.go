package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errConnClosed = errors.New("connection closed")

// conn adapts a websocket to registry.Conn. Writes are serialized and each
// one is bounded by the write timeout (or the caller's deadline if sooner).
type conn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

func newConn(id string, ws *websocket.Conn, writeTimeout time.Duration) *conn {
	return &conn{id: id, ws: ws, writeTimeout: writeTimeout}
}

func (c *conn) ID() string { return c.id }

func (c *conn) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.writeTimeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

func (c *conn) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	_ = c.ws.SetWriteDeadline(c.deadline(ctx))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// closeWith sends a close frame with code and reason, then closes the socket.
func (c *conn) closeWith(code int, reason string) error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.writeTimeout))
		err = c.ws.Close()
	})
	return err
}

// Close is idempotent. The read loop notices and runs the disconnect path.
func (c *conn) Close() error { return c.closeWith(websocket.CloseGoingAway, "") }
