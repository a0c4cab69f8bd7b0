package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// conn adapts a gorilla connection to registry.Sender. gorilla allows one
// concurrent writer; wsem is that single slot, taken with ctx in mind.
type conn struct {
	ws     *websocket.Conn
	binary bool
	grace  time.Duration

	wsem      chan struct{}
	closeOnce sync.Once
}

func newConn(c *websocket.Conn, binary bool, grace time.Duration) *conn {
	return &conn{ws: c, binary: binary, grace: grace, wsem: make(chan struct{}, 1)}
}

func (c *conn) WriteFrame(ctx context.Context, frame []byte) error {
	mt := websocket.TextMessage
	if c.binary {
		mt = websocket.BinaryMessage
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}

	select {
	case c.wsem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.wsem }()

	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(mt, frame)
}

// Close sends a close frame, bounded by the grace period, and drops the
// connection.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		grace := c.grace
		if grace <= 0 {
			grace = time.Second
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(grace))
		err = c.ws.Close()
	})
	return err
}
