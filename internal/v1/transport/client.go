package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openjam/bandroom/backend/go/internal/v1/logging"
	"github.com/openjam/bandroom/backend/go/internal/v1/metrics"
	"github.com/openjam/bandroom/backend/go/internal/v1/types"
)

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 256
)

// wsConnection is the slice of *websocket.Conn the pumps need; tests
// substitute an in-memory implementation.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Client is one authenticated WebSocket connection. It satisfies
// channels.Subscriber: channels enqueue encoded frames, the write pump drains
// them in FIFO order.
type Client struct {
	conn        wsConnection
	hub         *Hub
	id          types.ConnIdType
	userId      types.UserIdType
	displayName types.DisplayNameType

	mu     sync.Mutex
	closed bool

	send      chan []byte
	closeOnce sync.Once
}

// ConnID returns the connection's unique id.
func (c *Client) ConnID() types.ConnIdType { return c.id }

// UserID returns the authenticated user id carried by the connection.
func (c *Client) UserID() types.UserIdType { return c.userId }

// Enqueue offers a frame to the send queue without blocking. A false return
// means the frame was dropped: either the queue is saturated or the client is
// closing.
func (c *Client) Enqueue(data []byte) bool {
	// The mutex is held across the send so Close cannot close the queue
	// between the flag check and the channel operation.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close asks the write pump to flush, send a close frame, and tear the
// connection down. Safe to call multiple times and from any goroutine.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
	})
}

// readPump consumes inbound frames until the connection dies, dispatching
// each envelope through the hub router. Its exit is the single disconnect
// signal for the whole connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn(context.Background(), "Unexpected connection close",
					zap.String("connId", string(c.id)), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.hub.route(c, data)
	}
}

// writePump drains the send queue onto the wire. A closed queue means the
// client is shutting down; the pump emits a close frame and returns.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Warn(context.Background(), "Write failed, dropping connection",
				zap.String("connId", string(c.id)), zap.Error(err))
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
