package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chatlink/chatlink/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB

	sendBufferSize = 64
)

// connection is one client websocket. userID stays empty until the client
// sends its register event.
type connection struct {
	gateway *Gateway
	socket  *websocket.Conn
	id      string
	userID  string
	send    chan wire.Envelope
	done    chan struct{}
	once    sync.Once

	mu     sync.Mutex
	closed bool
}

func newConnection(gateway *Gateway, socket *websocket.Conn, id string) *connection {
	return &connection{
		gateway: gateway,
		socket:  socket,
		id:      id,
		send:    make(chan wire.Envelope, sendBufferSize),
		done:    make(chan struct{}),
	}
}

func (c *connection) readLoop() {
	defer c.close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env wire.Envelope
		if err := c.socket.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.gateway.log.Warn("unexpected close",
					zap.String("connection_id", c.id),
					zap.Error(err))
			}
			return
		}
		c.gateway.dispatch(c, env)
	}
}

func (c *connection) writeLoop() {
	defer c.close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.socket.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case env := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue hands an envelope to the write loop. Callers hold snapshots of this
// connection across goroutines, so enqueue must stay safe after close: a
// closed connection reports false instead of sending. A client that cannot
// keep up is dropped rather than allowed to block the relay.
func (c *connection) enqueue(env wire.Envelope) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.send <- env:
		c.mu.Unlock()
		return true
	default:
		c.mu.Unlock()
		c.gateway.log.Warn("dropping backpressured connection",
			zap.String("connection_id", c.id),
			zap.String("user_id", c.userID))
		c.close()
		return false
	}
}

// close tears the connection down once. The send channel is never closed;
// the write loop is told to exit through done, so a concurrent enqueue can
// never hit a closed channel.
func (c *connection) close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.gateway.unregister(c)
		close(c.done)
		_ = c.socket.Close()
	})
}
