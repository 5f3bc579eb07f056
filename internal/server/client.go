package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rapidaid/dispatch-gateway/internal/registry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
	readLimit  = 64 * 1024
)

// wsClient wraps one websocket connection. Outbound frames go through a
// buffered send channel drained by writePump, so a fan-out enqueue never
// blocks on a slow socket.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSClient(id string, conn *websocket.Conn, sendBuffer int) *wsClient {
	return &wsClient{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
}

func (c *wsClient) ID() string { return c.id }

// Send enqueues a frame without blocking. A closed client reports
// ErrConnectionClosed so callers can prune it; a full queue sheds the
// frame and keeps the connection.
func (c *wsClient) Send(msg []byte) error {
	select {
	case <-c.closed:
		return registry.ErrConnectionClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.closed:
		return registry.ErrConnectionClosed
	default:
		return registry.ErrSendBufferFull
	}
}

// Close tears down the transport. Safe to call from any goroutine, any
// number of times.
func (c *wsClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
	return nil
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with periodic pings. One writer goroutine per
// connection; gorilla allows a single concurrent writer.
func (c *wsClient) writePump(log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug("write error", zap.String("conn_id", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug("ping error", zap.String("conn_id", c.id), zap.Error(err))
				return
			}
		}
	}
}
