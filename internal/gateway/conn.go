package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	// How long the peer has to send its JOIN handshake after upgrading.
	joinWait = 10 * time.Second

	sendQueueSize = 64
)

// wsConn adapts a gorilla socket to the room.Sender contract: a bounded
// per-connection send queue drained by a write pump, so a slow client
// backs up its own queue instead of the room.
type wsConn struct {
	socket *websocket.Conn
	send   chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(socket *websocket.Conn) *wsConn {
	socket.SetReadLimit(maxMessageSize)

	return &wsConn{
		socket: socket,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Send queues a frame without blocking. False means the connection is
// closed or its queue is full; the room treats both as a dead socket.
func (c *wsConn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// writePump owns all writes to the socket, including pings. It exits on
// Close or the first failed write, closing the underlying socket either
// way so the read pump unblocks.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.socket.Close()
	}()

	for {
		select {
		case <-c.done:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			c.socket.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case frame := <-c.send:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
