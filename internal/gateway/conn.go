package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/rangeguard/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// conn is one authenticated websocket client. Outgoing frames go through
// send; only writePump touches the socket for writing.
type conn struct {
	id      string
	session domain.Session
	ws      *websocket.Conn
	send    chan []byte
	logger  *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(id string, session domain.Session, ws *websocket.Conn, buffer int, logger *zap.Logger) *conn {
	return &conn{
		id:      id,
		session: session,
		ws:      ws,
		send:    make(chan []byte, buffer),
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// enqueue never blocks. It reports false when the queue is full or the
// connection is already closed.
func (c *conn) enqueue(frame []byte) bool {
	if c.closed() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("Write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump delivers text frames to handle until the socket fails.
func (c *conn) readPump(handle func([]byte)) error {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		handle(data)
	}
}
