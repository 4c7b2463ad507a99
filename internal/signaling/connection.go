package signaling

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait   = 10 * time.Second
	pingPeriod  = 30 * time.Second
	readTimeout = 60 * time.Second
	sendBuffer  = 256
)

var (
	errConnClosed = errors.New("signaling: connection closed")
	errSlowClient = errors.New("signaling: send buffer full")
)

// Connection is one subscriber socket. Writes go through a buffered channel
// drained by a single write loop.
type Connection struct {
	ID string

	ws     *websocket.Conn
	send   chan []byte
	once   sync.Once
	closed chan struct{}
	done   chan struct{}
}

func newConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:     uuid.NewString(),
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (c *Connection) start() {
	go c.writeLoop()
}

// Send queues payload. A subscriber that cannot keep up is disconnected so one
// slow socket never stalls a topic.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case <-c.closed:
		return errConnClosed
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return errSlowClient
	}
}

func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

// wait blocks until the write loop has exited.
func (c *Connection) wait() {
	<-c.done
}

func (c *Connection) writeLoop() {
	defer close(c.done)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) write(kind int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(kind, payload)
}
