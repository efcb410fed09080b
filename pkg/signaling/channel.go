package signaling

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// incomingBuffer bounds frames parked between the read pump and the
	// session loop.
	incomingBuffer = 64
)

// ErrChannelClosed indicates the channel has been closed
var ErrChannelClosed = errors.New("channel is closed")

// Channel frames JSON messages over one websocket connection. Reads are
// pumped into Incoming by a single goroutine; writes are serialized by a
// mutex so any goroutine may Send. The read pump owns closing the
// incoming channel.
type Channel struct {
	conn *websocket.Conn
	log  logging.LeveledLogger

	in   chan Message
	done chan struct{}

	writeMu sync.Mutex

	closeOnce sync.Once
}

// NewChannel wraps an upgraded websocket connection and starts the read
// and keepalive pumps.
func NewChannel(conn *websocket.Conn, log logging.LeveledLogger) *Channel {
	ch := &Channel{
		conn: conn,
		log:  log,
		in:   make(chan Message, incomingBuffer),
		done: make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go ch.readPump()
	go ch.pingLoop()

	return ch
}

// Incoming returns the stream of decoded frames. It is closed when the
// connection ends.
func (c *Channel) Incoming() <-chan Message {
	return c.in
}

// Done is closed when the channel shuts down for any reason.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Send writes one message to the socket. Safe for concurrent use.
func (c *Channel) Send(msg Message) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.Close()
		return err
	}
	return nil
}

// Close tears down the connection. Idempotent.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
	return nil
}

func (c *Channel) readPump() {
	defer func() {
		c.Close()
		close(c.in)
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debugf("read: %v", err)
			}
			return
		}

		msg, ok := Decode(raw)
		if !ok {
			c.log.Warnf("dropping malformed frame (%d bytes)", len(raw))
			continue
		}

		select {
		case c.in <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Channel) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
