package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/middleware"
	"github.com/chatsync/internal/ws"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBufSize    = 256
)

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// client is one live-channel connection.
// Lifecycle: newClient -> Register -> start -> [readPump, writePump] -> Close -> Wait.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan ws.Outgoing
	user middleware.Identity

	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

// newClient counts both pumps up front: once Register publishes the client,
// DropAll may Close and Wait on it before start runs.
func newClient(hub *Hub, conn *websocket.Conn, user middleware.Identity, cancel context.CancelFunc) *client {
	c := &client{
		hub:    hub,
		conn:   conn,
		send:   make(chan ws.Outgoing, sendBufSize),
		user:   user,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	c.wg.Add(2)
	return c
}

func (c *client) start(ctx context.Context) {
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// abandon releases a client whose pumps will never run.
func (c *client) abandon() {
	c.Close()
	c.wg.Add(-2)
}

func (c *client) Wait() { c.wg.Wait() }

// Close is safe to call more than once.
func (c *client) Close() {
	c.once.Do(func() {
		c.cancel()
		close(c.done)
		c.conn.Close()
	})
}

// enqueue drops the frame when the client is gone or too slow.
func (c *client) enqueue(out ws.Outgoing) {
	select {
	case <-c.done:
	case c.send <- out:
	default:
		logger.Warnf("devserver: send buffer full user=%s, dropping %s", c.user.ID, out.Type)
	}
}

func (c *client) sendError(msg string) {
	c.enqueue(ws.Outgoing{Type: ws.EventError, Payload: ws.ErrorPayload{Message: msg}})
}

func (c *client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debugf("devserver: read user=%s: %v", c.user.ID, err)
			}
			return
		}
		var env ws.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.sendError("malformed frame")
			continue
		}
		c.hub.handle(c, env)
	}
}

func (c *client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case out := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			if err := json.NewEncoder(buf).Encode(out); err != nil {
				bufPool.Put(buf)
				logger.Errorf("devserver: marshal %s: %v", out.Type, err)
				continue
			}
			data := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
			err := c.conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
