package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/chatsync/internal/logger"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
	sendBufSize    = 256
)

// bufPool pools bytes.Buffer for JSON encoding in writePump.
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// pump owns one connection: readPump is the only reader, writePump the only writer.
type pump struct {
	m            *Manager
	conn         *websocket.Conn
	send         <-chan Outgoing
	pingInterval time.Duration
}

func (p *pump) start(ctx context.Context) {
	go p.writePump(ctx)
	go p.readPump()
}

func (p *pump) pongWait() time.Duration { return p.pingInterval*2 + writeWait }

// readPump exits on read error, which is also how writePump and Disconnect stop it.
func (p *pump) readPump() {
	p.conn.SetReadLimit(maxMessageSize)
	if err := p.conn.SetReadDeadline(time.Now().Add(p.pongWait())); err != nil {
		p.m.dropped(p.conn, err)
		return
	}
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(p.pongWait()))
	})
	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			p.conn.Close()
			p.m.dropped(p.conn, err)
			return
		}
		// Any frame proves liveness.
		_ = p.conn.SetReadDeadline(time.Now().Add(p.pongWait()))

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
			logger.Errorf("ws drop malformed frame: %v", err)
			continue
		}
		p.m.dispatch(env)
	}
}

// writePump exits on ctx cancellation or write error.
func (p *pump) writePump(ctx context.Context) {
	ticker := time.NewTicker(p.pingInterval)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = p.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-p.send:
			if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			if err := json.NewEncoder(buf).Encode(msg); err != nil {
				bufPool.Put(buf)
				logger.Errorf("ws marshal %s: %v", msg.Type, err)
				continue
			}
			data := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
			err := p.conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if err != nil {
				return
			}
		case <-ticker.C:
			if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
