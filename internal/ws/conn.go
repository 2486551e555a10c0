// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-fserver.
//
// go-fserver is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package ws

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jeremyhahn/go-fserver/pkg/logging"
	"github.com/jeremyhahn/go-fserver/pkg/wire"
)

const (
	// writeWait bounds a single frame write to a slow client.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before the reader
	// gives up on it; pings go out at pingPeriod to keep healthy clients
	// inside the window.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxFrameSize bounds inbound frames. Round-2 batches for large rosters
	// are the biggest legitimate frames; 1 MiB leaves ample headroom.
	maxFrameSize = 1 << 20

	// sendQueueSize is the per-connection outbound buffer. The coordinator
	// must never block under its mutex, so a connection that falls this far
	// behind is closed instead.
	sendQueueSize = 64
)

// conn wraps one WebSocket connection with the reader/writer goroutine pair.
// The reader feeds frames to the coordinator; the writer drains the send
// queue. Send never blocks: the coordinator queues messages under its mutex
// and a full queue kills the connection.
type conn struct {
	id   string
	sock *websocket.Conn
	log  *logging.Logger

	send chan wire.ServerMessage
	done chan struct{}
}

// ID returns the connection identifier assigned at accept time.
func (c *conn) ID() string {
	return c.id
}

// Send queues a message for delivery. If the queue is full or the connection
// is shutting down the message is dropped and the writer tears the
// connection down; the client recovers state through the list operations on
// reconnect.
func (c *conn) Send(msg wire.ServerMessage) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		c.log.Warn("send queue full, closing connection", "conn", c.id)
		c.closeOnce()
	}
}

// closeOnce signals the writer to shut the connection down. Safe to call
// from any goroutine, any number of times.
func (c *conn) closeOnce() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// readLoop pumps inbound frames into the handler until the connection dies.
// Runs as the per-connection goroutine owned by the HTTP handler.
func (c *conn) readLoop(handler func(*conn, []byte)) {
	defer c.closeOnce()

	c.sock.SetReadLimit(maxFrameSize)
	if err := c.sock.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read error", "conn", c.id, "error", err.Error())
			}
			return
		}
		handler(c, data)
	}
}

// writeLoop drains the send queue and emits keepalive pings until closed.
func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.sock.Close()
	}()

	for {
		select {
		case <-c.done:
			deadline := time.Now().Add(writeWait)
			_ = c.sock.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				c.log.Errorf("marshal outbound %s: %v", msg.Type, err)
				continue
			}
			if err := c.sock.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("write error", "conn", c.id, "error", err.Error())
				return
			}
		case <-ticker.C:
			if err := c.sock.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
