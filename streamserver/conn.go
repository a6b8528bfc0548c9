// Portions of this code are:
// Copyright 2013 The Gorilla WebSocket Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package streamserver

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/olivere/dagqueue"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// connection is a middleman between the websocket connection and the
// subscription of one job.
type connection struct {
	// The websocket connection.
	ws *websocket.Conn
	// Events of the job.
	sub    *dagqueue.Subscription
	done   chan struct{}
	logger *slog.Logger
}

// readPump discards messages from the peer and notices when it goes away.
func (c *connection) readPump() {
	defer close(c.done)
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", "job_id", c.sub.JobID(), "error", err)
			}
			return
		}
	}
}

// writeJSON writes a record with a deadline.
func (c *connection) writeJSON(v interface{}) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

// write writes a message with the given message type and payload.
func (c *connection) write(mt int, payload []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(mt, payload)
}

// writePump pushes events of the job to the peer until the job is
// terminal or the peer goes away.
func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-c.sub.C():
			if !ok {
				_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
				return
			}
			if err := c.writeJSON(newRecord(ev)); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// streamEvents upgrades to a WebSocket and pushes a Record for the
// current state of the job, followed by one per status change. The
// server closes the connection after the terminal record.
func (srv *Server) streamEvents(c *gin.Context) {
	id := c.Param("id")

	// Subscribe before reading the job so that no change is missed
	sub := srv.m.Subscribe(id)
	defer sub.Unsubscribe()

	job, err := srv.m.PollStatus(c.Request.Context(), id)
	if err != nil {
		srv.fail(c, err)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		srv.logger.Debug("websocket upgrade failed", "job_id", id, "error", err)
		return
	}
	defer ws.Close()

	conn := &connection{ws: ws, sub: sub, done: make(chan struct{}), logger: srv.logger}
	go conn.readPump()

	if err := conn.writeJSON(snapshotRecord(job)); err != nil {
		return
	}
	if job.Status.Terminal() {
		_ = conn.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
		return
	}
	conn.writePump()
}
