// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package status

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"stepdrive/pkg/log"
)

const (
	readLimit    = 64 * 1024
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	writeWait    = 10 * time.Second
	sendQueueLen = 64
)

// wsClient is one websocket connection.
type wsClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	logger *log.Logger
	sendCh chan any
	done   chan struct{}

	mu        sync.Mutex
	closeOnce sync.Once
	name      string
}

func (c *wsClient) send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.logger.Warn("dropping message (queue full)")
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) identify(params map[string]any) map[string]any {
	name, _ := params["client_name"].(string)
	c.mu.Lock()
	c.name = name
	c.mu.Unlock()
	c.logger.WithField("client_name", name).Debug("identified")
	return map[string]any{"connection_id": c.id}
}

func (c *wsClient) source() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.name != "" {
		return fmt.Sprintf("websocket:%d:%s", c.id, c.name)
	}
	return fmt.Sprintf("websocket:%d", c.id)
}

func (c *wsClient) readPump() {
	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Debug("read failed")
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.WithError(err).Debug("write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) handleMessage(data []byte) {
	var req jsonRPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.send(rpcError(nil, codeParseError, "Parse error"))
		return
	}
	c.send(c.server.call(req, c.source(), c))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.nextID++
	client := &wsClient{
		id:     s.nextID,
		conn:   conn,
		server: s,
		logger: s.logger.With(log.Fields{"client": s.nextID}),
		sendCh: make(chan any, sendQueueLen),
		done:   make(chan struct{}),
	}
	s.clients[client.id] = client
	s.clientWG.Add(2)
	s.mu.Unlock()

	client.logger.WithField("remote", r.RemoteAddr).Info("connected")

	go func() {
		defer s.clientWG.Done()
		client.writePump()
	}()

	st := s.motion.Status()
	client.send(notification{
		JSONRPC: "2.0",
		Method:  "notify_motion_state",
		Params:  []any{map[string]string{"new": st.State}, st},
	})

	defer s.clientWG.Done()
	client.readPump()

	s.mu.Lock()
	delete(s.clients, client.id)
	s.mu.Unlock()
	client.close()
	client.logger.Info("disconnected")
}
