package server

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	writeWait      = 2 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB for larger JSON messages
	sendBuffer     = 256
)

var clientSeq atomic.Int64

// -----------------------------------------------------------------------------
// Client Structure
// -----------------------------------------------------------------------------

// Client is one websocket consumer. It satisfies interfaces.Consumer, so the
// dispatcher can fan out to it without knowing about websockets.
type Client struct {
	id   string
	ip   string
	hub  *Server
	conn *websocket.Conn
	send chan interface{}
}

func newClient(hub *Server, conn *websocket.Conn, ip string) *Client {
	return &Client{
		id:   fmt.Sprintf("c-%d", clientSeq.Add(1)),
		ip:   ip,
		hub:  hub,
		conn: conn,
		// Buffered channel to prevent blocking the dispatcher
		send: make(chan interface{}, sendBuffer),
	}
}

// -----------------------------------------------------------------------------

func (c *Client) ID() string { return c.id }

// Send enqueues one outbound message. A full buffer means the client cannot
// keep up; the connection is closed so it never stalls the fan-out path.
func (c *Client) Send(v interface{}) error {
	select {
	case c.send <- v:
		return nil
	default:
		c.conn.Close()
		return fmt.Errorf("client %s too slow, dropping connection", c.id)
	}
}

// -----------------------------------------------------------------------------
// readPump - handles incoming messages from client
// Acts as a watchdog for the connection
// -----------------------------------------------------------------------------

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
		c.hub.Logger.Info("Client %s disconnected", c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.Logger.Info("WebSocket error: %v", err)
			}
			break
		}
		c.hub.HandleClientMessage(c, message)
	}
}

// -----------------------------------------------------------------------------
// writePump - sends messages to client
// -----------------------------------------------------------------------------

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				c.hub.Logger.Info("Write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
