package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// -----------------------------------------------------------------------------
// Hub Pattern Implementation
// -----------------------------------------------------------------------------

// handleLifecycle is the main hub loop: it owns the clients set and turns a
// disconnect into subscription teardown and provider interest release.
func (s *Server) handleLifecycle() {
	for {
		select {
		case client := <-s.register:
			s.clients[client] = struct{}{}
			s.Registry.Register(client)

		case client := <-s.unregister:
			if _, ok := s.clients[client]; !ok {
				continue
			}
			delete(s.clients, client)
			close(client.send)

			s.connsMu.Lock()
			if s.connsPerIP[client.ip] > 1 {
				s.connsPerIP[client.ip]--
			} else {
				delete(s.connsPerIP, client.ip)
			}
			s.connsMu.Unlock()

			// Keys that lost their last subscriber release provider
			// interest; the stop itself is cool-down governed.
			for _, key := range s.Registry.Unregister(client.id) {
				if g, ok := s.gateways[key.Source]; ok {
					g.Release(key.Name, key.Interval)
				}
			}
		}
	}
}

// -----------------------------------------------------------------------------
// WebSocket Handlers
// -----------------------------------------------------------------------------

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// -----------------------------------------------------------------------------

func (s *Server) handleWebSocket(c *gin.Context) {
	ip := c.ClientIP()

	if !s.allowConnection(ip) {
		s.Logger.Warning("Connection limit reached for %s", ip)
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Info("Failed to upgrade websocket: %v", err)
		s.dropConnection(ip)
		return
	}

	client := newClient(s, conn, ip)
	s.register <- client

	go client.writePump()
	go client.readPump()
}

// -----------------------------------------------------------------------------

func (s *Server) allowConnection(ip string) bool {
	maximum := s.Config.Limits.MaxConnectionsPerIP
	for _, white := range s.Config.Limits.WhitelistIP {
		if white == ip {
			maximum = 0
		}
	}

	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if maximum > 0 && s.connsPerIP[ip] >= maximum {
		return false
	}
	s.connsPerIP[ip]++
	return true
}

func (s *Server) dropConnection(ip string) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.connsPerIP[ip] > 1 {
		s.connsPerIP[ip]--
	} else {
		delete(s.connsPerIP, ip)
	}
}
