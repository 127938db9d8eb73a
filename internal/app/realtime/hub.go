// internal/app/realtime/hub.go
package realtime

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Driver and admin apps connect from their own origins; channel
	// subscriptions carry no privileged data beyond what the REST API
	// already exposes to an authenticated caller.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// client is one websocket subscriber with its channel set.
type client struct {
	conn     *websocket.Conn
	channels map[string]bool
	send     chan Message
}

// Hub is the in-process broadcast collaborator: a channel-keyed registry of
// websocket subscribers. Publish never blocks — a subscriber whose send
// buffer is full just misses the event.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	log     *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]bool),
		log:     logger,
	}
}

// Publish sends an event to every subscriber of the channel. Fire and forget:
// slow subscribers are skipped, there is no delivery guarantee.
func (h *Hub) Publish(channel, eventType string, payload any) {
	msg := Message{Type: eventType, Channel: channel, Payload: payload}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.channels[channel] {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.log.Debug("realtime subscriber buffer full, dropping event",
				zap.String("channel", channel),
				zap.String("type", eventType))
		}
	}
}

// Subscribers returns the number of connected clients. Exposed for tests and
// the health endpoint.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request to a websocket and subscribes it to the
// channels named in the repeated "channel" query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	channels := r.URL.Query()["channel"]
	if len(channels) == 0 {
		http.Error(w, "at least one channel query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn:     conn,
		channels: make(map[string]bool, len(channels)),
		send:     make(chan Message, sendBufferSize),
	}
	for _, ch := range channels {
		c.channels[ch] = true
	}

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	_ = c.conn.Close()
}

// readLoop drains inbound frames so pings/pongs and close frames are
// processed; subscribers do not send application data.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
