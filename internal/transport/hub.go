package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/classtrader/trading-core/internal/observ"
)

// EventEnvelope wraps all wire events with metadata for ordering and resume.
type EventEnvelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts_utc"`
	Payload json.RawMessage `json:"payload"`
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboards connect from a different origin in development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans domain events out to connected WebSocket clients. A client that
// cannot keep up with the send buffer is dropped rather than allowed to
// stall the broadcast path.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]bool
	seq     atomic.Int64
	closed  bool
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]bool)}
}

// Broadcast envelopes the payload and queues it to every connected client.
// Envelope IDs are monotonic per process so clients can detect gaps.
func (h *Hub) Broadcast(eventType string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		observ.Log("broadcast_marshal_failed", map[string]any{
			"type": eventType,
			"err":  err.Error(),
		})
		return
	}
	env := EventEnvelope{
		V:       1,
		Type:    eventType,
		ID:      fmt.Sprintf("%d", h.seq.Add(1)),
		TS:      time.Now().UTC(),
		Payload: body,
	}
	msg, err := json.Marshal(env)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			delete(h.clients, c)
			close(c.send)
			observ.IncCounter("ws_clients_dropped_total", nil)
		}
	}
}

// ClientCount reports currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects all clients and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// Handler upgrades the request and registers the connection with the hub.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			observ.Log("ws_upgrade_failed", map[string]any{"err": err.Error()})
			return
		}
		c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}

		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			conn.Close()
			return
		}
		h.clients[c] = true
		h.mu.Unlock()
		observ.IncCounter("ws_clients_connected_total", nil)

		go c.writePump()
		go c.readPump()
	})
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// readPump discards inbound frames; the socket is broadcast-only. It exists
// to service pongs and to notice the peer going away.
func (c *client) readPump() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
