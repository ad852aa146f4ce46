package dashboard

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"intentengine/internal/logging"
	"intentengine/internal/task"
)

// wireVersion is the WebSocket envelope version.
const wireVersion = "1.0"

// wsMessage is the envelope every WebSocket frame uses:
// {version, type, payload, timestamp}.
type wsMessage struct {
	Version   string `json:"version"`
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
}

func newWSMessage(typ string, payload any) wsMessage {
	return wsMessage{Version: wireVersion, Type: typ, Payload: payload, Timestamp: time.Now().UTC().Format(time.RFC3339)}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is one connected WebSocket dashboard client.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// hub relays mutation broadcasts to every connected dashboard client.
type hub struct {
	mu      sync.Mutex
	clients map[*client]bool
	bcast   chan []byte
	done    chan struct{}
}

func newHub() *hub {
	return &hub{
		clients: make(map[*client]bool),
		bcast:   make(chan []byte, 64),
		done:    make(chan struct{}),
	}
}

func (h *hub) run() {
	for {
		select {
		case msg := <-h.bcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					logging.Dashboard("dropping slow client %s", c.id)
				}
			}
			h.mu.Unlock()
		case <-h.done:
			return
		}
	}
}

func (h *hub) broadcast(payload json.RawMessage) {
	select {
	case h.bcast <- []byte(payload):
	default:
		logging.Dashboard("broadcast channel full, dropping message")
	}
}

func (h *hub) broadcastJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		logging.Dashboard("marshal broadcast: %v", err)
		return
	}
	h.broadcast(b)
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		c.conn.Close()
		delete(h.clients, c)
	}
	h.mu.Unlock()
	close(h.done)
}

// handleWebSocket upgrades the connection, sends an `init` handshake
// message with the client's ID, then pumps broadcasts to it with a
// 30s ping / 90s pong-miss heartbeat.
func (s *Service) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Dashboard("websocket upgrade failed: %v", err)
		return
	}

	c := &client{id: newClientID(), conn: conn, send: make(chan []byte, 16)}
	s.hub.register(c)
	logging.Dashboard("websocket client %s connected", c.id)

	tasks, err := s.tasks.List(r.Context(), task.ListFilter{})
	if err != nil {
		logging.Dashboard("init snapshot: list tasks: %v", err)
	}
	focus, err := s.tasks.Focus(r.Context())
	if err != nil {
		logging.Dashboard("init snapshot: focus: %v", err)
	}
	init, _ := json.Marshal(newWSMessage("init", map[string]any{
		"client_id": c.id,
		"tasks":     tasks,
		"focused":   focus,
	}))
	c.send <- init

	go c.readPump(s.hub)
	go c.writePump()
}

// readPump drains and discards client-sent frames (the dashboard is
// currently read-only from the client's perspective beyond pong
// control frames) and detects disconnects.
func (c *client) readPump(h *hub) {
	defer h.unregister(c)
	defer c.conn.Close()

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
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
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
