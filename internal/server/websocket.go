package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/presence"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/storage"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096

	// EventActiveUsers names the presence message pushed on every change.
	EventActiveUsers = "activeUsers"
)

// PresenceMessage is the JSON frame sent to WebSocket clients.
type PresenceMessage struct {
	Event    string             `json:"event"`
	Seq      uint64             `json:"seq"`
	Visitors []presence.Visitor `json:"visitors"`
}

// Hub manages WebSocket clients and broadcasts presence snapshots. It is
// attached to the directory as a single observer and fans each snapshot
// out to per-client send queues.
type Hub struct {
	logger       *slog.Logger
	queue        int
	withLocation bool

	mu      sync.Mutex
	clients map[*client]struct{}
	dropped uint64
	closed  bool
}

// errHubClosed is returned by register once CloseAll has run.
var errHubClosed = errors.New("websocket hub closed")

// NewHub creates a hub whose clients buffer up to queue messages.
func NewHub(queue int, withLocation bool, logger *slog.Logger) *Hub {
	return &Hub{
		logger:       logger,
		queue:        queue,
		withLocation: withLocation,
		clients:      make(map[*client]struct{}),
	}
}

// Observe marshals the snapshot once and queues it for every client. A
// client whose queue is full is disconnected instead of missing a message,
// so every client that stays connected sees every snapshot in order.
func (h *Hub) Observe(snap presence.Snapshot) {
	data, err := json.Marshal(PresenceMessage{
		Event:    EventActiveUsers,
		Seq:      snap.Seq,
		Visitors: snap.Visitors(h.withLocation),
	})
	if err != nil {
		h.logger.Error("websocket marshal error", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("websocket client too slow, disconnecting", "conn_id", c.id)
			h.removeLocked(c)
			h.dropped++
		}
	}
}

func (h *Hub) register(conn *websocket.Conn, id string) (*client, error) {
	c := &client{id: id, conn: conn, send: make(chan []byte, h.queue)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errHubClosed
	}
	h.clients[c] = struct{}{}
	return c, nil
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

// removeLocked must be called with h.mu held. Closing send tells the
// client's write pump to close the connection.
func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// CloseAll disconnects every client and refuses later registrations.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many clients were disconnected for falling behind.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

var _ presence.Observer = (*Hub)(nil)

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// writePump owns all writes to the connection.
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
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
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

// readPump discards inbound frames and returns when the peer goes away.
func (c *client) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(s.opts.AllowedOrigins, r.Header.Get("Origin"))
		},
	}
}

// handleWebSocket admits a presence connection. The gate and the location
// lookup run before the upgrade, so a denied client gets a plain HTTP
// 403 or 429 and a slow lookup never holds the directory lock.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	v := s.gate.Evaluate(r.Context(), ip)
	if v.Err() != nil {
		s.deny(w, v)
		return
	}
	loc := s.enrich(r.Context(), ip)

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", "addr", ip, "error", err)
		return
	}

	id := uuid.NewString()
	c, err := s.hub.register(conn, id)
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	go c.writePump()

	// Registered before Open, so the client receives the snapshot that
	// includes itself.
	rec, err := s.dir.Open(id, ip, r.UserAgent(), &loc)
	if err != nil {
		s.logger.Error("registering connection", "conn_id", id, "error", err)
		s.hub.unregister(c)
		return
	}
	s.logger.Info("visitor connected", "conn_id", id, "addr", ip, "connections", s.dir.Len())
	s.logVisit(storage.Visit{
		RemoteAddr: ip,
		UserAgent:  rec.UserAgent,
		Timestamp:  rec.ConnectedAt.UTC(),
		Location:   loc,
		ConnID:     id,
		Kind:       storage.KindSocket,
		Path:       r.URL.Path,
	})

	c.readPump()

	s.hub.unregister(c)
	s.dir.Close(id)
	s.logger.Info("visitor disconnected", "conn_id", id, "addr", ip, "connections", s.dir.Len())
}
