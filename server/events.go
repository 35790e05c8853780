package server

import (
	"net/http"
	"net/url"
	"strings"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/revsync/logger"
)

// WebSocket timeouts, per the gorilla chat example.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second // must be less than pongWait

	// clients only send control frames
	maxMessageSize = 512

	clientBuffer = 64
)

// Event types published on /ws/events.
const (
	EventProjectCreated = "project_created"
	EventRevisionPushed = "revision_pushed"
	EventHeadUpdated    = "head_updated"
)

// Event is one change notification sent to every connected client.
type Event struct {
	Type       string `json:"type"`
	ProjectID  string `json:"projectId"`
	RevisionID string `json:"revisionId,omitempty"`
	ParentID   string `json:"parentId,omitempty"`
	Head       string `json:"head,omitempty"`
	Timestamp  int64  `json:"timestamp"` // unix milliseconds
}

// Hub fans events out to websocket clients. Slow clients drop events rather
// than stall the request that produced them.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	mu      gosync.RWMutex
	clients map[*client]struct{}
	closed  bool
	drops   atomic.Int64
}

type client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan Event
	closeOnce gosync.Once
}

// NewHub creates a hub accepting websocket origins that start with one of
// allowedOrigins. Requests without an Origin header are always accepted.
func NewHub(allowedOrigins []string, log *zap.SugaredLogger) *Hub {
	h := &Hub{
		logger:  logger.OrNop(log),
		clients: make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return checkOrigin(r.Header.Get("Origin"), allowedOrigins)
		},
	}
	return h
}

// checkOrigin compares scheme and host. An allowed origin without a port
// admits any port of that host.
func checkOrigin(origin string, allowed []string) bool {
	if origin == "" {
		return true
	}
	o, err := url.Parse(origin)
	if err != nil || o.Host == "" {
		return false
	}
	for _, a := range allowed {
		u, err := url.Parse(a)
		if err != nil || u.Host == "" {
			continue
		}
		if !strings.EqualFold(u.Scheme, o.Scheme) || !strings.EqualFold(u.Hostname(), o.Hostname()) {
			continue
		}
		if u.Port() == "" || u.Port() == o.Port() {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		h.logger.Debugw("Websocket upgrade failed", logger.FieldError, err)
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan Event, clientBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Debugw("Event client connected", logger.FieldCount, count)
	go c.writePump()
	go c.readPump()
}

// Broadcast queues ev for every client and returns how many accepted it.
func (h *Hub) Broadcast(ev Event) int {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	// held across the sends so close cannot race a send
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for c := range h.clients {
		select {
		case c.send <- ev:
			sent++
		default:
			h.drops.Add(1)
		}
	}
	return sent
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// Dropped returns how many events were dropped for slow clients.
func (h *Hub) Dropped() int64 {
	return h.drops.Load()
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.hub.mu.Lock()
		delete(c.hub.clients, c)
		close(c.send)
		c.hub.mu.Unlock()
	})
}

// readPump discards client frames and detects disconnects.
func (c *client) readPump() {
	defer func() {
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debugw("Event client read error", logger.FieldError, err)
			}
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
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
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
