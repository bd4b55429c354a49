// Package live fans committed events out to WebSocket clients.
package live

import (
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"taskpulse/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 32
	readLimit  = 4096
)

// Message is the JSON frame sent to clients.
type Message struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Client is one open connection.
type Client struct {
	OrgID  string
	UserID string
	hub    *Hub
	conn   *websocket.Conn
	send   chan Message
	once   sync.Once
}

func (c *Client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub is the connection registry, keyed by tenant and then user. A user may
// hold several connections.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *log.Logger

	mu    sync.RWMutex
	conns map[string]map[string]map[*Client]struct{}
}

func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		logger: logger,
		conns:  map[string]map[string]map[*Client]struct{}{},
	}
}

// Serve upgrades the request, registers the connection and blocks until it
// closes. Every text frame received is answered with a pong message.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, orgID, userID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &Client{OrgID: orgID, UserID: userID, hub: h, conn: conn, send: make(chan Message, sendBuffer)}
	h.connect(c)
	go c.writePump()
	c.readPump()
	h.Disconnect(c)
	return nil
}

// Reject upgrades the request only to close it with a policy-violation
// code, so browser clients see the reason.
func (h *Hub) Reject(w http.ResponseWriter, r *http.Request, reason string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func (h *Hub) connect(c *Client) {
	h.mu.Lock()
	users, ok := h.conns[c.OrgID]
	if !ok {
		users = map[string]map[*Client]struct{}{}
		h.conns[c.OrgID] = users
	}
	set, ok := users[c.UserID]
	if !ok {
		set = map[*Client]struct{}{}
		users[c.UserID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	metrics.LiveConnections.Inc()
	h.logger.Debug("live client connected", "org", c.OrgID, "user", c.UserID)
}

// Disconnect removes c from the registry and closes its send queue. It is
// safe to call more than once.
func (h *Hub) Disconnect(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *Client) {
	users := h.conns[c.OrgID]
	set := users[c.UserID]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(users, c.UserID)
	}
	if len(users) == 0 {
		delete(h.conns, c.OrgID)
	}
	c.close()
	metrics.LiveConnections.Dec()
	h.logger.Debug("live client disconnected", "org", c.OrgID, "user", c.UserID)
}

// Broadcast queues msg for every connection of the tenant and returns how
// many connections received it. Connections whose queue is full are
// dropped.
func (h *Hub) Broadcast(orgID string, msg Message) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.conns[orgID] {
		for c := range set {
			if h.offerLocked(c, msg) {
				n++
			}
		}
	}
	return n
}

// SendToUser queues msg for every connection of one user.
func (h *Hub) SendToUser(orgID, userID string, msg Message) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for c := range h.conns[orgID][userID] {
		if h.offerLocked(c, msg) {
			n++
		}
	}
	return n
}

func (h *Hub) offerLocked(c *Client, msg Message) bool {
	select {
	case c.send <- msg:
		return true
	default:
		h.logger.Warn("live client too slow, dropping", "org", c.OrgID, "user", c.UserID)
		h.removeLocked(c)
		return false
	}
}

// Count returns the number of open connections for a tenant, or for all
// tenants when orgID is empty.
func (h *Hub) Count(orgID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for org, users := range h.conns {
		if orgID != "" && org != orgID {
			continue
		}
		for _, set := range users {
			n += len(set)
		}
	}
	return n
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, users := range h.conns {
		for _, set := range users {
			for c := range set {
				h.removeLocked(c)
			}
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
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

func (c *Client) readPump() {
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, _, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage {
			continue
		}
		c.reply(Message{Type: "pong", Message: "Connected"})
	}
}

// reply queues a message without blocking the read loop; a full queue
// skips the reply.
func (c *Client) reply(msg Message) {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.OrgID][c.UserID][c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}
