package api

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	stdsync "sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/evalsync/internal/logging"
	syncpkg "github.com/kimhsiao/evalsync/internal/sync"
	"github.com/kimhsiao/evalsync/internal/sync/connectivity"
	"github.com/kimhsiao/evalsync/internal/uuid"
)

// =====================================================
// WebSocket Event Types
// =====================================================

const (
	EventSyncStarted         = "sync.started"
	EventSyncCompleted       = "sync.completed"
	EventNotification        = "notification"
	EventConnectivityChanged = "connectivity.changed"
)

const (
	sendBuffer      = 256
	broadcastBuffer = 256
	pongWait        = 60 * time.Second
	pingPeriod      = 30 * time.Second
	writeWait       = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin accepts non-browser clients and pages served from loopback.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Envelope wraps all WebSocket messages.
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// wsClient is one WebSocket connection.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu            stdsync.Mutex
	subscriptions map[string]bool
	closed        bool
}

// enqueue queues payload without blocking. It reports false when the
// buffer is full or the client is gone.
func (c *wsClient) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// close ends the write pump. Safe to call more than once.
func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// wants reports whether the client receives messageType. A client with no
// subscriptions receives everything.
func (c *wsClient) wants(messageType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[messageType]
}

type outbound struct {
	messageType string
	payload     []byte
}

// Hub fans sync events, notifications and connectivity changes out to
// every connected UI client.
type Hub struct {
	clients    map[string]*wsClient
	broadcast  chan outbound
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	closeOnce  stdsync.Once
	mu         stdsync.RWMutex
}

// NewHub creates a hub and starts its dispatch loop.
func NewHub() *Hub {
	hub := &Hub{
		clients:    make(map[string]*wsClient),
		broadcast:  make(chan outbound, broadcastBuffer),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				client.close()
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client connected", map[string]interface{}{
				"client_id": client.id,
				"total":     total,
			})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				client.close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client disconnected", map[string]interface{}{
				"client_id": client.id,
				"total":     total,
			})

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				if !client.wants(msg.messageType) {
					continue
				}
				if !client.enqueue(msg.payload) {
					// Slow consumer; drop it rather than stall everyone.
					client.close()
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all subscribed clients. It never blocks the
// caller; messages are dropped once the hub is closed or saturated.
func (h *Hub) Broadcast(messageType string, data interface{}) {
	bytes, err := json.Marshal(Envelope{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		logging.Error("Failed to marshal WebSocket message", err, map[string]interface{}{
			"type": messageType,
		})
		return
	}

	select {
	case <-h.done:
	case h.broadcast <- outbound{messageType: messageType, payload: bytes}:
	default:
		logging.Warn("WebSocket broadcast buffer full, dropping message", map[string]interface{}{
			"type": messageType,
		})
	}
}

// Notify implements sync.Notifier.
func (h *Hub) Notify(n syncpkg.Notification) {
	h.Broadcast(EventNotification, n)
}

// HandleSyncEvent is a sync.SyncEventHandler.
func (h *Hub) HandleSyncEvent(ev syncpkg.Event) {
	switch ev.Type {
	case syncpkg.EventStarted:
		h.Broadcast(EventSyncStarted, map[string]interface{}{"status": "started"})
	case syncpkg.EventCompleted:
		h.Broadcast(EventSyncCompleted, ev.Result)
	}
}

// ForwardTransitions broadcasts connectivity transitions until ch closes.
func (h *Hub) ForwardTransitions(ch <-chan connectivity.Transition) {
	go func() {
		for t := range ch {
			h.Broadcast(EventConnectivityChanged, map[string]interface{}{
				"from":    t.From,
				"to":      t.To,
				"quality": t.Quality,
				"rtt_ms":  t.RTT.Milliseconds(),
				"online":  t.To.IsOnline(),
			})
		}
	}()
}

// Close disconnects every client and stops the dispatch loop.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	client := &wsClient{
		id:            uuid.New(),
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		hub:           h,
		subscriptions: make(map[string]bool),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump handles client control messages until the connection drops.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("WebSocket read error", map[string]interface{}{
					"client_id": c.id,
					"error":     err.Error(),
				})
			}
			return
		}

		var msg struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			logging.Debug("Ignoring malformed WebSocket message", map[string]interface{}{
				"client_id": c.id,
			})
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})

		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()

		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// writePump owns all writes to the connection.
func (c *wsClient) writePump() {
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
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// reply queues a direct response to this client only.
func (c *wsClient) reply(body map[string]interface{}) {
	body["timestamp"] = time.Now().Unix()
	bytes, err := json.Marshal(body)
	if err != nil {
		return
	}
	c.enqueue(bytes)
}
