// Package realtime streams security alerts to WebSocket subscribers.
//
// Fraud teams watch blocks and fallback outcomes as they happen instead
// of polling the event log. Each subscriber gets a buffered send
// channel; a subscriber that cannot keep up is dropped rather than
// allowed to stall the feed.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nexshop/riskgate/internal/audit"
	"github.com/nexshop/riskgate/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		// Allow same-host connections
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Alert is one message on the live feed.
type Alert struct {
	Type      string       `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Event     *audit.Event `json:"event"`
}

// Subscription filters which alerts a subscriber receives. An empty
// filter list means "any".
type Subscription struct {
	AllAlerts  bool     `json:"all_alerts"`
	RiskLevels []string `json:"risk_levels"`
	EventTypes []string `json:"event_types"`
	UserIDs    []string `json:"user_ids"`
}

// Client represents one WebSocket subscriber.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxSubscribers caps concurrent feed connections.
const MaxSubscribers = 1000

// Hub fans security alerts out to all connected subscribers.
type Hub struct {
	clients        map[*Client]bool
	broadcast      chan *Alert
	register       chan *Client
	unregister     chan *Client
	mu             sync.RWMutex
	logger         *slog.Logger
	done           chan struct{} // closed when Run exits; prevents upgrade race
	maxSubscribers int

	// Stats
	totalAlerts      atomic.Int64
	totalSubscribers atomic.Int64
	peakSubscribers  atomic.Int64
}

// NewHub creates a new alert hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:        make(map[*Client]bool),
		broadcast:      make(chan *Alert, 256),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		logger:         logger,
		done:           make(chan struct{}),
		maxSubscribers: MaxSubscribers,
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("alert hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("alert hub shutting down, closing subscriber connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveAlertSubscribers.Set(0)
			h.logger.Info("alert hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalSubscribers.Add(1)
			if current := int64(len(h.clients)); current > h.peakSubscribers.Load() {
				h.peakSubscribers.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveAlertSubscribers.Set(float64(n))
			h.logger.Info("alert subscriber connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveAlertSubscribers.Set(float64(n))
			h.logger.Info("alert subscriber disconnected", "total", n)

		case alert := <-h.broadcast:
			h.totalAlerts.Add(1)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if h.shouldSend(client, alert) {
					select {
					case client.send <- h.serialize(alert):
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			// Remove slow subscribers under write lock
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// shouldSend checks whether an alert matches a subscriber's filters.
func (h *Hub) shouldSend(client *Client, alert *Alert) bool {
	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if sub.AllAlerts {
		return true
	}
	if alert.Event == nil {
		return true
	}

	if len(sub.RiskLevels) > 0 && !contains(sub.RiskLevels, alert.Event.RiskLevel) {
		return false
	}
	if len(sub.EventTypes) > 0 && !contains(sub.EventTypes, string(alert.Event.EventType)) {
		return false
	}
	if len(sub.UserIDs) > 0 && !contains(sub.UserIDs, alert.Event.UserID) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (h *Hub) serialize(alert *Alert) []byte {
	data, _ := json.Marshal(alert)
	return data
}

// Broadcast queues an alert for delivery to all matching subscribers.
func (h *Hub) Broadcast(alert *Alert) {
	select {
	case h.broadcast <- alert:
	default:
		h.logger.Warn("broadcast channel full, dropping alert")
	}
}

// Alert implements mediator.Alerter: high-risk mediation outcomes land
// on the live feed. Never blocks.
func (h *Hub) Alert(e *audit.Event) {
	h.Broadcast(&Alert{
		Type:      "security_alert",
		Timestamp: time.Now().UTC(),
		Event:     e,
	})
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connected_subscribers": len(h.clients),
		"total_alerts":          h.totalAlerts.Load(),
		"total_subscribers":     h.totalSubscribers.Load(),
		"peak_subscribers":      h.peakSubscribers.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	// Enforce connection limit
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxSubscribers {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		sub:  Subscription{AllAlerts: true}, // Default: everything
	}

	h.register <- client

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

// readPump reads messages from WebSocket (subscription updates, pings).
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		// Parse subscription update
		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to WebSocket.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
