package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/baggo/baggo/internal/auth"
	"github.com/baggo/baggo/internal/metrics"
)

// ErrHubBusy is returned by Send when the broadcast queue is full.
var ErrHubBusy = errors.New("realtime hub queue full")

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
			return true
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Subscription narrows what a client receives. Empty fields match everything
// addressed to the client's user.
type Subscription struct {
	RequestIDs []string    `json:"requestIds"`
	EventTypes []EventType `json:"eventTypes"`
}

func (s Subscription) matches(ev *Event) bool {
	if len(s.RequestIDs) > 0 && !slices.Contains(s.RequestIDs, ev.RequestID) {
		return false
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, ev.Type) {
		return false
	}
	return true
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
	mu     sync.RWMutex
	sub    Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub streams request events to the sender and traveler involved, live.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan *Event
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{}
	maxClients int

	totalEvents atomic.Int64
}

// NewHub creates a new WebSocket hub. Call Run before serving connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

func (h *Hub) Name() string { return "realtime" }

// Send queues ev for the connected clients among its recipients.
func (h *Hub) Send(ctx context.Context, ev Event) error {
	select {
	case h.broadcast <- &ev:
		return nil
	default:
		return ErrHubBusy
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.TrackingClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.TrackingClients.Set(float64(n))
			h.logger.Debug("client connected", "user_id", c.userID, "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.TrackingClients.Set(float64(n))

		case ev := <-h.broadcast:
			h.totalEvents.Add(1)
			payload, err := json.Marshal(ev)
			if err != nil {
				h.logger.Warn("realtime event not serializable", "event", ev.Type, "error", err)
				continue
			}
			h.mu.RLock()
			var slow []*client
			for c := range h.clients {
				if !h.shouldSend(c, ev) {
					continue
				}
				select {
				case c.send <- payload:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, c := range slow {
					if _, ok := h.clients[c]; ok {
						close(c.send)
						delete(h.clients, c)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

func (h *Hub) shouldSend(c *client, ev *Event) bool {
	if !slices.Contains(ev.Recipients, c.userID) {
		return false
	}
	c.mu.RLock()
	sub := c.sub
	c.mu.RUnlock()
	return sub.matches(ev)
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]any{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
	}
}

// HandleWebSocket handles GET /v1/ws. The route must sit behind auth.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	select {
	case <-h.done:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "server shutting down"})
		return
	default:
	}
	userID := auth.UserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Bearer token required."})
		return
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "too many connections"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	cl := &client{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, 256),
	}
	h.register <- cl

	go cl.writePump()
	go cl.readPump()
}

// readPump accepts subscription updates until the connection closes.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

func (c *client) writePump() {
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
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
