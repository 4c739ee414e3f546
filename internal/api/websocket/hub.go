package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/MLidstrom/castellan/internal/infrastructure/config"
	"github.com/MLidstrom/castellan/internal/metrics"
)

// Stream message types pushed to dashboard clients.
const (
	MessageSecurityEvent    = "security_event"
	MessageCorrelationAlert = "correlation_alert"
	MessageConnected        = "connection_established"
	MessagePong             = "pong"
)

// StreamEvent is the envelope written to every client.
type StreamEvent struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Hub fans stream events out to connected dashboard clients. Registration
// and broadcasting run on a single manager goroutine; client writes happen
// on per-client pumps so one slow client cannot stall the rest.
type Hub struct {
	logger      *zap.Logger
	cfg         config.BroadcastConfig
	metrics     *metrics.Registry
	clients     map[uuid.UUID]*Client
	clientsLock sync.RWMutex
	broadcast   chan *StreamEvent
	register    chan *Client
	unregister  chan *Client
}

func NewHub(cfg config.BroadcastConfig, reg *metrics.Registry, logger *zap.Logger) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.ClientBufferSize <= 0 {
		cfg.ClientBufferSize = 256
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 500
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = 100
	}
	return &Hub{
		logger:     logger,
		cfg:        cfg,
		metrics:    reg,
		clients:    make(map[uuid.UUID]*Client),
		broadcast:  make(chan *StreamEvent, cfg.BufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run drives registration and fan-out until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("broadcast hub started",
		zap.Int("max_clients", h.cfg.MaxClients),
		zap.Int("buffer_size", h.cfg.BufferSize))

	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case ev := <-h.broadcast:
			h.fanOut(ctx, ev)
		case <-ctx.Done():
			h.shutdown()
			return
		}
	}
}

// Broadcast enqueues a stream event for fan-out. It never blocks; a full
// buffer returns an error so callers can count the failure.
func (h *Hub) Broadcast(messageType string, payload interface{}) error {
	ev := &StreamEvent{
		ID:        uuid.NewString(),
		Type:      messageType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	select {
	case h.broadcast <- ev:
		return nil
	default:
		h.logger.Warn("broadcast buffer full, dropping message",
			zap.String("type", messageType))
		return fmt.Errorf("broadcast buffer full")
	}
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.clientsLock.RLock()
	defer h.clientsLock.RUnlock()
	return len(h.clients)
}

func (h *Hub) addClient(client *Client) {
	h.clientsLock.Lock()
	h.clients[client.id] = client
	total := len(h.clients)
	h.clientsLock.Unlock()

	h.logger.Info("websocket client connected",
		zap.String("client_id", client.id.String()),
		zap.Int("total_clients", total))

	welcome := &StreamEvent{
		ID:        uuid.NewString(),
		Type:      MessageConnected,
		Timestamp: time.Now().UTC(),
	}
	select {
	case client.send <- welcome:
	default:
	}
}

func (h *Hub) removeClient(client *Client) {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()

	if _, ok := h.clients[client.id]; !ok {
		return
	}
	delete(h.clients, client.id)
	close(client.send)

	h.logger.Info("websocket client disconnected",
		zap.String("client_id", client.id.String()),
		zap.Int("remaining_clients", len(h.clients)))
}

func (h *Hub) fanOut(ctx context.Context, ev *StreamEvent) {
	h.clientsLock.RLock()
	defer h.clientsLock.RUnlock()

	sent := 0
	for _, client := range h.clients {
		if !client.limiter.Allow() {
			continue
		}
		select {
		case client.send <- ev:
			sent++
		default:
			// A full client buffer means the reader stopped consuming.
			h.logger.Warn("client send buffer full, disconnecting",
				zap.String("client_id", client.id.String()))
			go func(c *Client) { h.unregister <- c }(client)
		}
	}
	if h.metrics != nil && sent > 0 {
		h.metrics.BroadcastSent.Add(ctx, int64(sent))
	}
}

func (h *Hub) shutdown() {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()

	for _, client := range h.clients {
		close(client.send)
		_ = client.conn.Close()
	}
	h.clients = make(map[uuid.UUID]*Client)
	h.logger.Info("broadcast hub stopped")
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The dashboard is served from the same host; cross-origin access is
	// handled by the reverse proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Client is one connected dashboard socket.
type Client struct {
	id      uuid.UUID
	conn    *websocket.Conn
	send    chan *StreamEvent
	hub     *Hub
	limiter *rate.Limiter
}

// ServeWS upgrades an HTTP request and attaches the client to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.ClientCount() >= h.cfg.MaxClients {
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		id:      uuid.New(),
		conn:    conn,
		send:    make(chan *StreamEvent, h.cfg.ClientBufferSize),
		hub:     h,
		limiter: rate.NewLimiter(rate.Limit(h.cfg.RateLimitPerSecond), h.cfg.RateLimitPerSecond),
	}

	h.register <- client
	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		default:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(32 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * c.hub.cfg.PingInterval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * c.hub.cfg.PingInterval))
	})

	for {
		var msg struct {
			Type string `json:"type"`
		}
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read error",
					zap.String("client_id", c.id.String()),
					zap.Error(err))
			}
			return
		}
		if msg.Type == "ping" {
			pong := &StreamEvent{
				ID:        uuid.NewString(),
				Type:      MessagePong,
				Timestamp: time.Now().UTC(),
			}
			select {
			case c.send <- pong:
			default:
			}
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
