// Package websocket streams guardrail decisions and circuit transitions
// to connected dashboards.
package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wardenhq/llm-warden/internal/breaker"
	"github.com/wardenhq/llm-warden/internal/config"
	"github.com/wardenhq/llm-warden/internal/guardrail"
	"github.com/wardenhq/llm-warden/internal/logger"
	"github.com/wardenhq/llm-warden/internal/pipeline"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer
	maxMessageSize = 512
)

type client struct {
	conn *websocket.Conn
	send chan Event
}

// Hub maintains the set of active clients and broadcasts events to them.
// Publishing never blocks: events are dropped when a client or the hub
// buffer is full.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan Event
	register   chan *client
	unregister chan *client
	upgrader   websocket.Upgrader
	writeWait  time.Duration
	logger     *logger.Logger

	mu    sync.RWMutex
	stats HubStats
	done  chan struct{}
	once  sync.Once
}

// HubStats tracks hub counters.
type HubStats struct {
	TotalConnections  int64 `json:"total_connections"`
	ActiveConnections int64 `json:"active_connections"`
	TotalBroadcasts   int64 `json:"total_broadcasts"`
	DroppedEvents     int64 `json:"dropped_events"`
}

// NewHub creates a hub from configuration. Call Run before handling
// connections.
func NewHub(cfg config.WebSocketConfig, log *logger.Logger) *Hub {
	readBuffer := cfg.ReadBufferSize
	if readBuffer <= 0 {
		readBuffer = 1024
	}
	writeBuffer := cfg.WriteBufferSize
	if writeBuffer <= 0 {
		writeBuffer = 1024
	}
	ww := cfg.WriteTimeout
	if ww <= 0 {
		ww = writeWait
	}
	allowed := cfg.AllowedOrigins

	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		writeWait:  ww,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBuffer,
			WriteBufferSize: writeBuffer,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, o := range allowed {
					if o == "*" || o == origin {
						return true
					}
				}
				return false
			},
		},
		logger: log.WithComponent("websocket"),
		done:   make(chan struct{}),
	}
}

// Run handles registration and broadcasting until Stop is called.
func (h *Hub) Run() {
	h.logger.Info("Starting WebSocket hub")
	for {
		select {
		case c := <-h.register:
			h.registerClient(c)
		case c := <-h.unregister:
			h.unregisterClient(c)
		case event := <-h.broadcast:
			h.broadcastEvent(event)
		case <-h.done:
			h.closeAll()
			return
		}
	}
}

// Stop shuts the hub down and disconnects every client.
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.done) })
}

// DetectorResult implements pipeline.Events.
func (h *Hub) DetectorResult(requestID string, stage guardrail.Stage, r guardrail.Result) {
	h.publish(detectorResultEvent(requestID, stage, r))
}

// FinalDecision implements pipeline.Events.
func (h *Hub) FinalDecision(requestID string, decision pipeline.Decision) {
	h.publish(decisionEvent(requestID, decision))
}

// BreakerTransition adapts the hub to the breaker's observer hook.
func (h *Hub) BreakerTransition(t breaker.Transition) {
	h.publish(Event{
		Type:      EventTypeBreaker,
		Timestamp: t.At,
		Data: BreakerEvent{
			Detector: t.Detector,
			From:     t.From.String(),
			To:       t.To.String(),
		},
	})
}

func (h *Hub) publish(event Event) {
	select {
	case h.broadcast <- event:
	default:
		h.mu.Lock()
		h.stats.DroppedEvents++
		h.mu.Unlock()
	}
}

// GetStats returns a copy of the hub counters.
func (h *Hub) GetStats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

func (h *Hub) registerClient(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	h.stats.TotalConnections++
	h.stats.ActiveConnections++
	active := h.stats.ActiveConnections
	h.mu.Unlock()

	h.logger.Info("Client connected", zap.Int64("active_connections", active))
}

func (h *Hub) unregisterClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.stats.ActiveConnections--
	}
	h.mu.Unlock()
}

func (h *Hub) broadcastEvent(event Event) {
	h.mu.Lock()
	h.stats.TotalBroadcasts++
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		select {
		case c.send <- event:
		default:
			h.mu.Lock()
			h.stats.DroppedEvents++
			h.mu.Unlock()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.stats.ActiveConnections = 0
}

// HandleWebSocket upgrades an HTTP connection and attaches it to the hub.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan Event, 64)}
	h.register <- c

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				h.logger.Debug("WebSocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames; clients are consumers only. It exists
// to notice disconnects and answer pings.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
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
			return
		}
	}
}
