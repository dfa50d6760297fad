package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/migro/internal/interfaces"
	"github.com/ternarybob/migro/internal/models"
	"github.com/ternarybob/migro/internal/queue"
	"github.com/ternarybob/migro/internal/validation"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Operator UIs connect from any origin
	},
}

// WebSocketHandler streams queue stats and validation progress to operator
// UIs. Read-only; clients may drop at any time.
type WebSocketHandler struct {
	queues   *queue.Manager
	sessions *validation.SessionStore
	configs  interfaces.ConfigStorage
	logger   arbor.ILogger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewWebSocketHandler creates the progress stream handler.
func NewWebSocketHandler(queues *queue.Manager, sessions *validation.SessionStore, configs interfaces.ConfigStorage, logger arbor.ILogger) *WebSocketHandler {
	return &WebSocketHandler{
		queues:   queues,
		sessions: sessions,
		configs:  configs,
		logger:   logger,
		clients:  make(map[*websocket.Conn]struct{}),
	}
}

// HandleWebSocket upgrades the connection and registers the client.
// GET /ws.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Int("clients", count).Msg("WebSocket client connected")

	// Drain reads so pings and close frames are processed; drop on error.
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *WebSocketHandler) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	h.mu.Unlock()
}

// Run pushes a snapshot to every client on the interval until ctx ends.
func (h *WebSocketHandler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.broadcast(ctx)
		}
	}
}

func (h *WebSocketHandler) closeAll() {
	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *WebSocketHandler) broadcast(ctx context.Context) {
	h.mu.Lock()
	if len(h.clients) == 0 {
		h.mu.Unlock()
		return
	}
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	snapshot := h.snapshot(ctx)
	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(snapshot); err != nil {
			h.drop(conn)
		}
	}
}

// snapshot assembles the per-config stats pushed to clients.
func (h *WebSocketHandler) snapshot(ctx context.Context) map[string]interface{} {
	out := map[string]interface{}{
		"type":      "status",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	configs, err := h.configs.List(ctx)
	if err != nil {
		return out
	}

	perConfig := make(map[string]interface{}, len(configs))
	for _, config := range configs {
		entry := map[string]interface{}{}
		if stats, err := h.queues.StatsFor(ctx, config.ID); err == nil {
			entry["queues"] = stats.PerQueue
			entry["dlq"] = stats.DLQDepth
			entry["health"] = stats.Health
		}
		if session, ok := h.sessions.ForConfig(config.ID); ok {
			s := session.Snapshot()
			entry["validation"] = models.ValidationResult{
				SessionID: s.SessionID,
				ConfigID:  s.ConfigID,
				Status:    s.Status,
				Progress:  s.Progress,
				StartedAt: s.StartedAt,
			}
		}
		perConfig[config.ID] = entry
	}
	out["configs"] = perConfig
	return out
}
