// ==============================================================================
// WEBSOCKET EVENT HUB - internal/events/hub.go
// ==============================================================================
package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"railnet/pkg/logger"

	"github.com/gorilla/websocket"
)

// Hub broadcasts window events to connected websocket observers. Implements
// Publisher so it can be stacked under a MultiPublisher.
type Hub struct {
	upgrader websocket.Upgrader
	logger   logger.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
}

func NewHub(log logger.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Observability feed only; origin policy is enforced upstream.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  log,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the connection and keeps it registered until the peer
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
			"ip":    r.RemoteAddr,
		})
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("event observer connected", map[string]interface{}{
		"ip":        r.RemoteAddr,
		"observers": h.count(),
	})

	// Reader loop: discard inbound frames, drop the client on error.
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Publish broadcasts the event to all observers.
func (h *Hub) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.drop(conn)
		}
	}
	return nil
}

// Close disconnects all observers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		_ = conn.Close()
	}
	h.mu.Unlock()
}

func (h *Hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
