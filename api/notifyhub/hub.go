package notifyhub

import (
	"sync"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/sableworks/exportstream/types"
)

// Hub holds WebSocket connections and fans completion notices out to every
// context sharing the session, so a context that did not own the stream can
// still deliver the finished file.
type Hub struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}
}

// New creates a new completion hub.
func New() *Hub {
	return &Hub{
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Register adds a WebSocket connection to the hub.
func (h *Hub) Register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = struct{}{}
}

// Unregister removes a WebSocket connection from the hub.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}

// ConnCount returns the number of registered connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// BroadcastCompletion sends the notice as JSON to all registered connections.
// Implements export.Broadcaster.
func (h *Hub) BroadcastCompletion(notice *types.CompletionNotice) {
	if notice == nil {
		return
	}
	payload, err := sonic.Marshal(notice)
	if err != nil {
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}
}
