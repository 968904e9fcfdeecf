package relay

import (
	"sync"

	"github.com/gorilla/websocket"
)

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	userID    string
	closeOnce sync.Once
}

func (c *client) trySend(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Hub tracks one live connection per user. A second connection for the same
// user replaces the first.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*client

	// Rings buffered for users who were offline when the call arrived,
	// flushed on their next connect.
	pending map[string][][]byte
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*client),
		pending: make(map[string][][]byte),
	}
}

// Add registers the client and returns any rings buffered while the user was
// offline.
func (h *Hub) Add(c *client) (buffered [][]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old := h.clients[c.userID]; old != nil {
		_ = old.conn.Close()
		old.closeSend()
	}
	h.clients[c.userID] = c

	buffered = h.pending[c.userID]
	delete(h.pending, c.userID)
	return buffered
}

// Remove unregisters the client. It is a no-op when a newer connection has
// already replaced this one.
func (h *Hub) Remove(c *client) (removed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[c.userID] != c {
		return false
	}
	c.closeSend()
	delete(h.clients, c.userID)
	return true
}

func (h *Hub) IsOnline(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.clients[userID]
	return ok
}

func (h *Hub) OnlineUsers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	return ids
}

// SendTo delivers payload to userID. A full send buffer closes the laggard
// connection and counts as not delivered.
func (h *Hub) SendTo(userID string, payload []byte) bool {
	h.mu.Lock()
	c := h.clients[userID]
	h.mu.Unlock()

	if c == nil {
		return false
	}
	if !c.trySend(payload) {
		_ = c.conn.Close()
		return false
	}
	return true
}

// HasPendingRings reports whether buffered rings await userID's next connect.
func (h *Hub) HasPendingRings(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending[userID]) > 0
}

// BufferRing stores an incoming-call payload for an offline user.
func (h *Hub) BufferRing(userID string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending[userID] = append(h.pending[userID], payload)
}

// Broadcast sends payload to every connected user except the excluded one.
func (h *Hub) Broadcast(excludeUserID string, payload []byte) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for id, c := range h.clients {
		if id == excludeUserID {
			continue
		}
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if !c.trySend(payload) {
			_ = c.conn.Close()
		}
	}
}
