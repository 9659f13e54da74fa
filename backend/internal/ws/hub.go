package ws

import (
	"sync"

	"flowcollab/backend/internal/broadcast"
)

// Hub tracks which local connections are in which flow room and hands them
// the broadcast events of that flow.
type Hub struct {
	mu sync.RWMutex
	// flowID -> set of connections; one user may hold several connections
	rooms map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{})}
}

// Attach registers the hub as a broadcaster listener and returns the detach
// function.
func (h *Hub) Attach(bc *broadcast.Broadcaster) func() {
	return bc.AddListener(h.Deliver)
}

func (h *Hub) Join(flowID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[flowID] == nil {
		h.rooms[flowID] = make(map[*Conn]struct{})
	}
	h.rooms[flowID][c] = struct{}{}
}

func (h *Hub) Leave(flowID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[flowID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, flowID)
		}
	}
}

// Members counts the local connections in a room.
func (h *Hub) Members(flowID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[flowID])
}

// Deliver pushes evt to every connection of its flow except the excluded
// user's, or only the excluded connection when the event names one.
func (h *Hub) Deliver(evt broadcast.Event) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[evt.DocumentID]))
	for c := range h.rooms[evt.DocumentID] {
		if evt.DeliverTo(c.userID, c.id) {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()
	if len(conns) == 0 {
		return
	}

	msg := ServerMessage{
		Type:      string(evt.Type),
		FlowID:    evt.DocumentID,
		UserID:    evt.UserID,
		Payload:   evt.Payload,
		Timestamp: evt.Timestamp,
	}
	for _, c := range conns {
		c.Enqueue(msg)
	}
}

// HasUser reports whether any local connection of userID is in the room.
func (h *Hub) HasUser(flowID, userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[flowID] {
		if c.userID == userID {
			return true
		}
	}
	return false
}
