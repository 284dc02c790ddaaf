package realtime

import (
	"log/slog"
	"sync"

	v1 "relay/contracts/chat/v1"
)

// Hub owns in-memory rooms keyed by chat id and provides stable room handles.
// Rooms are created lazily on first join and pruned when their subscriber set
// empties, so the map never grows with every chat id ever seen.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:   log,
		rooms: make(map[string]*Room),
	}
}

// Join subscribes client to chatID, creating the room if needed, and returns
// the room handle. It loops because a concurrent Leave may prune the room
// between the map lookup and the membership insert.
func (h *Hub) Join(chatID string, client *Client) *Room {
	for {
		h.mu.RLock()
		room, ok := h.rooms[chatID]
		h.mu.RUnlock()

		if !ok {
			h.mu.Lock()
			room, ok = h.rooms[chatID]
			if !ok {
				room = NewRoom(h.log, chatID)
				h.rooms[chatID] = room
			}
			h.mu.Unlock()
		}

		if room.join(client) {
			return room
		}
	}
}

// Leave removes sessionID from chatID's room and prunes the room when it
// empties. Leaving an unknown chat or session is a no-op.
func (h *Hub) Leave(chatID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[chatID]
	if !ok {
		return
	}
	if room.leave(sessionID) {
		room.mu.Lock()
		if len(room.members) == 0 {
			room.gone = true
			delete(h.rooms, chatID)
		}
		room.mu.Unlock()
	}
}

// Broadcast fans env out to chatID's subscribers. A chat with no room has no
// subscribers; that is a no-op, not an error.
func (h *Hub) Broadcast(chatID string, env v1.Envelope) {
	h.mu.RLock()
	room := h.rooms[chatID]
	h.mu.RUnlock()

	room.Broadcast(env)
}

// RoomCount returns how many chats currently have live subscribers.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
