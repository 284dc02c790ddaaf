package realtime

import (
	"log/slog"
	"sync"

	v1 "relay/contracts/chat/v1"
)

// Room is the in-memory subscriber set for one chat id.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure) and never closes Send.
// - A Broadcast racing a Join either includes the joiner or not; it never
//   sends to a member fully removed by Leave.
type Room struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	members map[string]*Client
	gone    bool
}

// NewRoom constructs a room for chatID.
func NewRoom(log *slog.Logger, chatID string) *Room {
	return &Room{
		log:     log,
		ID:      chatID,
		members: make(map[string]*Client),
	}
}

// join adds a client to the subscriber set. It reports false when the room
// has been pruned from the hub; callers must re-fetch and retry.
func (r *Room) join(client *Client) bool {
	if r == nil || client == nil || client.SessionID == "" {
		return false
	}

	r.mu.Lock()
	if r.gone {
		r.mu.Unlock()
		return false
	}
	r.members[client.SessionID] = client
	n := len(r.members)
	r.mu.Unlock()

	metricSubscribers.Inc()
	r.log.Info("room.join", "chat_id", r.ID, "session_id", client.SessionID, "members", n)
	return true
}

// leave removes a client from the subscriber set and reports whether the
// room is now empty. Leaving a session that is not a member is a no-op.
func (r *Room) leave(sessionID string) (empty bool) {
	if r == nil || sessionID == "" {
		return false
	}

	r.mu.Lock()
	_, present := r.members[sessionID]
	if present {
		delete(r.members, sessionID)
	}
	empty = len(r.members) == 0
	r.mu.Unlock()

	if present {
		metricSubscribers.Dec()
		r.log.Info("room.leave", "chat_id", r.ID, "session_id", sessionID)
	}
	return empty
}

// Size returns the current subscriber count.
func (r *Room) Size() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast fans env out to every current subscriber.
//
// The member set is snapshotted first so no lock is held while sending;
// sends are non-blocking, and a dead or backed-up channel is skipped and
// logged without affecting delivery to the rest.
func (r *Room) Broadcast(env v1.Envelope) {
	if r == nil {
		return
	}

	r.mu.RLock()
	snapshot := make([]*Client, 0, len(r.members))
	for _, m := range r.members {
		if m != nil {
			snapshot = append(snapshot, m)
		}
	}
	r.mu.RUnlock()

	for _, m := range snapshot {
		select {
		case <-m.Done():
			// Channel is shutting down; membership cleanup follows via leave.
			metricBroadcastDrops.Inc()
			r.log.Debug("room.broadcast.skip_closed", "chat_id", r.ID, "session_id", m.SessionID, "type", env.Type)
			continue
		default:
		}

		select {
		case m.Send <- env:
			metricBroadcasts.Inc()
		default:
			// Drop rather than stall the whole room on one slow channel.
			metricBroadcastDrops.Inc()
			r.log.Warn("room.broadcast.drop", "chat_id", r.ID, "session_id", m.SessionID, "type", env.Type)
		}
	}
}
