package realtime

import (
	"sync"

	"tripsync/internal/core/domain"

	"go.uber.org/zap"
)

// Room is an ephemeral channel scoped to one resource. It exists only
// while at least one connection is a member: created lazily on first join,
// deleted on last leave.
type Room struct {
	Key     string
	members map[string]*Connection // by session id
}

// RoomRegistry is the in-memory membership index. Authorization happens
// before Join is called; the registry only tracks membership and fans
// messages out.
type RoomRegistry struct {
	rooms  map[string]*Room
	mu     sync.RWMutex
	logger *zap.SugaredLogger
}

func NewRoomRegistry(logger *zap.SugaredLogger) *RoomRegistry {
	return &RoomRegistry{
		rooms:  make(map[string]*Room),
		logger: logger,
	}
}

// Join adds the connection to the room, creating it if absent, and
// returns the members present before the join.
func (r *RoomRegistry) Join(roomID string, c *Connection) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[roomID]
	if !exists {
		room = &Room{
			Key:     roomID,
			members: make(map[string]*Connection),
		}
		r.rooms[roomID] = room
		r.logger.Debugw("room created", "room_id", roomID)
	}

	existing := make([]*Connection, 0, len(room.members))
	for _, member := range room.members {
		existing = append(existing, member)
	}
	room.members[c.SessionID] = c
	return existing
}

// Leave removes the connection from the room, deleting the room when it
// becomes empty. Returns false if the room or membership did not exist.
func (r *RoomRegistry) Leave(roomID string, c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[roomID]
	if !exists {
		return false
	}
	if _, member := room.members[c.SessionID]; !member {
		return false
	}
	delete(room.members, c.SessionID)
	if len(room.members) == 0 {
		delete(r.rooms, roomID)
		r.logger.Debugw("room deleted", "room_id", roomID)
	}
	return true
}

// Members returns the room's current member connections. A missing room
// yields nil.
func (r *RoomRegistry) Members(roomID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, exists := r.rooms[roomID]
	if !exists {
		return nil
	}
	out := make([]*Connection, 0, len(room.members))
	for _, member := range room.members {
		out = append(out, member)
	}
	return out
}

// Broadcast fans a message out to every member of the room, skipping
// connections owned by excludeUser when given. A missing or empty room is
// a silent no-op. Delivery is fire-and-forget: a failed write only logs.
func (r *RoomRegistry) Broadcast(roomID string, msg interface{}, excludeUser domain.UserID) int {
	members := r.Members(roomID)
	sent := 0
	for _, member := range members {
		if excludeUser != "" && member.UserID == excludeUser {
			continue
		}
		if err := member.Send(msg); err != nil {
			r.logger.Debugw("broadcast delivery failed",
				"room_id", roomID,
				"session_id", member.SessionID,
				"error", err,
			)
			continue
		}
		sent++
	}
	return sent
}

// RoomCount returns the number of live rooms.
func (r *RoomRegistry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// PruneEmpty removes rooms with no members and rooms whose members have
// all closed. Best-effort housekeeping for the cleanup supervisor.
func (r *RoomRegistry) PruneEmpty() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for roomID, room := range r.rooms {
		for sessionID, member := range room.members {
			if member.isClosed() {
				delete(room.members, sessionID)
			}
		}
		if len(room.members) == 0 {
			delete(r.rooms, roomID)
			removed++
		}
	}
	return removed
}
