package realtime

import (
	"sort"
	"sync"
)

// PresenceRegistry tracks live connections per user and reference-counted
// room membership. A user is online while at least one connection is
// registered, and stays in a room until every connection that joined it left.
type PresenceRegistry struct {
	mu          sync.Mutex
	connections map[string]map[string]struct{}
	rooms       map[string]map[string]int
}

// NewPresenceRegistry returns an empty registry.
func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		connections: make(map[string]map[string]struct{}),
		rooms:       make(map[string]map[string]int),
	}
}

// RegisterConnection records connID for userID and reports whether it is the
// user's first live connection.
func (r *PresenceRegistry) RegisterConnection(userID, connID string) bool {
	if userID == "" || connID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	live, ok := r.connections[userID]
	if !ok {
		live = make(map[string]struct{})
		r.connections[userID] = live
	}
	first := len(live) == 0
	live[connID] = struct{}{}
	return first
}

// UnregisterConnection drops connID and reports whether it was the user's
// last live connection. Unknown connections report false.
func (r *PresenceRegistry) UnregisterConnection(userID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	live, ok := r.connections[userID]
	if !ok {
		return false
	}
	if _, registered := live[connID]; !registered {
		return false
	}
	delete(live, connID)
	if len(live) > 0 {
		return false
	}
	delete(r.connections, userID)
	return true
}

// IsOnline reports whether userID has a live connection.
func (r *PresenceRegistry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections[userID]) > 0
}

// ConnectionCount reports how many live connections userID holds.
func (r *PresenceRegistry) ConnectionCount(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections[userID])
}

// JoinRoom adds one reference for userID in roomKey and reports whether the
// user was not a member before.
func (r *PresenceRegistry) JoinRoom(roomKey, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[roomKey]
	if !ok {
		members = make(map[string]int)
		r.rooms[roomKey] = members
	}
	members[userID]++
	return members[userID] == 1
}

// LeaveRoom drops one reference for userID in roomKey and reports whether the
// user is no longer a member. Empty rooms are deleted.
func (r *PresenceRegistry) LeaveRoom(roomKey, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[roomKey]
	if !ok {
		return false
	}
	count, member := members[userID]
	if !member {
		return false
	}
	if count > 1 {
		members[userID] = count - 1
		return false
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(r.rooms, roomKey)
	}
	return true
}

// Members lists the users present in roomKey in lexical order.
func (r *PresenceRegistry) Members(roomKey string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[roomKey]
	userIDs := make([]string, 0, len(members))
	for userID := range members {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)
	return userIDs
}

// RoomCount reports how many rooms have at least one member.
func (r *PresenceRegistry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
