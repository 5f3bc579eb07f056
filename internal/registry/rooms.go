package registry

import "sync"

// Rooms maps room keys to member connection ids and keeps the reverse
// index in step under a single lock, so membership and joined-room views
// can never disagree.
type Rooms struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{} // room key -> conn ids
	joined  map[string]map[string]struct{} // conn id -> room keys
}

// NewRooms creates an empty room index.
func NewRooms() *Rooms {
	return &Rooms{
		members: make(map[string]map[string]struct{}),
		joined:  make(map[string]map[string]struct{}),
	}
}

// Join adds the connection to the room, creating it lazily. Idempotent.
func (r *Rooms) Join(roomKey, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.members[roomKey]
	if !ok {
		room = make(map[string]struct{})
		r.members[roomKey] = room
	}
	room[connID] = struct{}{}

	set, ok := r.joined[connID]
	if !ok {
		set = make(map[string]struct{})
		r.joined[connID] = set
	}
	set[roomKey] = struct{}{}
}

// Leave removes the connection from the room. The room entry is evicted
// when its membership reaches zero. Idempotent.
func (r *Rooms) Leave(roomKey, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(roomKey, connID)
}

func (r *Rooms) leaveLocked(roomKey, connID string) {
	if room, ok := r.members[roomKey]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(r.members, roomKey)
		}
	}
	if set, ok := r.joined[connID]; ok {
		delete(set, roomKey)
		if len(set) == 0 {
			delete(r.joined, connID)
		}
	}
}

// DropConn removes the connection from every room it joined.
func (r *Rooms) DropConn(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for roomKey := range r.joined[connID] {
		r.leaveLocked(roomKey, connID)
	}
	delete(r.joined, connID)
}

// MembersOf returns a snapshot copy of the room's members, safe to
// iterate without holding the lock.
func (r *Rooms) MembersOf(roomKey string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.members[roomKey]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(room))
	for id := range room {
		out = append(out, id)
	}
	return out
}

// RoomsOf returns a snapshot of the rooms the connection has joined.
func (r *Rooms) RoomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.joined[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	return out
}

// Contains reports room membership for a single connection.
func (r *Rooms) Contains(roomKey, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[roomKey][connID]
	return ok
}

// Count returns the number of non-empty rooms.
func (r *Rooms) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
