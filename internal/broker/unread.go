package broker

import (
	"sync"

	"github.com/Tyrowin/roomchat/internal/rooms"
)

// UnreadTracker counts, per connection and room, messages fanned out while
// the connection was looking at another room. A connection looks at the last
// room it joined.
type UnreadTracker struct {
	mu      sync.Mutex
	members map[rooms.RoomID]map[string]struct{}
	joined  map[string]map[rooms.RoomID]struct{}
	focus   map[string]rooms.RoomID
	counts  map[string]map[rooms.RoomID]int
}

// NewUnreadTracker creates an empty UnreadTracker.
func NewUnreadTracker() *UnreadTracker {
	return &UnreadTracker{
		members: make(map[rooms.RoomID]map[string]struct{}),
		joined:  make(map[string]map[rooms.RoomID]struct{}),
		focus:   make(map[string]rooms.RoomID),
		counts:  make(map[string]map[rooms.RoomID]int),
	}
}

// Subscribe records conn as a member of room without changing its focus.
func (u *UnreadTracker) Subscribe(conn string, room rooms.RoomID) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.subscribe(conn, room)
}

// Focus records conn as a member of room, makes room its focused room and
// clears the room's count.
func (u *UnreadTracker) Focus(conn string, room rooms.RoomID) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.subscribe(conn, room)
	u.focus[conn] = room
	delete(u.counts[conn], room)
}

func (u *UnreadTracker) subscribe(conn string, room rooms.RoomID) {
	if u.members[room] == nil {
		u.members[room] = make(map[string]struct{})
	}
	u.members[room][conn] = struct{}{}

	if u.joined[conn] == nil {
		u.joined[conn] = make(map[rooms.RoomID]struct{})
	}
	u.joined[conn][room] = struct{}{}
}

// Record counts one new message in room for every member except sender whose
// focus is elsewhere.
func (u *UnreadTracker) Record(room rooms.RoomID, sender string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for conn := range u.members[room] {
		if conn == sender || u.focus[conn] == room {
			continue
		}
		if u.counts[conn] == nil {
			u.counts[conn] = make(map[rooms.RoomID]int)
		}
		u.counts[conn][room]++
	}
}

// MarkRead clears the count of room for conn.
func (u *UnreadTracker) MarkRead(conn string, room rooms.RoomID) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.counts[conn], room)
}

// Counts returns the non-zero counts of conn keyed by wire room id.
func (u *UnreadTracker) Counts(conn string) map[string]int {
	u.mu.Lock()
	defer u.mu.Unlock()

	out := make(map[string]int, len(u.counts[conn]))
	for room, n := range u.counts[conn] {
		out[room.String()] = n
	}
	return out
}

// Forget drops everything known about conn.
func (u *UnreadTracker) Forget(conn string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for room := range u.joined[conn] {
		delete(u.members[room], conn)
		if len(u.members[room]) == 0 {
			delete(u.members, room)
		}
	}
	delete(u.joined, conn)
	delete(u.focus, conn)
	delete(u.counts, conn)
}
