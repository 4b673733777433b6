package rooms

import (
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// Message is one immutable entry of a room's history.
type Message struct {
	FromConnectionID string `json:"fromConnectionId"`
	FromDisplayName  string `json:"fromDisplayName"`
	Text             string `json:"text"`
	TimestampMillis  int64  `json:"timestampMillis"`
}

// Room is an append-only message history. Its mutex is the serialization
// point for every write to the room.
type Room struct {
	ID RoomID

	mu       sync.Mutex
	messages []Message
	limit    int
}

// Messages returns a copy of the room's history in append order.
func (r *Room) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return []Message{}
	}
	return slices.Clone(r.messages)
}

// Len returns the number of messages currently held.
func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *Room) append(msg Message, then func(Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, msg)
	if r.limit > 0 && len(r.messages) > r.limit {
		r.messages = r.messages[len(r.messages)-r.limit:]
	}
	if then != nil {
		then(msg)
	}
}

// Store holds every room known to the process. Rooms are created on first
// reference and never removed, so memory grows with the number of distinct
// room ids seen.
type Store struct {
	mu           sync.RWMutex
	rooms        map[RoomID]*Room
	historyLimit int
}

// Option configures a Store.
type Option func(*Store)

// WithHistoryLimit caps each room's history to the most recent n messages.
// Zero or a negative n keeps everything.
func WithHistoryLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{rooms: make(map[RoomID]*Room)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Seed creates a public room for every valid name.
func (s *Store) Seed(names ...string) {
	for _, name := range names {
		name = strings.TrimSpace(name)
		if !ValidPublicName(name) {
			continue
		}
		s.EnsureRoom(Public(name))
	}
}

// EnsureRoom returns the room for id, creating it if needed. The second result
// reports whether this call created it.
func (s *Store) EnsureRoom(id RoomID) (*Room, bool) {
	s.mu.RLock()
	room, ok := s.rooms[id]
	s.mu.RUnlock()
	if ok {
		return room, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another caller may have won the race between the two locks.
	if room, ok = s.rooms[id]; ok {
		return room, false
	}
	room = &Room{ID: id, limit: s.historyLimit}
	s.rooms[id] = room
	return room, true
}

// Exists reports whether id is a known room.
func (s *Store) Exists(id RoomID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[id]
	return ok
}

// ListRoomIDs returns the ids of all known rooms, sorted by wire form.
func (s *Store) ListRoomIDs() []RoomID {
	s.mu.RLock()
	ids := lo.Keys(s.rooms)
	s.mu.RUnlock()

	slices.SortFunc(ids, func(a, b RoomID) int {
		return strings.Compare(a.String(), b.String())
	})
	return ids
}

// Append adds msg to the room, creating the room first if needed.
func (s *Store) Append(id RoomID, msg Message) {
	s.AppendThen(id, msg, nil)
}

// AppendThen is Append followed by then(msg), both under the room's lock, so
// whatever then does happens in the same order as the appends.
func (s *Store) AppendThen(id RoomID, msg Message, then func(Message)) {
	room, _ := s.EnsureRoom(id)
	room.append(msg, then)
}

// History returns the messages of id in append order. Unknown rooms yield an
// empty slice and are not created.
func (s *Store) History(id RoomID) []Message {
	s.mu.RLock()
	room, ok := s.rooms[id]
	s.mu.RUnlock()
	if !ok {
		return []Message{}
	}
	return room.Messages()
}

// Replay runs subscribe and then returns the history of id, with no append to
// id able to land in between. Every message is therefore either in the
// returned history or seen by whatever subscribe registered, never both.
// Like History it does not create the room.
func (s *Store) Replay(id RoomID, subscribe func()) []Message {
	s.mu.RLock()
	room, ok := s.rooms[id]
	if !ok {
		// The room cannot be created while the read lock is held.
		subscribe()
		s.mu.RUnlock()
		return []Message{}
	}
	s.mu.RUnlock()

	room.mu.Lock()
	defer room.mu.Unlock()
	subscribe()
	if len(room.messages) == 0 {
		return []Message{}
	}
	return slices.Clone(room.messages)
}

// Len returns the number of known rooms.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}
