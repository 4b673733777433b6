// Package broker is the chat state machine. It ties connections to
// identities, publishes messages into rooms and decides which connections
// hear about what. It keeps no transport state: subscriber sets and delivery
// belong to the Gateway.
package broker

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/identity"
	"github.com/Tyrowin/roomchat/internal/rooms"
	"github.com/samber/lo"
)

// UnknownSender is the display name used for connections that never set one.
const UnknownSender = "Unknown"

// State is where a connection is in its lifecycle.
type State uint8

const (
	StateUnknown State = iota
	StateAnonymous
	StateIdentified
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateIdentified:
		return "identified"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Welcome is returned to a connection that sets its username.
type Welcome struct {
	ConnectionID string   `json:"connectionId"`
	DisplayName  string   `json:"displayName"`
	RoomIDs      []string `json:"roomIds"`
}

// Snapshot is the state a client needs to render its sidebar.
type Snapshot struct {
	Identities []identity.Identity `json:"identities"`
	RoomIDs    []string            `json:"roomIds"`
}

// Broker coordinates the identity registry, the room store and the gateway.
type Broker struct {
	log        *slog.Logger
	identities *identity.Registry
	rooms      *rooms.Store
	gateway    Gateway
	unread     *UnreadTracker
	now        func() time.Time

	// mu makes a registry or room-list mutation and the broadcast of the
	// resulting snapshot one step, so broadcasts go out in mutation order.
	mu sync.Mutex

	statesMu sync.RWMutex
	states   map[string]State
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock replaces time.Now as the source of message timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// New creates a Broker over the given stores and gateway.
func New(log *slog.Logger, identities *identity.Registry, store *rooms.Store, gateway Gateway, opts ...Option) *Broker {
	b := &Broker{
		log:        log,
		identities: identities,
		rooms:      store,
		gateway:    gateway,
		unread:     NewUnreadTracker(),
		now:        time.Now,
		states:     make(map[string]State),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the lifecycle state of conn. Closed connections are
// reported as StateDisconnected until they reconnect.
func (b *Broker) State(conn string) State {
	b.statesMu.RLock()
	s, ok := b.states[conn]
	b.statesMu.RUnlock()
	if !ok && b.identities.Departed(conn) {
		return StateDisconnected
	}
	return s
}

func (b *Broker) setState(conn string, s State) {
	b.statesMu.Lock()
	defer b.statesMu.Unlock()
	b.states[conn] = s
}

func (b *Broker) dropState(conn string) {
	b.statesMu.Lock()
	defer b.statesMu.Unlock()
	delete(b.states, conn)
}

// Connect registers a freshly opened connection as anonymous.
func (b *Broker) Connect(conn string) {
	b.identities.Admit(conn)
	b.setState(conn, StateAnonymous)
	b.log.Debug("Connection opened", "conn", conn)
}

// SetUsername binds name to conn and broadcasts the new identity list. It may
// be called any number of times; every call broadcasts.
func (b *Broker) SetUsername(conn, name string) (Welcome, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Welcome{}, fmt.Errorf("set username: %w", ErrInvalidName)
	}

	b.mu.Lock()
	id, ok := b.identities.Register(conn, name)
	if !ok {
		b.mu.Unlock()
		return Welcome{}, fmt.Errorf("set username for %s: %w", conn, ErrDisconnected)
	}
	b.setState(conn, StateIdentified)
	b.gateway.Broadcast(identitiesUpdated(b.identities.ListAll()))
	b.mu.Unlock()

	b.log.Info("Username set", "conn", conn, "name", name)

	return Welcome{
		ConnectionID: id.ConnectionID,
		DisplayName:  id.DisplayName,
		RoomIDs:      b.RoomIDs(),
	}, nil
}

// CreateRoom ensures the public room called name exists. Creating an existing
// room is not an error; the room list is only broadcast when the room is new.
func (b *Broker) CreateRoom(conn, name string) (rooms.RoomID, error) {
	name = strings.TrimSpace(name)
	if !rooms.ValidPublicName(name) {
		return rooms.RoomID{}, fmt.Errorf("create room %q: %w", name, ErrInvalidName)
	}
	id := rooms.Public(name)

	b.mu.Lock()
	_, created := b.rooms.EnsureRoom(id)
	if created {
		b.gateway.Broadcast(roomsUpdated(b.RoomIDs()))
	}
	b.mu.Unlock()

	if created {
		b.log.Info("Room created", "conn", conn, "room", name)
	}
	return id, nil
}

// JoinRoom subscribes conn to room and returns the room's history. Any
// connection may join any room, direct rooms included.
func (b *Broker) JoinRoom(conn string, room rooms.RoomID) []rooms.Message {
	history := b.rooms.Replay(room, func() {
		b.gateway.Subscribe(conn, room)
		b.unread.Focus(conn, room)
	})
	b.log.Debug("Joined room", "conn", conn, "room", room.String(), "direct", room.IsDirect(), "history", len(history))
	return history
}

// JoinDM accepts a direct-message invitation. It behaves exactly like
// JoinRoom; joining a direct room one is not a peer of is allowed but logged.
func (b *Broker) JoinDM(conn string, room rooms.RoomID) []rooms.Message {
	if room.IsDirect() && !room.Has(conn) {
		b.log.Info("Joined direct room as non-peer", "conn", conn, "room", room.String())
	}
	return b.JoinRoom(conn, room)
}

// SendMessage appends text to room, creating the room if needed, and fans the
// message out to every subscriber of the room, sender included.
func (b *Broker) SendMessage(conn string, room rooms.RoomID, text string) (rooms.Message, error) {
	if strings.TrimSpace(text) == "" {
		return rooms.Message{}, fmt.Errorf("send to %s: %w", room, ErrEmptyMessage)
	}

	msg := rooms.Message{
		FromConnectionID: conn,
		FromDisplayName:  b.displayName(conn),
		Text:             text,
		TimestampMillis:  b.now().UnixMilli(),
	}

	b.rooms.AppendThen(room, msg, func(m rooms.Message) {
		b.gateway.Publish(room, messageDelivered(room, m))
		b.unread.Record(room, conn)
	})

	b.log.Debug("Message sent", "conn", conn, "room", room.String())
	return msg, nil
}

// SendDirect sends text to the direct room shared by conn and target.
func (b *Broker) SendDirect(conn, target, text string) (rooms.RoomID, error) {
	room := rooms.ResolveDirect(conn, target)
	_, err := b.SendMessage(conn, room, text)
	return room, err
}

// CreateDM opens the direct room between conn and target, subscribes conn to
// it and invites target. The invitation reaches target only if it is connected
// at this moment; it is never queued or retried.
func (b *Broker) CreateDM(conn, target string) (rooms.RoomID, error) {
	if _, ok := b.identities.Lookup(target); !ok {
		return rooms.RoomID{}, fmt.Errorf("create dm with %s: %w", target, ErrTargetNotFound)
	}

	room := rooms.ResolveDirect(conn, target)
	b.rooms.EnsureRoom(room)
	b.gateway.Subscribe(conn, room)
	b.unread.Subscribe(conn, room)

	from, ok := b.identities.Lookup(conn)
	if !ok {
		from = identity.Identity{ConnectionID: conn, DisplayName: UnknownSender}
	}
	delivered := b.gateway.Deliver(target, dmInvited(room, from))

	b.log.Info("Direct room opened", "conn", conn, "target", target, "invited", delivered)
	return room, nil
}

// Snapshot returns every identity and every room id.
func (b *Broker) Snapshot() Snapshot {
	return Snapshot{
		Identities: b.identities.ListAll(),
		RoomIDs:    b.RoomIDs(),
	}
}

// RoomIDs returns the wire ids of every known room.
func (b *Broker) RoomIDs() []string {
	return lo.Map(b.rooms.ListRoomIDs(), func(id rooms.RoomID, _ int) string {
		return id.String()
	})
}

// Unread returns the unread counts of conn keyed by room id.
func (b *Broker) Unread(conn string) map[string]int {
	return b.unread.Counts(conn)
}

// MarkRead clears the unread count of room for conn.
func (b *Broker) MarkRead(conn string, room rooms.RoomID) {
	b.unread.MarkRead(conn, room)
}

// Disconnect removes the identity of conn, if any, and broadcasts the
// identity list once. Repeated calls for a closed connection do nothing.
// Subscriptions are released by the gateway.
func (b *Broker) Disconnect(conn string) {
	b.mu.Lock()
	if b.identities.Departed(conn) {
		b.mu.Unlock()
		return
	}
	removed := b.identities.Unregister(conn)
	b.dropState(conn)
	b.gateway.Broadcast(identitiesUpdated(b.identities.ListAll()))
	b.mu.Unlock()

	b.unread.Forget(conn)
	b.log.Debug("Connection closed", "conn", conn, "hadIdentity", removed)
}

func (b *Broker) displayName(conn string) string {
	if id, ok := b.identities.Lookup(conn); ok {
		return id.DisplayName
	}
	return UnknownSender
}
