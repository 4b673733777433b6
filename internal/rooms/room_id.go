// Package rooms owns chat rooms and their ordered message history, and
// derives the identifiers of direct-message rooms.
package rooms

import (
	"errors"
	"strings"
)

// DirectSeparator joins the two peers of a direct-message room id on the
// wire. Public room names may never contain it.
const DirectSeparator = "#"

// ErrInvalidRoomID is returned when a wire room id cannot be decoded.
var ErrInvalidRoomID = errors.New("invalid room id")

type roomKind uint8

const (
	kindPublic roomKind = iota + 1
	kindDirect
)

// RoomID identifies a room. It is either Public(name) or Direct(a, b); the
// two kinds never compare equal, whatever their names. The zero value is not a
// valid room.
type RoomID struct {
	kind  roomKind
	name  string
	peerA string
	peerB string
}

// Public returns the id of the public room called name.
func Public(name string) RoomID {
	return RoomID{kind: kindPublic, name: name}
}

// Direct returns the id of the direct-message room shared by a and b. The
// peers are stored in lexical order so Direct(a, b) == Direct(b, a).
func Direct(a, b string) RoomID {
	if b < a {
		a, b = b, a
	}
	return RoomID{kind: kindDirect, peerA: a, peerB: b}
}

// ParseRoomID decodes the wire form produced by RoomID.String.
func ParseRoomID(s string) (RoomID, error) {
	if strings.TrimSpace(s) == "" {
		return RoomID{}, ErrInvalidRoomID
	}
	if !strings.Contains(s, DirectSeparator) {
		return Public(s), nil
	}
	a, b, _ := strings.Cut(s, DirectSeparator)
	if a == "" || b == "" || strings.Contains(b, DirectSeparator) {
		return RoomID{}, ErrInvalidRoomID
	}
	return Direct(a, b), nil
}

// ValidPublicName reports whether name may be used for a public room.
func ValidPublicName(name string) bool {
	return strings.TrimSpace(name) != "" && !strings.Contains(name, DirectSeparator)
}

// IsDirect reports whether r is a direct-message room.
func (r RoomID) IsDirect() bool { return r.kind == kindDirect }

// Has reports whether conn is one of the peers of a direct room.
func (r RoomID) Has(conn string) bool {
	return r.kind == kindDirect && (r.peerA == conn || r.peerB == conn)
}

// String returns the wire form of the id.
func (r RoomID) String() string {
	switch r.kind {
	case kindPublic:
		return r.name
	case kindDirect:
		return r.peerA + DirectSeparator + r.peerB
	default:
		return ""
	}
}

// MarshalText encodes the id in its wire form.
func (r RoomID) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes the wire form.
func (r *RoomID) UnmarshalText(text []byte) error {
	id, err := ParseRoomID(string(text))
	if err != nil {
		return err
	}
	*r = id
	return nil
}
