//go:generate go run go.uber.org/mock/mockgen -source=gateway.go -destination=mocks/mock_gateway.go -package=mocks
package broker

import "github.com/Tyrowin/roomchat/internal/rooms"

// Gateway is the transport side of the broker. It owns the physical
// connections and the subscriber set of every room. All methods are
// fire-and-forget: delivery is best effort, never acknowledged and never
// retried, and none of them may block on a slow connection.
type Gateway interface {
	// Subscribe adds conn to the subscribers of room.
	Subscribe(conn string, room rooms.RoomID)
	// Deliver pushes s to conn only. It reports false if conn is not
	// connected, in which case the signal is dropped.
	Deliver(conn string, s Signal) bool
	// Publish pushes s to every current subscriber of room.
	Publish(room rooms.RoomID, s Signal)
	// Broadcast pushes s to every live connection.
	Broadcast(s Signal)
}
