package broker

import (
	"github.com/Tyrowin/roomchat/internal/identity"
	"github.com/Tyrowin/roomchat/internal/rooms"
)

// SignalName is the event name of a server-pushed signal.
type SignalName string

const (
	SignalIdentitiesUpdated SignalName = "identities_updated"
	SignalRoomsUpdated      SignalName = "rooms_updated"
	SignalMessageDelivered  SignalName = "message_delivered"
	SignalDMInvited         SignalName = "dm_invited"
)

// Signal is a notification the broker asks the gateway to push to one or more
// connections. Payload is JSON-encodable.
type Signal struct {
	Name    SignalName
	Payload any
}

// MessageDelivered is the payload of SignalMessageDelivered.
type MessageDelivered struct {
	RoomID  rooms.RoomID  `json:"roomId"`
	Message rooms.Message `json:"message"`
}

// DMInvited is the payload of SignalDMInvited.
type DMInvited struct {
	RoomID rooms.RoomID      `json:"roomId"`
	From   identity.Identity `json:"from"`
}

func identitiesUpdated(list []identity.Identity) Signal {
	return Signal{Name: SignalIdentitiesUpdated, Payload: list}
}

func roomsUpdated(ids []string) Signal {
	return Signal{Name: SignalRoomsUpdated, Payload: ids}
}

func messageDelivered(room rooms.RoomID, msg rooms.Message) Signal {
	return Signal{Name: SignalMessageDelivered, Payload: MessageDelivered{RoomID: room, Message: msg}}
}

func dmInvited(room rooms.RoomID, from identity.Identity) Signal {
	return Signal{Name: SignalDMInvited, Payload: DMInvited{RoomID: room, From: from}}
}
