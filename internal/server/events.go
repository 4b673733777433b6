package server

import (
	"encoding/json"
	"fmt"

	"github.com/Tyrowin/roomchat/internal/rooms"
)

// dispatch runs one client request against the broker and returns the ack
// payload. It never panics on bad input; every failure is a Result with
// ok=false.
func (h *Hub) dispatch(c *Client, env InboundEnvelope) any {
	switch env.Event {
	case EventSetUsername:
		return h.handleSetUsername(c, env.Data)
	case EventCreateRoom:
		return h.handleCreateRoom(c, env.Data)
	case EventJoinRoom, EventJoinDM:
		return h.handleJoin(c, env.Event, env.Data)
	case EventSendMessage:
		return h.handleSendMessage(c, env.Data)
	case EventCreateDM:
		return h.handleCreateDM(c, env.Data)
	case EventSendDM:
		return h.handleSendDM(c, env.Data)
	case EventRequestInit:
		return InitResult{Result: okResult, Snapshot: h.broker.Snapshot()}
	case EventGetRooms:
		return RoomsResult{Result: okResult, RoomIDs: h.broker.RoomIDs()}
	case EventRequestUnread:
		return UnreadResult{Result: okResult, Unread: h.broker.Unread(c.id)}
	case EventMarkRead:
		return h.handleMarkRead(c, env.Data)
	default:
		h.log.Warn("Unknown event", "conn", c.id, "event", env.Event)
		return failure(CodeUnknownEvent)
	}
}

func (h *Hub) handleSetUsername(c *Client, data json.RawMessage) any {
	name, err := decodeString(data)
	if err != nil {
		return failure(CodeBadRequest)
	}
	if err := h.validator.name(name); err != nil {
		return failure(CodeInvalidName)
	}

	welcome, err := h.broker.SetUsername(c.id, name)
	if err != nil {
		return failure(errorCode(err))
	}
	return WelcomeResult{Result: okResult, Welcome: welcome}
}

func (h *Hub) handleCreateRoom(c *Client, data json.RawMessage) any {
	name, err := decodeString(data)
	if err != nil {
		return RoomResult{Result: failure(CodeBadRequest)}
	}
	if err := h.validator.name(name); err != nil {
		return RoomResult{Result: failure(CodeInvalidName)}
	}

	room, err := h.broker.CreateRoom(c.id, name)
	if err != nil {
		return RoomResult{Result: failure(errorCode(err))}
	}
	return RoomResult{Result: okResult, RoomID: room.String()}
}

func (h *Hub) handleJoin(c *Client, event string, data json.RawMessage) any {
	raw, err := decodeString(data)
	if err != nil {
		return JoinResult{Result: failure(CodeBadRequest), Messages: []rooms.Message{}}
	}
	room, err := h.parseRoomID(raw)
	if err != nil {
		return JoinResult{Result: failure(errorCode(err)), RoomID: raw, Messages: []rooms.Message{}}
	}

	var history []rooms.Message
	if event == EventJoinDM {
		history = h.broker.JoinDM(c.id, room)
	} else {
		history = h.broker.JoinRoom(c.id, room)
	}
	return JoinResult{Result: okResult, RoomID: room.String(), Messages: history}
}

func (h *Hub) handleSendMessage(c *Client, data json.RawMessage) any {
	var req SendMessageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return failure(CodeBadRequest)
	}
	if err := h.validator.request(req); err != nil {
		return failure(CodeInvalidRoomID)
	}
	if err := h.validator.text(req.Text); err != nil {
		return failure(CodeBadRequest)
	}
	room, err := h.parseRoomID(req.RoomID)
	if err != nil {
		return failure(errorCode(err))
	}

	if _, err := h.broker.SendMessage(c.id, room, req.Text); err != nil {
		return failure(errorCode(err))
	}
	return okResult
}

func (h *Hub) handleCreateDM(c *Client, data json.RawMessage) any {
	target, err := decodeString(data)
	if err != nil {
		return RoomResult{Result: failure(CodeBadRequest)}
	}

	room, err := h.broker.CreateDM(c.id, target)
	if err != nil {
		return RoomResult{Result: failure(errorCode(err))}
	}
	return RoomResult{Result: okResult, RoomID: room.String()}
}

func (h *Hub) handleSendDM(c *Client, data json.RawMessage) any {
	var req SendDMRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return RoomResult{Result: failure(CodeBadRequest)}
	}
	if err := h.validator.request(req); err != nil {
		return RoomResult{Result: failure(CodeTargetNotFound)}
	}
	if err := h.validator.text(req.Text); err != nil {
		return RoomResult{Result: failure(CodeBadRequest)}
	}

	room, err := h.broker.SendDirect(c.id, req.ToConnectionID, req.Text)
	if err != nil {
		return RoomResult{Result: failure(errorCode(err))}
	}
	return RoomResult{Result: okResult, RoomID: room.String()}
}

func (h *Hub) handleMarkRead(c *Client, data json.RawMessage) any {
	raw, err := decodeString(data)
	if err != nil {
		return failure(CodeBadRequest)
	}
	room, err := h.parseRoomID(raw)
	if err != nil {
		return failure(errorCode(err))
	}
	h.broker.MarkRead(c.id, room)
	return okResult
}

func (h *Hub) parseRoomID(raw string) (rooms.RoomID, error) {
	if err := h.validator.roomID(raw); err != nil {
		return rooms.RoomID{}, fmt.Errorf("%w: %q", rooms.ErrInvalidRoomID, raw)
	}
	return rooms.ParseRoomID(raw)
}

// decodeString reads a payload that is a bare JSON string.
func decodeString(data json.RawMessage) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("missing payload")
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	return s, nil
}
