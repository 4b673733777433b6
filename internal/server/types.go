// Package server defines the wire envelopes exchanged with browser clients and
// utility helpers that are reused across client and hub logic.
package server

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/Tyrowin/roomchat/internal/broker"
	"github.com/Tyrowin/roomchat/internal/identity"
	"github.com/Tyrowin/roomchat/internal/rooms"
)

// Inbound event names.
const (
	EventSetUsername   = "set_username"
	EventCreateRoom    = "create_room"
	EventJoinRoom      = "join_room"
	EventSendMessage   = "send_message"
	EventCreateDM      = "create_dm"
	EventJoinDM        = "join_dm"
	EventSendDM        = "send_dm"
	EventRequestInit   = "request_init"
	EventGetRooms      = "get_rooms"
	EventRequestUnread = "request_unread"
	EventMarkRead      = "mark_read"
)

// Outbound frames that are not broker signals.
const (
	EventAck   = "ack"
	EventError = "error"
)

// Error codes reported in failed acks.
const (
	CodeInvalidName    = "invalid_name"
	CodeTargetNotFound = "target_not_found"
	CodeEmptyMessage   = "empty_message"
	CodeInvalidRoomID  = "invalid_room_id"
	CodeBadRequest     = "bad_request"
	CodeUnknownEvent   = "unknown_event"
	CodeDisconnected   = "disconnected"
)

// InboundEnvelope is a client request. Ack, when present, is echoed back on
// the single ack frame answering the request.
type InboundEnvelope struct {
	Event string          `json:"event"`
	Ack   *int64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutboundEnvelope is any frame the server writes: acks, errors and pushed
// signals.
type OutboundEnvelope struct {
	Event string `json:"event"`
	Ack   *int64 `json:"ack,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// SendMessageRequest is the payload of send_message.
type SendMessageRequest struct {
	RoomID string `json:"roomId" validate:"required,notblank"`
	Text   string `json:"text"`
}

// SendDMRequest is the payload of send_dm.
type SendDMRequest struct {
	ToConnectionID string `json:"toConnectionId" validate:"required,notblank"`
	Text           string `json:"text"`
}

// Result is the ack payload of requests that only succeed or fail.
type Result struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// WelcomeResult answers set_username.
type WelcomeResult struct {
	Result
	broker.Welcome
}

// RoomResult answers create_room, create_dm and send_dm.
type RoomResult struct {
	Result
	RoomID string `json:"roomId,omitempty"`
}

// JoinResult answers join_room and join_dm.
type JoinResult struct {
	Result
	RoomID   string          `json:"roomId"`
	Messages []rooms.Message `json:"messages"`
}

// InitResult answers request_init.
type InitResult struct {
	Result
	broker.Snapshot
}

// RoomsResult answers get_rooms.
type RoomsResult struct {
	Result
	RoomIDs []string `json:"roomIds"`
}

// UnreadResult answers request_unread.
type UnreadResult struct {
	Result
	Unread map[string]int `json:"unread"`
}

// IdentitiesResult is the body of the identities introspection endpoint.
type IdentitiesResult struct {
	Identities []identity.Identity `json:"identities"`
}

var okResult = Result{OK: true}

func failure(code string) Result {
	return Result{OK: false, Error: code}
}

// errorCode maps a broker or decoding error to its wire code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, broker.ErrInvalidName):
		return CodeInvalidName
	case errors.Is(err, broker.ErrTargetNotFound):
		return CodeTargetNotFound
	case errors.Is(err, broker.ErrEmptyMessage):
		return CodeEmptyMessage
	case errors.Is(err, broker.ErrDisconnected):
		return CodeDisconnected
	case errors.Is(err, rooms.ErrInvalidRoomID):
		return CodeInvalidRoomID
	default:
		return CodeBadRequest
	}
}

// encodeSignal renders a broker signal as a pushed frame.
func encodeSignal(s broker.Signal) ([]byte, error) {
	return json.Marshal(OutboundEnvelope{Event: string(s.Name), Data: s.Payload})
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
