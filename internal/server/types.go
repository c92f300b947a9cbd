// Package server defines the JSON frames exchanged with clients and small
// helpers shared by the hub and client code.
package server

import (
	"encoding/json"
	"errors"
	"net"
	"syscall"

	"github.com/gorilla/websocket"
)

// Inbound command types.
const (
	CommandJoin = "join"
	CommandChat = "chat"
)

// Outbound event types.
const (
	EventJoinSuccess = "join_success"
	EventJoinError   = "join_error"
	EventChatError   = "chat_error"
	EventRoomUsers   = "room_users"
	EventMessage     = "message"
	EventError       = "error"
)

// Error texts shown verbatim to end users.
const (
	errTextJoinRequired = "roomId & username required"
	errTextNameTaken    = "Username already taken in this room."
	errTextNotJoined    = "You must join a room before sending messages."
	errTextEmptyMessage = "Message cannot be empty."
	errTextInvalidJSON  = "Invalid JSON"
	errTextUnsupported  = "Unsupported message type."
)

var (
	// ErrSendQueueFull is returned when a client's outbound queue has no room.
	ErrSendQueueFull = errors.New("server: send queue full")

	// ErrClientClosed is returned when sending to a client that was unregistered.
	ErrClientClosed = errors.New("server: client closed")
)

// Envelope is the wire shape of every frame in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinPayload is the body of a join command.
type JoinPayload struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

// ChatPayload is the body of a chat command.
type ChatPayload struct {
	Message string `json:"message"`
}

// JoinSuccessPayload confirms a join to the sender.
type JoinSuccessPayload struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

// RoomUsersPayload is the current roster of a room.
type RoomUsersPayload struct {
	RoomID string   `json:"roomId"`
	Users  []string `json:"users"`
}

// MessagePayload is a chat line delivered to a room.
type MessagePayload struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

// ErrorPayload carries a human-readable error for the *_error and error events.
type ErrorPayload struct {
	Message string `json:"message"`
}

type outboundEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// encodeEvent serializes an outbound frame.
func encodeEvent(eventType string, payload any) ([]byte, error) {
	return json.Marshal(outboundEvent{Type: eventType, Payload: payload})
}

// isExpectedCloseError reports errors that only mean the peer or the server
// already tore the connection down.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
