// Package protocol defines the JSON frames exchanged with chat clients.
//
// Every frame is an Envelope: {"event": "...", "ref": "...", "data": {...}}.
// Ref is optional and chosen by the client; replies to a request carry it back.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Lina4Life/passionart-sub000/internal/presence"
)

// Client to server events.
const (
	EventJoinRoom    = "join-room"
	EventLeaveRoom   = "leave-room"
	EventUserOnline  = "user-online"
	EventSendMessage = "send-message"
	EventTyping      = "typing"
	EventLogout      = "logout"
)

// Server to client events not owned by another package.
const (
	EventAck   = "ack"
	EventError = "error"
)

// Error codes carried by ErrorReply.
const (
	CodeSenderUnknown     = "SenderUnknown"
	CodeUnknownConnection = "UnknownConnection"
	CodeBadRequest        = "BadRequest"
	CodeRateLimited       = "RateLimited"
	CodeUnknownEvent      = "UnknownEvent"
	CodeInternalError     = "InternalError"
)

// Envelope is the outer frame of every message.
type Envelope struct {
	Event string          `json:"event"`
	Ref   string          `json:"ref,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RoomRequest is the body of join-room, leave-room and typing.
type RoomRequest struct {
	Room string `json:"room"`
}

// SendMessageRequest is the body of send-message.
type SendMessageRequest struct {
	Room string `json:"room"`
	Body string `json:"body"`
	Kind string `json:"kind,omitempty"`
}

// UserOnlineRequest is the body of user-online.
type UserOnlineRequest = presence.Payload

// Ack acknowledges an accepted send-message.
type Ack struct {
	Ref string `json:"ref,omitempty"`
	ID  string `json:"id"`
}

// ErrorReply tells a client why one of its requests was rejected.
type ErrorReply struct {
	Code    string `json:"code"`
	Event   string `json:"event,omitempty"`
	Ref     string `json:"ref,omitempty"`
	Message string `json:"message"`
}

// ErrMalformedFrame is returned by Decode for frames that are not envelopes.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Encode builds the frame for event with data as its body.
func Encode(event string, data any) ([]byte, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: body})
}

// Decode parses a client frame.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrMalformedFrame)
	}
	return env, nil
}

// DecodeData unmarshals the body of env into v.
func DecodeData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s requires data", ErrMalformedFrame, env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedFrame, env.Event, err)
	}
	return nil
}
