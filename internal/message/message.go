// Package message stamps chat messages, fans them out to a room and hands
// them to the message store.
package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Lina4Life/passionart-sub000/internal/presence"
)

// Wire events emitted by the gateway.
const (
	EventNewMessage = "new-message"
	EventUserTyping = "user-typing"
)

var (
	// ErrSenderUnknown is returned when an anonymous connection sends text.
	ErrSenderUnknown = errors.New("message: sender has not announced presence")
	// ErrEmptyRoom is returned when a message names no room.
	ErrEmptyRoom = errors.New("message: room is required")
	// ErrEmptyBody is returned for text messages without a body.
	ErrEmptyBody = errors.New("message: body is required")
	// ErrInvalidKind is returned for kinds clients may not send.
	ErrInvalidKind = errors.New("message: invalid kind")
)

// Kind classifies a message.
type Kind string

const (
	KindText   Kind = "text"
	KindTyping Kind = "typing"
	KindSystem Kind = "system"
)

// ParseKind maps the kind field of a client request. An empty kind is text.
// System messages are server-originated only.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "", KindText:
		return KindText, nil
	case KindTyping:
		return KindTyping, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

// Event returns the wire event a message of kind k is broadcast as.
func (k Kind) Event() string {
	if k == KindTyping {
		return EventUserTyping
	}
	return EventNewMessage
}

// Sender identifies who sent a message. Both fields are empty for typing
// indicators from anonymous connections.
type Sender struct {
	UserID presence.UserID `json:"userId,omitempty"`
	Name   string          `json:"name,omitempty"`
}

// Message is an accepted chat message. It is not modified once stamped.
type Message struct {
	ID     string    `json:"id"`
	Room   string    `json:"room"`
	Sender Sender    `json:"sender"`
	Body   string    `json:"body"`
	Kind   Kind      `json:"kind"`
	SentAt time.Time `json:"sentAt"`
}

// Store persists messages and answers history queries.
type Store interface {
	Append(ctx context.Context, msg Message) error
	// ListRecent returns at most limit messages of room sent strictly before
	// before (or up to now when before is zero), oldest first.
	ListRecent(ctx context.Context, room string, limit int, before time.Time) ([]Message, error)
}
