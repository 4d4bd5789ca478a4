package server

import (
	"errors"
	"fmt"

	"github.com/Lina4Life/passionart-sub000/internal/message"
	"github.com/Lina4Life/passionart-sub000/internal/presence"
	"github.com/Lina4Life/passionart-sub000/internal/protocol"
	"github.com/Lina4Life/passionart-sub000/internal/router"
)

var (
	errUnknownEvent = errors.New("unknown event")
	errRateLimited  = errors.New("rate limit exceeded")
)

// dispatch decodes one client frame and runs the command it carries.
func (s *SessionServer) dispatch(c *Client, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		s.reject(c, env, err)
		return
	}

	switch env.Event {
	case protocol.EventJoinRoom:
		var req protocol.RoomRequest
		if err = protocol.DecodeData(env, &req); err == nil {
			err = s.coord.Join(c.id, req.Room)
		}

	case protocol.EventLeaveRoom:
		var req protocol.RoomRequest
		if err = protocol.DecodeData(env, &req); err == nil {
			err = s.coord.Leave(c.id, req.Room)
		}

	case protocol.EventUserOnline:
		var p protocol.UserOnlineRequest
		if err = protocol.DecodeData(env, &p); err == nil {
			err = s.coord.Announce(c.id, c.applyIdentity(p))
		}

	case protocol.EventSendMessage:
		err = s.sendMessage(c, env)

	case protocol.EventTyping:
		var req protocol.RoomRequest
		if err = protocol.DecodeData(env, &req); err == nil {
			_, err = s.gateway.Send(c.id, req.Room, "", message.KindTyping)
		}

	case protocol.EventLogout:
		c.log.Debug().Msg("logout")
		s.disconnect(c)
		return

	default:
		err = fmt.Errorf("%w: %q", errUnknownEvent, env.Event)
	}

	if err != nil {
		s.reject(c, env, err)
	}
}

func (s *SessionServer) sendMessage(c *Client, env protocol.Envelope) error {
	var req protocol.SendMessageRequest
	if err := protocol.DecodeData(env, &req); err != nil {
		return err
	}
	kind, err := message.ParseKind(req.Kind)
	if err != nil {
		return err
	}

	msg, err := s.gateway.Send(c.id, req.Room, req.Body, kind)
	if err != nil {
		return err
	}
	if kind == message.KindText {
		s.reply(c, protocol.EventAck, protocol.Ack{Ref: env.Ref, ID: msg.ID})
	}
	return nil
}

// applyIdentity overrides the announced user id and name with the identity
// verified at upgrade time.
func (c *Client) applyIdentity(p presence.Payload) presence.Payload {
	if !c.known {
		return p
	}
	p.UserID = c.identity.UserID
	if c.identity.Name != "" {
		p.Name = c.identity.Name
	}
	return p
}

// reject tells the client why its request failed.
func (s *SessionServer) reject(c *Client, env protocol.Envelope, err error) {
	code := errorCode(err)
	s.metrics.RecordRejection(code)

	if code == protocol.CodeUnknownConnection {
		// The connection is already gone; nobody is left to tell.
		c.log.Debug().Err(err).Str("event", env.Event).Msg("request from inactive connection")
		return
	}
	c.log.Debug().Err(err).Str("event", env.Event).Str("code", code).Msg("request rejected")

	s.reply(c, protocol.EventError, protocol.ErrorReply{
		Code:    code,
		Event:   env.Event,
		Ref:     env.Ref,
		Message: err.Error(),
	})
}

func (s *SessionServer) rejectRateLimited(c *Client) {
	s.reject(c, protocol.Envelope{}, errRateLimited)
}

// reply sends a frame to c alone. A client that cannot take it is dropped.
func (s *SessionServer) reply(c *Client, event string, data any) {
	err := s.router.SendTo(c.id, event, data)
	switch {
	case err == nil, errors.Is(err, router.ErrNotAttached):
	default:
		c.log.Warn().Err(err).Str("event", event).Msg("reply delivery failed")
		s.coord.Evict([]presence.ConnID{c.id})
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, message.ErrSenderUnknown):
		return protocol.CodeSenderUnknown
	case errors.Is(err, presence.ErrUnknownConnection),
		errors.Is(err, presence.ErrAlreadyRemoved),
		errors.Is(err, router.ErrNotAttached):
		return protocol.CodeUnknownConnection
	case errors.Is(err, protocol.ErrMalformedFrame),
		errors.Is(err, presence.ErrEmptyRoom),
		errors.Is(err, message.ErrEmptyRoom),
		errors.Is(err, message.ErrEmptyBody),
		errors.Is(err, message.ErrInvalidKind):
		return protocol.CodeBadRequest
	case errors.Is(err, errRateLimited):
		return protocol.CodeRateLimited
	case errors.Is(err, errUnknownEvent):
		return protocol.CodeUnknownEvent
	default:
		return protocol.CodeInternalError
	}
}
