package server

import (
	"net/http"
	"strings"

	"github.com/Lina4Life/passionart-sub000/internal/presence"
)

// Identity is a user identity that was verified before the connection
// reached the chat server.
type Identity struct {
	UserID presence.UserID
	Name   string
}

// IdentitySource resolves the identity of an upgrade request. ok is false for
// anonymous connections.
type IdentitySource interface {
	Identify(r *http.Request) (id Identity, ok bool)
}

// Headers set by the authenticating proxy in front of the server.
const (
	HeaderUserID   = "X-User-Id"
	HeaderUserName = "X-User-Name"
)

// HeaderIdentity trusts the X-User-Id and X-User-Name headers. Use it only
// behind a proxy that strips these headers from client requests.
type HeaderIdentity struct{}

func (HeaderIdentity) Identify(r *http.Request) (Identity, bool) {
	id := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if id == "" {
		return Identity{}, false
	}
	return Identity{
		UserID: presence.UserID(id),
		Name:   strings.TrimSpace(r.Header.Get(HeaderUserName)),
	}, true
}

// Stats is the body of GET /stats.
type Stats struct {
	Connections int      `json:"connections"`
	Rooms       []string `json:"rooms"`
	RosterRooms []string `json:"rosterRooms"`
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
