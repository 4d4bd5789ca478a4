// Package presence tracks live connections, the presence they announce, and
// the per-room rosters derived from those announcements.
package presence

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ConnID identifies one live transport session. Ids are never reused.
type ConnID string

// UserID is the identifier supplied by the identity source. It is empty for
// anonymous and guest connections.
type UserID string

// UnmarshalJSON accepts both JSON strings and JSON numbers so clients that
// send numeric ids ({"userId": 1}) decode to the same value as "1".
func (u *UserID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*u = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*u = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("presence: userId must be a string or number: %w", err)
	}
	*u = UserID(n.String())
	return nil
}

// Payload is what a client announces to appear in a room's roster.
type Payload struct {
	UserID UserID `json:"userId,omitempty"`
	Name   string `json:"name"`
	Room   string `json:"room"`
}

// Anonymous reports whether the payload carries no user identity.
func (p Payload) Anonymous() bool {
	return p.UserID == ""
}

// Roster is the online-users list of one room as sent to clients.
type Roster struct {
	Room  string    `json:"room"`
	Users []Payload `json:"users"`
}

// EventOnlineUsers is the wire event carrying a Roster.
const EventOnlineUsers = "online-users"

// memberKey returns the roster identity of a payload: the user id when
// present, otherwise the connection that announced it.
func memberKey(conn ConnID, p Payload) string {
	if p.UserID != "" {
		return "u:" + string(p.UserID)
	}
	return "c:" + string(conn)
}
