package presence

import (
	"slices"
	"sync"
)

type holder struct {
	payload Payload
	seq     uint64
}

// member is one roster entry. Every connection holding it keeps its own
// announced payload; the entry shows the most recently announced one.
type member struct {
	holders map[ConnID]holder
}

func (mb *member) visible() Payload {
	var latest holder
	for _, h := range mb.holders {
		if h.seq >= latest.seq {
			latest = h
		}
	}
	return latest.payload
}

type roster struct {
	order   []string
	members map[string]*member
}

// Membership indexes the announced payloads of each room. Entries are keyed
// by roster identity and held by one or more connections; an entry leaves the
// roster with its last connection and a room is pruned once it is empty.
type Membership struct {
	mu    sync.RWMutex
	rooms map[string]*roster
	seq   uint64
}

// NewMembership creates an empty Membership.
func NewMembership() *Membership {
	return &Membership{rooms: make(map[string]*roster)}
}

// Add records that conn announced p in room. It reports whether the visible
// roster changed.
func (m *Membership) Add(room string, conn ConnID, p Payload) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[room]
	if !ok {
		r = &roster{members: make(map[string]*member)}
		m.rooms[room] = r
	}

	m.seq++
	key := memberKey(conn, p)
	if mb, ok := r.members[key]; ok {
		before := mb.visible()
		mb.holders[conn] = holder{payload: p, seq: m.seq}
		return mb.visible() != before
	}

	r.members[key] = &member{holders: map[ConnID]holder{conn: {payload: p, seq: m.seq}}}
	r.order = append(r.order, key)
	return true
}

// Remove drops the hold conn has on p's entry in room. When other connections
// still hold the entry it falls back to their latest payload. It reports
// whether the visible roster changed.
func (m *Membership) Remove(room string, conn ConnID, p Payload) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[room]
	if !ok {
		return false
	}
	key := memberKey(conn, p)
	mb, ok := r.members[key]
	if !ok {
		return false
	}
	if _, held := mb.holders[conn]; !held {
		return false
	}
	before := mb.visible()
	delete(mb.holders, conn)
	if len(mb.holders) > 0 {
		return mb.visible() != before
	}

	delete(r.members, key)
	if i := slices.Index(r.order, key); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
	if len(r.order) == 0 {
		delete(m.rooms, room)
	}
	return true
}

// Snapshot returns the roster of room in insertion order. Unknown rooms yield
// an empty, non-nil slice.
func (m *Membership) Snapshot(room string) []Payload {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[room]
	if !ok {
		return []Payload{}
	}
	out := make([]Payload, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.members[key].visible())
	}
	return out
}

// Len returns the number of roster entries in room.
func (m *Membership) Len(room string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if r, ok := m.rooms[room]; ok {
		return len(r.order)
	}
	return 0
}

// Rooms returns the names of all rooms with at least one entry.
func (m *Membership) Rooms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rooms := make([]string, 0, len(m.rooms))
	for name := range m.rooms {
		rooms = append(rooms, name)
	}
	slices.Sort(rooms)
	return rooms
}
