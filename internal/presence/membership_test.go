package presence

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotUnknownRoom(t *testing.T) {
	m := NewMembership()

	got := m.Snapshot("nonexistent")
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestMembershipInsertionOrder(t *testing.T) {
	m := NewMembership()
	alice := Payload{UserID: "1", Name: "alice", Room: "general"}
	bob := Payload{UserID: "2", Name: "bob", Room: "general"}
	carol := Payload{UserID: "3", Name: "carol", Room: "general"}

	m.Add("general", "c1", alice)
	m.Add("general", "c2", bob)
	m.Add("general", "c3", carol)

	assert.Equal(t, []Payload{alice, bob, carol}, m.Snapshot("general"))

	m.Remove("general", "c2", bob)
	assert.Equal(t, []Payload{alice, carol}, m.Snapshot("general"))
}

func TestMembershipSameUserCollapses(t *testing.T) {
	m := NewMembership()
	alice := Payload{UserID: "1", Name: "alice", Room: "general"}

	assert.True(t, m.Add("general", "tab1", alice))
	assert.False(t, m.Add("general", "tab2", alice))
	assert.Equal(t, 1, m.Len("general"))

	// The entry stays until the user's last connection leaves.
	assert.False(t, m.Remove("general", "tab1", alice))
	assert.Equal(t, []Payload{alice}, m.Snapshot("general"))
	assert.True(t, m.Remove("general", "tab2", alice))
	assert.Empty(t, m.Rooms())
}

func TestMembershipAnonymousKeyedByConnection(t *testing.T) {
	m := NewMembership()
	guest := Payload{Name: "guest", Room: "general"}

	m.Add("general", "c1", guest)
	m.Add("general", "c2", guest)

	assert.Equal(t, []Payload{guest, guest}, m.Snapshot("general"))
	m.Remove("general", "c1", guest)
	assert.Equal(t, 1, m.Len("general"))
}

func TestMembershipRemoveIgnoresUnheldEntries(t *testing.T) {
	m := NewMembership()
	alice := Payload{UserID: "1", Name: "alice", Room: "general"}
	m.Add("general", "c1", alice)

	assert.False(t, m.Remove("general", "other", alice))
	assert.False(t, m.Remove("missing", "c1", alice))
	assert.Equal(t, 1, m.Len("general"))
}

func TestMembershipRenameUpdatesEntry(t *testing.T) {
	m := NewMembership()
	m.Add("general", "c1", Payload{UserID: "1", Name: "alice", Room: "general"})

	renamed := Payload{UserID: "1", Name: "alice2", Room: "general"}
	assert.True(t, m.Add("general", "c1", renamed))
	assert.Equal(t, []Payload{renamed}, m.Snapshot("general"))
}

func TestMembershipFallsBackToRemainingHolder(t *testing.T) {
	m := NewMembership()
	alice := Payload{UserID: "1", Name: "alice", Room: "general"}
	renamed := Payload{UserID: "1", Name: "alice-renamed", Room: "general"}

	m.Add("general", "tab1", alice)
	assert.True(t, m.Add("general", "tab2", renamed))
	assert.Equal(t, []Payload{renamed}, m.Snapshot("general"))

	assert.True(t, m.Remove("general", "tab2", renamed))
	assert.Equal(t, []Payload{alice}, m.Snapshot("general"))

	// Leaving the older holder does not change what is shown.
	m.Add("general", "tab2", renamed)
	assert.False(t, m.Remove("general", "tab1", alice))
	assert.Equal(t, []Payload{renamed}, m.Snapshot("general"))
}

func TestMembershipConcurrentAccess(t *testing.T) {
	m := NewMembership()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := ConnID(rune('a' + i))
			p := Payload{Name: string(id), Room: "general"}
			m.Add("general", id, p)
			_ = m.Snapshot("general")
			m.Remove("general", id, p)
		}(i)
	}
	wg.Wait()

	assert.Empty(t, m.Snapshot("general"))
	assert.Empty(t, m.Rooms())
}

func TestRoomLocksAreReleased(t *testing.T) {
	l := newRoomLocks()

	unlock := l.lock("b", "a", "", "a")
	assert.Equal(t, 2, l.size())
	unlock()
	assert.Equal(t, 0, l.size())
}
