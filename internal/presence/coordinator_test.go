package presence_test

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lina4Life/passionart-sub000/internal/presence"
	"github.com/Lina4Life/passionart-sub000/internal/protocol"
	"github.com/Lina4Life/passionart-sub000/internal/router"
)

type recorder struct {
	id     presence.ConnID
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

func (r *recorder) ID() presence.ConnID { return r.id }

func (r *recorder) Emit(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return router.ErrSubscriberClosed
	}
	if r.fail {
		return router.ErrSendBufferFull
	}
	r.frames = append(r.frames, frame)
	return nil
}

func (r *recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// rosters returns every online-users payload received so far.
func (r *recorder) rosters(t *testing.T) []presence.Roster {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []presence.Roster
	for _, frame := range r.frames {
		env, err := protocol.Decode(frame)
		require.NoError(t, err)
		if env.Event != presence.EventOnlineUsers {
			continue
		}
		var roster presence.Roster
		require.NoError(t, json.Unmarshal(env.Data, &roster))
		out = append(out, roster)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
}

type harness struct {
	coord  *presence.Coordinator
	router *router.Router
	reg    *presence.Registry
}

func newHarness() *harness {
	rt := router.New(zerolog.Nop(), nil)
	reg := presence.NewRegistry()
	return &harness{
		coord:  presence.NewCoordinator(reg, presence.NewMembership(), rt, zerolog.Nop(), nil),
		router: rt,
		reg:    reg,
	}
}

func (h *harness) connect(t *testing.T, id string) *recorder {
	t.Helper()
	rec := &recorder{id: presence.ConnID(id)}
	h.router.Attach(rec)
	require.NoError(t, h.coord.Connect(rec.id))
	return rec
}

func names(r presence.Roster) []string {
	out := make([]string, 0, len(r.Users))
	for _, u := range r.Users {
		out = append(out, u.Name)
	}
	return out
}

func TestJoinAndRoster(t *testing.T) {
	h := newHarness()
	a := h.connect(t, "a")
	b := h.connect(t, "b")

	require.NoError(t, h.coord.Announce("a", presence.Payload{UserID: "1", Name: "alice", Room: "general"}))
	require.NoError(t, h.coord.Announce("b", presence.Payload{UserID: "2", Name: "bob", Room: "general"}))

	aRosters := a.rosters(t)
	require.Len(t, aRosters, 2)
	assert.Equal(t, []string{"alice"}, names(aRosters[0]))
	assert.Equal(t, []string{"alice", "bob"}, names(aRosters[1]))

	bRosters := b.rosters(t)
	require.Len(t, bRosters, 1)
	assert.Equal(t, "general", bRosters[0].Room)
	assert.Equal(t, []string{"alice", "bob"}, names(bRosters[0]))
}

func TestDisconnectCleansRoster(t *testing.T) {
	h := newHarness()
	a := h.connect(t, "a")
	h.connect(t, "b")
	require.NoError(t, h.coord.Announce("a", presence.Payload{UserID: "1", Name: "alice", Room: "general"}))
	require.NoError(t, h.coord.Announce("b", presence.Payload{UserID: "2", Name: "bob", Room: "general"}))
	a.reset()

	assert.True(t, h.coord.Disconnect("b"))

	rosters := a.rosters(t)
	require.Len(t, rosters, 1)
	assert.Equal(t, []string{"alice"}, names(rosters[0]))
	assert.Equal(t, []string{"alice"}, names(h.coord.Roster("general")))
}

func TestDuplicateDisconnectIsNoop(t *testing.T) {
	h := newHarness()
	a := h.connect(t, "a")
	h.connect(t, "b")
	require.NoError(t, h.coord.Announce("a", presence.Payload{UserID: "1", Name: "alice", Room: "general"}))
	require.NoError(t, h.coord.Announce("b", presence.Payload{UserID: "2", Name: "bob", Room: "general"}))

	assert.True(t, h.coord.Disconnect("b"))
	a.reset()
	assert.False(t, h.coord.Disconnect("b"))

	assert.Empty(t, a.rosters(t))
}

func TestConcurrentDisconnectRunsOnce(t *testing.T) {
	h := newHarness()
	a := h.connect(t, "a")
	h.connect(t, "b")
	require.NoError(t, h.coord.Announce("a", presence.Payload{UserID: "1", Name: "alice", Room: "general"}))
	require.NoError(t, h.coord.Announce("b", presence.Payload{UserID: "2", Name: "bob", Room: "general"}))
	a.reset()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.coord.Disconnect("b") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Len(t, a.rosters(t), 1)
}

func TestAnnounceMovesBetweenRooms(t *testing.T) {
	h := newHarness()
	a := h.connect(t, "a")
	b := h.connect(t, "b")
	require.NoError(t, h.coord.Announce("b", presence.Payload{UserID: "2", Name: "bob", Room: "general"}))
	require.NoError(t, h.coord.Announce("a", presence.Payload{UserID: "1", Name: "alice", Room: "general"}))
	b.reset()

	require.NoError(t, h.coord.Announce("a", presence.Payload{UserID: "1", Name: "alice", Room: "random"}))

	bRosters := b.rosters(t)
	require.Len(t, bRosters, 1)
	assert.Equal(t, "general", bRosters[0].Room)
	assert.Equal(t, []string{"bob"}, names(bRosters[0]))

	assert.Equal(t, []string{"alice"}, names(h.coord.Roster("random")))
	last := a.rosters(t)
	assert.Equal(t, "random", last[len(last)-1].Room)
}

func TestAnnounceRequiresRoom(t *testing.T) {
	h := newHarness()
	h.connect(t, "a")
	assert.ErrorIs(t, h.coord.Announce("a", presence.Payload{Name: "alice"}), presence.ErrEmptyRoom)
	assert.ErrorIs(t, h.coord.Join("a", ""), presence.ErrEmptyRoom)
}

func TestOperationsAfterDisconnectAreIgnored(t *testing.T) {
	h := newHarness()
	h.connect(t, "a")
	require.True(t, h.coord.Disconnect("a"))

	err := h.coord.Announce("a", presence.Payload{Name: "alice", Room: "general"})
	assert.ErrorIs(t, err, presence.ErrUnknownConnection)
	assert.Empty(t, h.coord.Roster("general").Users)
}

func TestJoinSendsRosterSnapshot(t *testing.T) {
	h := newHarness()
	h.connect(t, "a")
	b := h.connect(t, "b")
	require.NoError(t, h.coord.Announce("a", presence.Payload{UserID: "1", Name: "alice", Room: "general"}))

	require.NoError(t, h.coord.Join("b", "general"))

	rosters := b.rosters(t)
	require.Len(t, rosters, 1)
	assert.Equal(t, []string{"alice"}, names(rosters[0]))
	// A bare join does not put the joiner into the roster.
	assert.Equal(t, []string{"alice"}, names(h.coord.Roster("general")))
	assert.Equal(t, []string{"general"}, h.router.Subscribed("b"))
}

func TestLeaveWithdrawsPresence(t *testing.T) {
	h := newHarness()
	a := h.connect(t, "a")
	h.connect(t, "b")
	require.NoError(t, h.coord.Announce("a", presence.Payload{UserID: "1", Name: "alice", Room: "general"}))
	require.NoError(t, h.coord.Announce("b", presence.Payload{UserID: "2", Name: "bob", Room: "general"}))
	a.reset()

	require.NoError(t, h.coord.Leave("b", "general"))

	rosters := a.rosters(t)
	require.Len(t, rosters, 1)
	assert.Equal(t, []string{"alice"}, names(rosters[0]))
	_, announced, err := h.reg.Get("b")
	require.NoError(t, err)
	assert.False(t, announced)
}

func TestFailedRecipientIsEvicted(t *testing.T) {
	h := newHarness()
	a := h.connect(t, "a")
	b := h.connect(t, "b")
	require.NoError(t, h.coord.Announce("a", presence.Payload{UserID: "1", Name: "alice", Room: "general"}))
	require.NoError(t, h.coord.Announce("b", presence.Payload{UserID: "2", Name: "bob", Room: "general"}))
	a.reset()

	b.mu.Lock()
	b.fail = true
	b.mu.Unlock()
	h.connect(t, "c")
	require.NoError(t, h.coord.Announce("c", presence.Payload{UserID: "3", Name: "carol", Room: "general"}))

	assert.Equal(t, []string{"alice", "carol"}, names(h.coord.Roster("general")))
	rosters := a.rosters(t)
	require.NotEmpty(t, rosters)
	assert.Equal(t, []string{"alice", "carol"}, names(rosters[len(rosters)-1]))
	assert.Equal(t, 2, h.reg.Len())
}

func TestSameUserAcrossTabs(t *testing.T) {
	h := newHarness()
	h.connect(t, "tab1")
	h.connect(t, "tab2")
	alice := presence.Payload{UserID: "1", Name: "alice", Room: "general"}
	require.NoError(t, h.coord.Announce("tab1", alice))
	require.NoError(t, h.coord.Announce("tab2", alice))

	assert.Len(t, h.coord.Roster("general").Users, 1)
	h.coord.Disconnect("tab1")
	assert.Len(t, h.coord.Roster("general").Users, 1)
	h.coord.Disconnect("tab2")
	assert.Empty(t, h.coord.Roster("general").Users)
}

func TestSameUserTabLeavingRestoresRemainingName(t *testing.T) {
	h := newHarness()
	tab1 := h.connect(t, "tab1")
	h.connect(t, "tab2")
	require.NoError(t, h.coord.Announce("tab1", presence.Payload{UserID: "1", Name: "alice", Room: "general"}))
	require.NoError(t, h.coord.Announce("tab2", presence.Payload{UserID: "1", Name: "alice-renamed", Room: "general"}))
	assert.Equal(t, []string{"alice-renamed"}, names(h.coord.Roster("general")))
	tab1.reset()

	assert.True(t, h.coord.Disconnect("tab2"))

	assert.Equal(t, []string{"alice"}, names(h.coord.Roster("general")))
	rosters := tab1.rosters(t)
	require.Len(t, rosters, 1)
	assert.Equal(t, []string{"alice"}, names(rosters[0]))
}
