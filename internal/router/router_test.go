package router

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lina4Life/passionart-sub000/internal/presence"
	"github.com/Lina4Life/passionart-sub000/internal/protocol"
)

type fakeSub struct {
	id     presence.ConnID
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

func newFakeSub(id string) *fakeSub {
	return &fakeSub{id: presence.ConnID(id)}
}

func (f *fakeSub) ID() presence.ConnID { return f.id }

func (f *fakeSub) Emit(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrSubscriberClosed
	}
	if f.fail {
		return ErrSendBufferFull
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSub) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSub) events(t *testing.T) []protocol.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]protocol.Envelope, 0, len(f.frames))
	for _, frame := range f.frames {
		env, err := protocol.Decode(frame)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func (f *fakeSub) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestRouter(subs ...*fakeSub) *Router {
	r := New(zerolog.Nop(), nil)
	for _, s := range subs {
		r.Attach(s)
	}
	return r
}

func TestJoinRequiresAttach(t *testing.T) {
	r := newTestRouter()
	assert.ErrorIs(t, r.Join("ghost", "general"), ErrNotAttached)
}

func TestJoinIsIdempotent(t *testing.T) {
	a := newFakeSub("a")
	r := newTestRouter(a)

	require.NoError(t, r.Join("a", "general"))
	require.NoError(t, r.Join("a", "general"))

	assert.Equal(t, []presence.ConnID{"a"}, r.Members("general"))
	assert.Equal(t, []string{"general"}, r.Subscribed("a"))
}

func TestJoinDoesNotLeavePreviousRoom(t *testing.T) {
	a := newFakeSub("a")
	r := newTestRouter(a)

	require.NoError(t, r.Join("a", "general"))
	require.NoError(t, r.Join("a", "random"))

	assert.Equal(t, []string{"general", "random"}, r.Subscribed("a"))
}

func TestLeavePrunesEmptyRoom(t *testing.T) {
	a := newFakeSub("a")
	r := newTestRouter(a)
	require.NoError(t, r.Join("a", "general"))

	assert.True(t, r.Leave("a", "general"))
	assert.False(t, r.Leave("a", "general"))
	assert.Empty(t, r.Rooms())
	assert.Empty(t, r.Members("general"))
}

func TestBroadcastExcludesSender(t *testing.T) {
	a, b, c := newFakeSub("a"), newFakeSub("b"), newFakeSub("c")
	r := newTestRouter(a, b, c)
	for _, id := range []presence.ConnID{"a", "b"} {
		require.NoError(t, r.Join(id, "general"))
	}
	require.NoError(t, r.Join("c", "random"))

	dropped := r.Broadcast("general", "new-message", map[string]string{"body": "hi"}, "a")

	assert.Empty(t, dropped)
	assert.Empty(t, a.events(t))
	require.Len(t, b.events(t), 1)
	assert.Equal(t, "new-message", b.events(t)[0].Event)
	assert.Empty(t, c.events(t))
}

func TestBroadcastToUnknownRoom(t *testing.T) {
	r := newTestRouter()
	assert.Empty(t, r.Broadcast("nowhere", "new-message", nil, ""))
}

func TestBroadcastCompletenessUnderPartialFailure(t *testing.T) {
	const n, m = 10, 3

	subs := make([]*fakeSub, n)
	for i := range subs {
		subs[i] = newFakeSub(fmt.Sprintf("c%02d", i))
		subs[i].fail = i < m
	}
	r := newTestRouter(subs...)
	for _, s := range subs {
		require.NoError(t, r.Join(s.id, "general"))
		require.NoError(t, r.Join(s.id, "random"))
	}

	dropped := r.Broadcast("general", "new-message", "hello", "")

	require.Len(t, dropped, m)
	for i, s := range subs {
		if i < m {
			assert.Contains(t, dropped, s.id)
			assert.True(t, s.isClosed(), "failed subscriber %s should be closed", s.id)
			assert.Empty(t, r.Subscribed(s.id))
			continue
		}
		assert.Len(t, s.events(t), 1, "healthy subscriber %s should receive the frame", s.id)
	}
	assert.Len(t, r.Members("general"), n-m)
	assert.Len(t, r.Members("random"), n-m)
}

func TestPublishPreservesPerRoomOrder(t *testing.T) {
	a, b := newFakeSub("a"), newFakeSub("b")
	r := newTestRouter(a, b)
	require.NoError(t, r.Join("a", "general"))
	require.NoError(t, r.Join("b", "general"))

	var (
		wg   sync.WaitGroup
		seqM sync.Mutex
		seq  int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Publish("general", "", func() (string, any) {
				seqM.Lock()
				defer seqM.Unlock()
				seq++
				return "new-message", seq
			})
		}()
	}
	wg.Wait()

	for _, s := range []*fakeSub{a, b} {
		events := s.events(t)
		require.Len(t, events, 50)
		for i, env := range events {
			var got int
			require.NoError(t, json.Unmarshal(env.Data, &got))
			assert.Equal(t, i+1, got)
		}
	}
}

func TestPublishBuildsWithoutSubscribers(t *testing.T) {
	r := newTestRouter()
	built := false
	r.Publish("empty", "", func() (string, any) {
		built = true
		return "new-message", nil
	})
	assert.True(t, built)
}

func TestPublishSkipsPrunedChannel(t *testing.T) {
	a, b := newFakeSub("a"), newFakeSub("b")
	r := newTestRouter(a, b)
	require.NoError(t, r.Join("a", "general"))

	// Hold the room while a publish is in flight, then prune it and let b
	// recreate it before the publish gets the lock.
	stale := r.rooms["general"]
	stale.mu.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Broadcast("general", "new-message", "hello", "")
	}()
	time.Sleep(20 * time.Millisecond)

	r.mu.Lock()
	delete(stale.members, "a")
	stale.dead = true
	delete(r.rooms, "general")
	delete(r.joined["a"], "general")
	r.mu.Unlock()
	require.NoError(t, r.Join("b", "general"))
	stale.mu.Unlock()

	<-done
	require.Len(t, b.events(t), 1)
	assert.Empty(t, a.events(t))
	assert.NotSame(t, stale, r.rooms["general"])
}

func TestLeaveMarksPrunedChannelDead(t *testing.T) {
	a := newFakeSub("a")
	r := newTestRouter(a)
	require.NoError(t, r.Join("a", "general"))
	ch := r.rooms["general"]

	r.Leave("a", "general")
	assert.True(t, ch.dead)
}

func TestSendToDropsFailingSubscriber(t *testing.T) {
	a := newFakeSub("a")
	a.fail = true
	r := newTestRouter(a)
	require.NoError(t, r.Join("a", "general"))

	err := r.SendTo("a", "online-users", nil)

	assert.ErrorIs(t, err, ErrSendBufferFull)
	assert.True(t, a.isClosed())
	assert.ErrorIs(t, r.SendTo("a", "online-users", nil), ErrNotAttached)
}

func TestDetach(t *testing.T) {
	a, b := newFakeSub("a"), newFakeSub("b")
	r := newTestRouter(a, b)
	require.NoError(t, r.Join("a", "general"))
	require.NoError(t, r.Join("a", "random"))
	require.NoError(t, r.Join("b", "general"))

	assert.Equal(t, []string{"general", "random"}, r.Detach("a"))
	assert.Equal(t, []string{"general"}, r.Rooms())
	assert.Empty(t, r.Detach("a"))
}
