// Package router binds connections to named rooms and fans frames out to
// every subscriber of a room.
package router

import (
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Lina4Life/passionart-sub000/internal/metrics"
	"github.com/Lina4Life/passionart-sub000/internal/presence"
	"github.com/Lina4Life/passionart-sub000/internal/protocol"
)

var (
	// ErrNotAttached is returned when a connection has no attached transport.
	ErrNotAttached = errors.New("router: connection not attached")
	// ErrSendBufferFull is returned by subscribers that cannot queue a frame.
	ErrSendBufferFull = errors.New("router: send buffer full")
	// ErrSubscriberClosed is returned by subscribers whose transport is closed.
	ErrSubscriberClosed = errors.New("router: subscriber closed")
)

// Subscriber is the transport side of one connection.
type Subscriber interface {
	ID() presence.ConnID
	// Emit queues frame for delivery without blocking.
	Emit(frame []byte) error
	// Close shuts the transport down. It must be safe to call more than once.
	Close()
}

type channel struct {
	mu      sync.Mutex
	members map[presence.ConnID]Subscriber
	// dead is set once the channel is pruned from Router.rooms; a later
	// Join creates a fresh channel for the room.
	dead bool
}

// Router holds the structural room subscriptions of attached connections.
//
// Lock order is Router.mu before channel.mu. Deliveries to one room are made
// while holding that room's channel lock, so every subscriber receives the
// room's frames in a single order.
type Router struct {
	mu     sync.RWMutex
	subs   map[presence.ConnID]Subscriber
	joined map[presence.ConnID]map[string]struct{}
	rooms  map[string]*channel

	log     zerolog.Logger
	metrics *metrics.Collector
}

// New creates an empty Router.
func New(logger zerolog.Logger, m *metrics.Collector) *Router {
	return &Router{
		subs:    make(map[presence.ConnID]Subscriber),
		joined:  make(map[presence.ConnID]map[string]struct{}),
		rooms:   make(map[string]*channel),
		log:     logger.With().Str("module", "router").Logger(),
		metrics: m,
	}
}

// Attach makes sub available for room subscriptions.
func (r *Router) Attach(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs[sub.ID()] = sub
	if _, ok := r.joined[sub.ID()]; !ok {
		r.joined[sub.ID()] = make(map[string]struct{})
	}
}

// Detach unsubscribes id from every room and forgets its transport. It
// returns the rooms the connection was subscribed to.
func (r *Router) Detach(id presence.ConnID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := make([]string, 0, len(r.joined[id]))
	for room := range r.joined[id] {
		r.unsubscribeLocked(id, room)
		rooms = append(rooms, room)
	}
	delete(r.joined, id)
	delete(r.subs, id)
	r.metrics.SetRooms(len(r.rooms))

	slices.Sort(rooms)
	return rooms
}

// Join subscribes id to room. Joining a room twice is a no-op.
func (r *Router) Join(id presence.ConnID, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return ErrNotAttached
	}
	if _, already := r.joined[id][room]; already {
		return nil
	}

	ch, ok := r.rooms[room]
	if !ok {
		ch = &channel{members: make(map[presence.ConnID]Subscriber)}
		r.rooms[room] = ch
	}
	ch.mu.Lock()
	ch.members[id] = sub
	ch.mu.Unlock()
	r.joined[id][room] = struct{}{}
	r.metrics.SetRooms(len(r.rooms))

	r.log.Debug().Str("conn", string(id)).Str("room", room).Msg("joined")
	return nil
}

// Leave unsubscribes id from room and reports whether it was subscribed.
func (r *Router) Leave(id presence.ConnID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.joined[id][room]; !ok {
		return false
	}
	r.unsubscribeLocked(id, room)
	delete(r.joined[id], room)
	r.metrics.SetRooms(len(r.rooms))

	r.log.Debug().Str("conn", string(id)).Str("room", room).Msg("left")
	return true
}

// unsubscribeLocked must be called with r.mu held.
func (r *Router) unsubscribeLocked(id presence.ConnID, room string) {
	ch, ok := r.rooms[room]
	if !ok {
		return
	}
	ch.mu.Lock()
	delete(ch.members, id)
	empty := len(ch.members) == 0
	if empty {
		ch.dead = true
	}
	ch.mu.Unlock()
	if empty {
		delete(r.rooms, room)
	}
}

// Broadcast delivers event to every subscriber of room except exclude.
// Subscribers that fail to accept the frame are unsubscribed from all rooms,
// closed, and returned so the caller can run their disconnect transition.
func (r *Router) Broadcast(room, event string, data any, exclude presence.ConnID) []presence.ConnID {
	return r.Publish(room, exclude, func() (string, any) { return event, data })
}

// Publish is Broadcast with the frame built by build while the room is
// locked. Frames published to the same room are built and delivered in the
// same order. build runs even when the room has no subscribers.
func (r *Router) Publish(room string, exclude presence.ConnID, build func() (string, any)) []presence.ConnID {
	ch := r.lockChannel(room)
	if ch == nil {
		build()
		return nil
	}

	event, data := build()
	frame, err := protocol.Encode(event, data)
	if err != nil {
		ch.mu.Unlock()
		r.log.Error().Err(err).Str("room", room).Str("event", event).Msg("broadcast encode failed")
		return nil
	}
	delivered, failed := r.deliverLocked(ch, frame, exclude)
	ch.mu.Unlock()

	r.metrics.RecordBroadcast(event, delivered, len(failed))
	r.log.Debug().Str("room", room).Str("event", event).Int("sent_to", delivered).Int("dropped", len(failed)).Msg("broadcast")

	if len(failed) == 0 {
		return nil
	}
	return r.drop(failed)
}

// lockChannel returns room's current channel with its lock held, or nil when
// the room has no subscribers. A channel pruned between the lookup and the
// lock is skipped in favour of the room's replacement.
func (r *Router) lockChannel(room string) *channel {
	for {
		r.mu.RLock()
		ch := r.rooms[room]
		r.mu.RUnlock()
		if ch == nil {
			return nil
		}

		ch.mu.Lock()
		if !ch.dead {
			return ch
		}
		ch.mu.Unlock()
	}
}

// deliverLocked must be called with ch.mu held. Failed subscribers are
// removed from ch before it returns.
func (r *Router) deliverLocked(ch *channel, frame []byte, exclude presence.ConnID) (int, []Subscriber) {
	delivered := 0
	var failed []Subscriber
	for id, sub := range ch.members {
		if exclude != "" && id == exclude {
			continue
		}
		if err := sub.Emit(frame); err != nil {
			r.log.Warn().Str("conn", string(id)).Err(err).Msg("delivery failed")
			failed = append(failed, sub)
			continue
		}
		delivered++
	}
	for _, sub := range failed {
		delete(ch.members, sub.ID())
	}
	return delivered, failed
}

// drop detaches and closes subscribers whose delivery failed.
func (r *Router) drop(failed []Subscriber) []presence.ConnID {
	ids := make([]presence.ConnID, 0, len(failed))
	for _, sub := range failed {
		r.mu.Lock()
		if current, ok := r.subs[sub.ID()]; ok && current == sub {
			for room := range r.joined[sub.ID()] {
				r.unsubscribeLocked(sub.ID(), room)
			}
			delete(r.joined, sub.ID())
			delete(r.subs, sub.ID())
		}
		r.mu.Unlock()

		sub.Close()
		ids = append(ids, sub.ID())
	}

	r.mu.RLock()
	r.metrics.SetRooms(len(r.rooms))
	r.mu.RUnlock()
	return ids
}

// SendTo delivers event to a single connection.
func (r *Router) SendTo(id presence.ConnID, event string, data any) error {
	r.mu.RLock()
	sub, ok := r.subs[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNotAttached
	}

	frame, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}
	if err := sub.Emit(frame); err != nil {
		r.drop([]Subscriber{sub})
		return err
	}
	return nil
}

// Members returns the ids subscribed to room, sorted.
func (r *Router) Members(room string) []presence.ConnID {
	r.mu.RLock()
	ch := r.rooms[room]
	r.mu.RUnlock()
	if ch == nil {
		return []presence.ConnID{}
	}

	ch.mu.Lock()
	ids := make([]presence.ConnID, 0, len(ch.members))
	for id := range ch.members {
		ids = append(ids, id)
	}
	ch.mu.Unlock()

	slices.Sort(ids)
	return ids
}

// Subscribed returns the rooms id is subscribed to, sorted.
func (r *Router) Subscribed(id presence.ConnID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]string, 0, len(r.joined[id]))
	for room := range r.joined[id] {
		rooms = append(rooms, room)
	}
	slices.Sort(rooms)
	return rooms
}

// Rooms returns the names of rooms with at least one subscriber, sorted.
func (r *Router) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]string, 0, len(r.rooms))
	for room := range r.rooms {
		rooms = append(rooms, room)
	}
	slices.Sort(rooms)
	return rooms
}
