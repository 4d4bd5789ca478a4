package presence

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/Lina4Life/passionart-sub000/internal/metrics"
)

// ErrEmptyRoom is returned when a presence payload or join names no room.
var ErrEmptyRoom = errors.New("presence: room is required")

// Router is the subset of the room router the coordinator drives.
type Router interface {
	Join(id ConnID, room string) error
	Leave(id ConnID, room string) bool
	Detach(id ConnID) []string
	Broadcast(room, event string, data any, exclude ConnID) []ConnID
	SendTo(id ConnID, event string, data any) error
}

// Coordinator runs the per-connection presence state machine
// Anonymous -> Announced(room) -> Gone and keeps every affected room's
// roster broadcast in step with the membership index.
//
// Transitions of one connection are serialized by the registry's connection
// lock. Roster mutations and the roster broadcast that follows them happen
// under the room's lock, so no subscriber sees a snapshot taken between a
// change and its broadcast. Recipients dropped by those broadcasts are
// disconnected after all locks are released.
type Coordinator struct {
	registry *Registry
	members  *Membership
	router   Router
	locks    *roomLocks
	log      zerolog.Logger
	metrics  *metrics.Collector
}

// NewCoordinator wires a coordinator over the given registry, membership
// index and router.
func NewCoordinator(registry *Registry, members *Membership, router Router, logger zerolog.Logger, m *metrics.Collector) *Coordinator {
	return &Coordinator{
		registry: registry,
		members:  members,
		router:   router,
		locks:    newRoomLocks(),
		log:      logger.With().Str("module", "presence.coordinator").Logger(),
		metrics:  m,
	}
}

// Connect registers id as an anonymous connection.
func (c *Coordinator) Connect(id ConnID) error {
	if err := c.registry.Register(id); err != nil {
		return err
	}
	c.metrics.SetConnections(c.registry.Len())
	return nil
}

// Announce moves id to Announced(p.Room). A connection that was announced in
// another room leaves that room's roster and both rooms receive an update.
// Announcing also subscribes the connection to p.Room.
func (c *Coordinator) Announce(id ConnID, p Payload) error {
	if p.Room == "" {
		return ErrEmptyRoom
	}

	release, err := c.registry.Lock(id)
	if err != nil {
		c.log.Debug().Str("conn", string(id)).Err(err).Msg("announce for inactive connection ignored")
		return err
	}

	prev, hadPrev, err := c.registry.Get(id)
	if err != nil {
		release()
		return err
	}
	rooms := []string{p.Room}
	if hadPrev && prev.Room != p.Room {
		rooms = append(rooms, prev.Room)
	}

	unlock := c.locks.lock(rooms...)
	if _, _, err := c.registry.SetPresence(id, p); err != nil {
		unlock()
		release()
		return err
	}
	if hadPrev {
		c.members.Remove(prev.Room, id, prev)
	}
	c.members.Add(p.Room, id, p)
	if err := c.router.Join(id, p.Room); err != nil {
		c.log.Debug().Str("conn", string(id)).Str("room", p.Room).Err(err).Msg("implicit join failed")
	}

	var dropped []ConnID
	if hadPrev && prev.Room != p.Room {
		dropped = append(dropped, c.broadcastRoster(prev.Room)...)
	}
	dropped = append(dropped, c.broadcastRoster(p.Room)...)
	unlock()
	release()

	c.log.Debug().Str("conn", string(id)).Str("room", p.Room).Str("user", string(p.UserID)).Msg("presence announced")
	c.Evict(dropped)
	return nil
}

// Join subscribes id to room and sends it the room's current roster.
func (c *Coordinator) Join(id ConnID, room string) error {
	if room == "" {
		return ErrEmptyRoom
	}

	release, err := c.registry.Lock(id)
	if err != nil {
		c.log.Debug().Str("conn", string(id)).Err(err).Msg("join for inactive connection ignored")
		return err
	}
	if err := c.router.Join(id, room); err != nil {
		release()
		return err
	}

	unlock := c.locks.lock(room)
	roster := Roster{Room: room, Users: c.members.Snapshot(room)}
	sendErr := c.router.SendTo(id, EventOnlineUsers, roster)
	unlock()
	release()

	if sendErr != nil {
		c.log.Warn().Str("conn", string(id)).Err(sendErr).Msg("roster delivery to joiner failed")
		c.Evict([]ConnID{id})
	}
	return nil
}

// Leave unsubscribes id from room. If id is announced in room its presence is
// withdrawn and the room's roster is rebroadcast.
func (c *Coordinator) Leave(id ConnID, room string) error {
	release, err := c.registry.Lock(id)
	if err != nil {
		c.log.Debug().Str("conn", string(id)).Err(err).Msg("leave for inactive connection ignored")
		return err
	}

	c.router.Leave(id, room)

	p, announced, err := c.registry.Get(id)
	if err != nil || !announced || p.Room != room {
		release()
		return err
	}

	unlock := c.locks.lock(room)
	var dropped []ConnID
	if _, _, err := c.registry.ClearPresence(id); err == nil {
		c.members.Remove(room, id, p)
		dropped = c.broadcastRoster(room)
	}
	unlock()
	release()

	c.Evict(dropped)
	return nil
}

// Disconnect moves id to Gone. It runs the transition at most once per
// connection and reports whether this call did so; repeated or late calls
// are no-ops and broadcast nothing.
func (c *Coordinator) Disconnect(id ConnID) bool {
	release, err := c.registry.Lock(id)
	if err != nil {
		c.log.Debug().Str("conn", string(id)).Err(err).Msg("disconnect ignored")
		return false
	}

	p, announced, err := c.registry.Get(id)
	if err != nil {
		release()
		return false
	}

	unlock := func() {}
	if announced {
		unlock = c.locks.lock(p.Room)
	}
	if _, _, err := c.registry.Remove(id); err != nil {
		unlock()
		release()
		c.log.Debug().Str("conn", string(id)).Err(err).Msg("disconnect ignored")
		return false
	}
	c.router.Detach(id)

	var dropped []ConnID
	if announced {
		c.members.Remove(p.Room, id, p)
		dropped = c.broadcastRoster(p.Room)
	}
	unlock()
	release()

	c.metrics.SetConnections(c.registry.Len())
	c.log.Debug().Str("conn", string(id)).Str("room", p.Room).Msg("connection gone")
	c.Evict(dropped)
	return true
}

// Evict disconnects connections whose transport failed during a broadcast.
func (c *Coordinator) Evict(ids []ConnID) {
	for _, id := range ids {
		if c.Disconnect(id) {
			c.log.Warn().Str("conn", string(id)).Msg("subscriber dropped after delivery failure")
		}
	}
}

// Roster returns the current roster of room.
func (c *Coordinator) Roster(room string) Roster {
	return Roster{Room: room, Users: c.members.Snapshot(room)}
}

// broadcastRoster must be called with room's lock held.
func (c *Coordinator) broadcastRoster(room string) []ConnID {
	c.metrics.RecordRosterUpdate()
	roster := Roster{Room: room, Users: c.members.Snapshot(room)}
	return c.router.Broadcast(room, EventOnlineUsers, roster, "")
}
