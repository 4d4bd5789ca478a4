package presence

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrUnknownConnection is returned for operations on a connection id that
	// is not registered.
	ErrUnknownConnection = errors.New("presence: unknown connection")
	// ErrAlreadyRemoved is returned when a connection is removed twice.
	ErrAlreadyRemoved = errors.New("presence: connection already removed")
	// ErrDuplicateConnection is returned when a connection id is registered twice.
	ErrDuplicateConnection = errors.New("presence: connection already registered")
)

type entry struct {
	// mu serializes presence transitions of this connection.
	mu        sync.Mutex
	removed   atomic.Bool
	payload   Payload
	announced bool
}

// Registry is the authoritative table from connection id to the presence the
// connection last announced.
type Registry struct {
	mu    sync.RWMutex
	conns map[ConnID]*entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[ConnID]*entry)}
}

// Register adds an anonymous entry for id.
func (r *Registry) Register(id ConnID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[id]; exists {
		return ErrDuplicateConnection
	}
	r.conns[id] = &entry{}
	return nil
}

// SetPresence overwrites the payload of id and returns the previous one.
func (r *Registry) SetPresence(id ConnID, p Payload) (Payload, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return Payload{}, false, ErrUnknownConnection
	}
	prev, had := e.payload, e.announced
	e.payload, e.announced = p, true
	return prev, had, nil
}

// ClearPresence returns id to the anonymous state.
func (r *Registry) ClearPresence(id ConnID) (Payload, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return Payload{}, false, ErrUnknownConnection
	}
	prev, had := e.payload, e.announced
	e.payload, e.announced = Payload{}, false
	return prev, had, nil
}

// Remove deletes id and returns the payload it held. Removing an id that is
// no longer present returns ErrAlreadyRemoved.
func (r *Registry) Remove(id ConnID) (Payload, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return Payload{}, false, ErrAlreadyRemoved
	}
	delete(r.conns, id)
	e.removed.Store(true)
	return e.payload, e.announced, nil
}

// Get returns the presence of id. The boolean is false while the connection
// is still anonymous.
func (r *Registry) Get(id ConnID) (Payload, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[id]
	if !ok {
		return Payload{}, false, ErrUnknownConnection
	}
	return e.payload, e.announced, nil
}

// Lock acquires the transition lock of id. The returned function releases
// it. Lock fails with ErrAlreadyRemoved if the connection was removed while
// the caller was waiting.
func (r *Registry) Lock(id ConnID) (func(), error) {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownConnection
	}

	e.mu.Lock()
	if e.removed.Load() {
		e.mu.Unlock()
		return nil, ErrAlreadyRemoved
	}
	return e.mu.Unlock, nil
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
