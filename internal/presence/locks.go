package presence

import (
	"slices"
	"sync"
)

type refLock struct {
	mu   sync.Mutex
	refs int
}

// roomLocks hands out one mutex per room name. Locks are created on demand
// and dropped when nobody holds or waits for them.
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[string]*refLock)}
}

// lock acquires the locks of all given rooms in sorted order and returns the
// function that releases them. Empty names are ignored.
func (l *roomLocks) lock(rooms ...string) func() {
	keys := make([]string, 0, len(rooms))
	for _, room := range rooms {
		if room != "" {
			keys = append(keys, room)
		}
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)

	held := make([]*refLock, len(keys))
	l.mu.Lock()
	for i, key := range keys {
		rl, ok := l.locks[key]
		if !ok {
			rl = &refLock{}
			l.locks[key] = rl
		}
		rl.refs++
		held[i] = rl
	}
	l.mu.Unlock()

	for _, rl := range held {
		rl.mu.Lock()
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
		}
		l.mu.Lock()
		for i, key := range keys {
			held[i].refs--
			if held[i].refs == 0 {
				delete(l.locks, key)
			}
		}
		l.mu.Unlock()
	}
}

func (l *roomLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
