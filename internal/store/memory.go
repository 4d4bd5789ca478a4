package store

import (
	"context"
	"sync"
	"time"

	"github.com/Lina4Life/passionart-sub000/internal/message"
)

const defaultHistorySize = 500

// Memory keeps the last size messages of every room.
type Memory struct {
	mu    sync.RWMutex
	size  int
	rooms map[string][]message.Message
}

// NewMemory creates a Memory store. A non-positive size uses the default.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = defaultHistorySize
	}
	return &Memory{size: size, rooms: make(map[string][]message.Message)}
}

func (m *Memory) Append(_ context.Context, msg message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := append(m.rooms[msg.Room], msg)
	if len(msgs) > m.size {
		msgs = append([]message.Message(nil), msgs[len(msgs)-m.size:]...)
	}
	m.rooms[msg.Room] = msgs
	return nil
}

func (m *Memory) ListRecent(_ context.Context, room string, limit int, before time.Time) ([]message.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.rooms[room]
	end := len(msgs)
	for end > 0 && !sentBefore(msgs[end-1], before) {
		end--
	}
	start := 0
	if limit > 0 && end-limit > start {
		start = end - limit
	}

	out := make([]message.Message, end-start)
	copy(out, msgs[start:end])
	return out, nil
}

func (m *Memory) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for room, msgs := range m.rooms {
		i := 0
		for i < len(msgs) && msgs[i].SentAt.Before(cutoff) {
			i++
		}
		if i == 0 {
			continue
		}
		deleted += int64(i)
		if i == len(msgs) {
			delete(m.rooms, room)
			continue
		}
		m.rooms[room] = append([]message.Message(nil), msgs[i:]...)
	}
	return deleted, nil
}

func (m *Memory) Close() error { return nil }
