// Package store implements message history backends: a bounded in-memory
// ring per room, a SQLite table and Redis sorted sets.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Lina4Life/passionart-sub000/internal/message"
)

// Supported drivers.
const (
	DriverMemory = "memory"
	// DriverSQLite3 is github.com/mattn/go-sqlite3 (cgo).
	DriverSQLite3 = "sqlite3"
	// DriverSQLite is modernc.org/sqlite (pure Go).
	DriverSQLite = "sqlite"
	// DriverRedis is github.com/redis/go-redis/v9.
	DriverRedis = "redis"
)

// Config selects and tunes a backend.
type Config struct {
	Driver string
	// Path is the database file of the SQLite drivers.
	Path string
	// Addr is the Redis server address.
	Addr        string
	HistorySize int
	BusyTimeout time.Duration
}

// Backend is a message store that can also drop old messages.
type Backend interface {
	message.Store
	Pruner
	Close() error
}

// Pruner deletes messages sent before cutoff and reports how many it removed.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// New opens the backend named by cfg.Driver.
func New(cfg Config, logger zerolog.Logger) (Backend, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemory(cfg.HistorySize), nil
	case DriverSQLite3, DriverSQLite:
		s, err := NewSQLite(SQLiteConfig{
			Driver:      cfg.Driver,
			Path:        cfg.Path,
			BusyTimeout: cfg.BusyTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r, err := NewRedis(ctx, RedisConfig{Addr: cfg.Addr, HistorySize: cfg.HistorySize}, logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

func sentBefore(m message.Message, before time.Time) bool {
	return before.IsZero() || m.SentAt.Before(before)
}
