package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"slices"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/Lina4Life/passionart-sub000/internal/message"
	"github.com/Lina4Life/passionart-sub000/internal/presence"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id        TEXT PRIMARY KEY,
		room      TEXT NOT NULL,
		user_id   TEXT NOT NULL DEFAULT '',
		user_name TEXT NOT NULL DEFAULT '',
		body      TEXT NOT NULL,
		kind      TEXT NOT NULL,
		sent_at   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_room_sent_at ON messages (room, sent_at)`,
}

const (
	insertMessage = `INSERT INTO messages (id, room, user_id, user_name, body, kind, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	selectRecent = `SELECT id, room, user_id, user_name, body, kind, sent_at FROM messages
		WHERE room = ? AND sent_at < ?
		ORDER BY sent_at DESC, id DESC
		LIMIT ?`
	deleteBefore = `DELETE FROM messages WHERE sent_at < ?`
)

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	// Driver is DriverSQLite3 or DriverSQLite.
	Driver string
	// Path is the database file. ":memory:" keeps the table in memory.
	Path string
	// BusyTimeout is how long to wait for a locked database.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// SQLite stores messages in a single table indexed by room and send time.
type SQLite struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSQLite opens the database at cfg.Path and creates the schema.
func NewSQLite(cfg SQLiteConfig, logger zerolog.Logger) (*SQLite, error) {
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite3
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: sqlite path cannot be empty")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	db, err := sql.Open(cfg.Driver, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Path, err)
	}
	// One connection keeps writes serialized and ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	s := &SQLite{
		db:  db,
		log: logger.With().Str("module", "store.sqlite").Logger(),
	}
	if err := s.initialize(cfg); err != nil {
		db.Close()
		return nil, err
	}

	s.log.Info().Str("driver", cfg.Driver).Str("path", cfg.Path).Msg("sqlite store initialized")
	return s, nil
}

func (s *SQLite) initialize(cfg SQLiteConfig) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeout.Milliseconds()),
	}
	for _, stmt := range append(pragmas, schema...) {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: initialize: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Append(ctx context.Context, msg message.Message) error {
	_, err := s.db.ExecContext(ctx, insertMessage,
		msg.ID, msg.Room, string(msg.Sender.UserID), msg.Sender.Name,
		msg.Body, string(msg.Kind), msg.SentAt.UnixNano())
	if err != nil {
		return fmt.Errorf("store: append %s: %w", msg.ID, err)
	}
	return nil
}

func (s *SQLite) ListRecent(ctx context.Context, room string, limit int, before time.Time) ([]message.Message, error) {
	upper := int64(math.MaxInt64)
	if !before.IsZero() {
		upper = before.UnixNano()
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, selectRecent, room, upper, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", room, err)
	}
	defer rows.Close()

	msgs := []message.Message{}
	for rows.Next() {
		var (
			m            message.Message
			userID, kind string
			sentAt       int64
		)
		if err := rows.Scan(&m.ID, &m.Room, &userID, &m.Sender.Name, &m.Body, &kind, &sentAt); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		m.Sender.UserID = presence.UserID(userID)
		m.Kind = message.Kind(kind)
		m.SentAt = time.Unix(0, sentAt).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list %s: %w", room, err)
	}

	slices.Reverse(msgs)
	return msgs, nil
}

func (s *SQLite) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, deleteBefore, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
