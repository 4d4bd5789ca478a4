package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Lina4Life/passionart-sub000/internal/message"
)

const defaultRedisPrefix = "chat:"

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr string
	// Prefix is prepended to every key. Default: "chat:"
	Prefix string
	// HistorySize caps the messages kept per room; zero keeps everything.
	HistorySize int
}

// Redis stores each room as a sorted set of JSON messages scored by send
// time, plus a set naming the rooms so Prune can find them.
type Redis struct {
	client *redis.Client
	prefix string
	size   int
	log    zerolog.Logger
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("store: redis address is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultRedisPrefix
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: redis ping %s: %w", cfg.Addr, err)
	}

	log := logger.With().Str("module", "store.redis").Logger()
	log.Info().Str("addr", cfg.Addr).Msg("message store opened")
	return &Redis{client: client, prefix: cfg.Prefix, size: cfg.HistorySize, log: log}, nil
}

func (r *Redis) roomKey(room string) string { return r.prefix + "room:" + room }
func (r *Redis) roomsKey() string            { return r.prefix + "rooms" }

func (r *Redis) Append(ctx context.Context, msg message.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("store: encode message %s: %w", msg.ID, err)
	}

	key := r.roomKey(msg.Room)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(msg.SentAt.UnixMicro()), Member: data})
		pipe.SAdd(ctx, r.roomsKey(), msg.Room)
		if r.size > 0 {
			pipe.ZRemRangeByRank(ctx, key, 0, int64(-r.size-1))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: append %s: %w", msg.ID, err)
	}
	return nil
}

func (r *Redis) ListRecent(ctx context.Context, room string, limit int, before time.Time) ([]message.Message, error) {
	upper := "+inf"
	if !before.IsZero() {
		upper = "(" + strconv.FormatInt(before.UnixMicro(), 10)
	}
	rng := &redis.ZRangeBy{Min: "-inf", Max: upper}
	if limit > 0 {
		rng.Count = int64(limit)
	}

	members, err := r.client.ZRevRangeByScore(ctx, r.roomKey(room), rng).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", room, err)
	}

	out := make([]message.Message, 0, len(members))
	for _, m := range members {
		var msg message.Message
		if err := json.Unmarshal([]byte(m), &msg); err != nil {
			r.log.Warn().Err(err).Str("room", room).Msg("skipping undecodable message")
			continue
		}
		out = append(out, msg)
	}
	slices.Reverse(out)
	return out, nil
}

func (r *Redis) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	rooms, err := r.client.SMembers(ctx, r.roomsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}

	upper := "(" + strconv.FormatInt(cutoff.UnixMicro(), 10)
	var deleted int64
	for _, room := range rooms {
		key := r.roomKey(room)
		n, err := r.client.ZRemRangeByScore(ctx, key, "-inf", upper).Result()
		if err != nil {
			return deleted, fmt.Errorf("store: prune %s: %w", room, err)
		}
		deleted += n

		left, err := r.client.ZCard(ctx, key).Result()
		if err == nil && left == 0 {
			r.client.SRem(ctx, r.roomsKey(), room)
		}
	}
	return deleted, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
