package message

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Lina4Life/passionart-sub000/internal/metrics"
	"github.com/Lina4Life/passionart-sub000/internal/presence"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200

	defaultPersistBuffer = 256
	persistTimeout       = 5 * time.Second
	historyTimeout       = 10 * time.Second
)

// Identities resolves the presence a connection announced.
type Identities interface {
	Get(id presence.ConnID) (presence.Payload, bool, error)
}

// Publisher delivers a frame built under the room's lock to its subscribers
// and returns the ids of subscribers that had to be dropped.
type Publisher interface {
	Publish(room string, exclude presence.ConnID, build func() (string, any)) []presence.ConnID
}

// Evictor runs the disconnect transition for dropped subscribers.
type Evictor interface {
	Evict(ids []presence.ConnID)
}

// GatewayConfig tunes a Gateway.
type GatewayConfig struct {
	// EchoToSender delivers text messages back to the sending connection.
	EchoToSender bool
	// PersistBuffer bounds the queue of messages waiting for the store.
	PersistBuffer int
	// Now overrides the clock used for stamping.
	Now func() time.Time
}

// Gateway accepts messages from connections, stamps them with a ULID and
// the acceptance time, and broadcasts them to their room. Text messages are
// persisted after delivery by a background worker.
type Gateway struct {
	cfg       GatewayConfig
	ids       Identities
	publisher Publisher
	evictor   Evictor
	store     Store
	history   singleflight.Group

	idMu    sync.Mutex
	entropy io.Reader

	queueMu sync.RWMutex
	closed  bool
	queue   chan Message
	done    chan struct{}

	log     zerolog.Logger
	metrics *metrics.Collector
}

// NewGateway starts a gateway. store may be nil, in which case nothing is
// persisted and history is always empty. Close must be called to stop the
// persistence worker.
func NewGateway(cfg GatewayConfig, ids Identities, publisher Publisher, evictor Evictor, store Store, logger zerolog.Logger, m *metrics.Collector) *Gateway {
	if cfg.PersistBuffer <= 0 {
		cfg.PersistBuffer = defaultPersistBuffer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	g := &Gateway{
		cfg:       cfg,
		ids:       ids,
		publisher: publisher,
		evictor:   evictor,
		store:     store,
		entropy:   ulid.Monotonic(rand.Reader, 0),
		queue:     make(chan Message, cfg.PersistBuffer),
		done:      make(chan struct{}),
		log:       logger.With().Str("module", "message.gateway").Logger(),
		metrics:   m,
	}
	go g.persistLoop()
	return g
}

// Send accepts a message from connection id and delivers it to every
// subscriber of room. Text requires an announced sender; typing indicators
// may come from anonymous connections and are neither echoed nor persisted.
func (g *Gateway) Send(id presence.ConnID, room, body string, kind Kind) (Message, error) {
	if room == "" {
		return Message{}, ErrEmptyRoom
	}
	if kind == KindText && body == "" {
		return Message{}, ErrEmptyBody
	}

	p, announced, err := g.ids.Get(id)
	if err != nil {
		return Message{}, fmt.Errorf("message: send from %s: %w", id, err)
	}
	if !announced && kind != KindTyping {
		return Message{}, ErrSenderUnknown
	}

	exclude := presence.ConnID("")
	if kind == KindTyping || !g.cfg.EchoToSender {
		exclude = id
	}

	var msg Message
	dropped := g.publisher.Publish(room, exclude, func() (string, any) {
		now := g.cfg.Now().UTC()
		msg = Message{
			ID:     g.newID(now),
			Room:   room,
			Sender: Sender{UserID: p.UserID, Name: p.Name},
			Body:   body,
			Kind:   kind,
			SentAt: now,
		}
		return kind.Event(), msg
	})
	g.metrics.RecordMessage(string(kind))

	if len(dropped) > 0 && g.evictor != nil {
		g.evictor.Evict(dropped)
	}
	if kind != KindTyping {
		g.enqueue(msg)
	}
	return msg, nil
}

// ListRecent returns up to limit messages of room sent before before,
// oldest first. A non-positive limit means DefaultHistoryLimit and limits
// above MaxHistoryLimit are capped.
func (g *Gateway) ListRecent(ctx context.Context, room string, limit int, before time.Time) ([]Message, error) {
	if room == "" {
		return nil, ErrEmptyRoom
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if g.store == nil {
		return []Message{}, nil
	}

	// Identical concurrent queries share one store round trip. The shared
	// query is not bound to any single caller, so one caller giving up does
	// not fail the others.
	key := fmt.Sprintf("%s\x00%d\x00%d", room, limit, before.UnixNano())
	results := g.history.DoChan(key, func() (any, error) {
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
		defer cancel()
		return g.store.ListRecent(qctx, room, limit, before)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("message: list %s: %w", room, ctx.Err())
	case res = <-results:
	}
	if res.Err != nil {
		return nil, fmt.Errorf("message: list %s: %w", room, res.Err)
	}
	msgs := res.Val.([]Message)
	if len(msgs) == 0 {
		return []Message{}, nil
	}
	return slices.Clone(msgs), nil
}

// Close stops accepting messages for persistence and waits until the queued
// ones have been written.
func (g *Gateway) Close() {
	g.queueMu.Lock()
	if g.closed {
		g.queueMu.Unlock()
		return
	}
	g.closed = true
	close(g.queue)
	g.queueMu.Unlock()

	<-g.done
}

func (g *Gateway) newID(t time.Time) string {
	g.idMu.Lock()
	defer g.idMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(t), g.entropy)
	if err != nil {
		// Monotonic entropy overflowed within one millisecond.
		g.entropy = ulid.Monotonic(rand.Reader, 0)
		id = ulid.MustNew(ulid.Timestamp(t), g.entropy)
	}
	return id.String()
}

func (g *Gateway) enqueue(msg Message) {
	if g.store == nil {
		return
	}

	g.queueMu.RLock()
	defer g.queueMu.RUnlock()
	if g.closed {
		g.log.Error().Str("id", msg.ID).Str("room", msg.Room).Msg("message not persisted: gateway closed")
		g.metrics.RecordPersistFailure()
		return
	}

	select {
	case g.queue <- msg:
	default:
		g.log.Error().Str("id", msg.ID).Str("room", msg.Room).Msg("message not persisted: queue full")
		g.metrics.RecordPersistFailure()
	}
}

func (g *Gateway) persistLoop() {
	defer close(g.done)

	for msg := range g.queue {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err := g.store.Append(ctx, msg)
		cancel()
		if err != nil {
			g.log.Error().Err(err).Str("id", msg.ID).Str("room", msg.Room).Msg("message not persisted")
			g.metrics.RecordPersistFailure()
		}
	}
}
