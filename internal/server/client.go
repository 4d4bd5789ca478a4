// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Lina4Life/passionart-sub000/internal/presence"
	"github.com/Lina4Life/passionart-sub000/internal/router"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client is the WebSocket transport of one connection. It implements
// router.Subscriber: frames are queued on a buffered channel drained by
// writePump, and a full queue fails the delivery instead of blocking.
type Client struct {
	id       presence.ConnID
	conn     *websocket.Conn
	server   *SessionServer
	addr     string
	identity Identity
	known    bool

	mu     sync.Mutex
	send   chan []byte
	closed bool

	maxMessageSize int64
	limiter        *rate.Limiter
	rateLimit      RateLimitConfig
	log            zerolog.Logger
}

// NewClient creates a client for conn. The client's send channel is buffered
// with sendBuffer frames.
func NewClient(id presence.ConnID, conn *websocket.Conn, s *SessionServer, addr string, sendBuffer int) *Client {
	maxSize, rl := s.policy.limits()
	if conn != nil {
		conn.SetReadLimit(maxSize)
	}
	if sendBuffer <= 0 {
		sendBuffer = 256
	}

	return &Client{
		id:             id,
		conn:           conn,
		server:         s,
		addr:           addr,
		send:           make(chan []byte, sendBuffer),
		maxMessageSize: maxSize,
		limiter:        newRateLimiter(rl.Burst, rl.RefillInterval),
		rateLimit:      rl,
		log:            s.log.With().Str("conn", string(id)).Str("remote", addr).Logger(),
	}
}

func (c *Client) ID() presence.ConnID { return c.id }

// Emit queues frame for writePump without blocking.
func (c *Client) Emit(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return router.ErrSubscriberClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return router.ErrSendBufferFull
	}
}

// Close stops the client's writer, which sends a close frame and closes the
// connection. It is safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debug().Err(err).Msg("setting initial read deadline failed")
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// handleReadError logs the reason the read loop ends.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn().Int64("limit", c.maxMessageSize).Msg("frame exceeded maximum size")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.log.Debug().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug().Err(err).Msg("connection closed")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.log.Warn().Err(err).Msg("unexpected websocket close")
	default:
		// Includes read deadline expiry after a missed pong.
		c.log.Debug().Err(err).Msg("websocket read ended")
	}
}

// checkRateLimit reports whether the next frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.limiter.Allow() {
		return true
	}
	c.log.Warn().Int("burst", c.rateLimit.Burst).Dur("interval", c.rateLimit.RefillInterval).Msg("rate limit exceeded; discarding frame")
	return false
}

func (c *Client) readPump() {
	defer func() {
		c.server.unregisterClient(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug().Err(err).Msg("error closing connection in readPump")
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			c.server.rejectRateLimited(c)
			continue
		}

		c.server.dispatch(c, raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case frame, ok := <-c.send:
		if !ok {
			return c.writeCloseMessage()
		}
		return c.writeFrame(frame)
	case <-ticker.C:
		return c.handlePing()
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug().Err(err).Msg("error closing connection in writePump")
	}
}

func (c *Client) writeCloseMessage() bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.log.Debug().Err(err).Msg("error writing close message")
	}
	return false
}

// writeFrame writes one envelope per WebSocket text message.
func (c *Client) writeFrame(frame []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug().Err(err).Msg("error setting write deadline")
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.log.Debug().Err(err).Msg("error writing frame")
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug().Err(err).Msg("error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Debug().Err(err).Msg("error writing ping")
		return false
	}
	return true
}
