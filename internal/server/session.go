// Package server coordinates client registration, the presence and message
// components, and connection cleanup through the SessionServer type.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Lina4Life/passionart-sub000/internal/config"
	"github.com/Lina4Life/passionart-sub000/internal/message"
	"github.com/Lina4Life/passionart-sub000/internal/metrics"
	"github.com/Lina4Life/passionart-sub000/internal/presence"
	"github.com/Lina4Life/passionart-sub000/internal/router"
)

// SessionServer owns every live connection and wires the transport to the
// presence coordinator and message gateway. Registration and unregistration
// of clients go through its Run loop.
type SessionServer struct {
	cfg      config.Config
	policy   *policy
	identity IdentitySource

	registry *presence.Registry
	members  *presence.Membership
	router   *router.Router
	coord    *presence.Coordinator
	gateway  *message.Gateway

	clients    map[presence.ConnID]*Client
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	log     zerolog.Logger
	metrics *metrics.Collector
}

// New builds a session server. store may be nil to disable history, identity
// may be nil to treat every connection as anonymous until it announces itself.
func New(cfg config.Config, store message.Store, identity IdentitySource, logger zerolog.Logger, m *metrics.Collector) *SessionServer {
	cfg = config.Sanitize(cfg)
	log := logger.With().Str("module", "server").Logger()

	registry := presence.NewRegistry()
	members := presence.NewMembership()
	rt := router.New(logger, m)
	coord := presence.NewCoordinator(registry, members, rt, logger, m)
	gateway := message.NewGateway(message.GatewayConfig{
		EchoToSender:  cfg.Chat.EchoToSender,
		PersistBuffer: cfg.Chat.PersistBuffer,
	}, registry, rt, coord, store, logger, m)

	ctx, cancel := context.WithCancel(context.Background())
	return &SessionServer{
		cfg:        cfg,
		policy:     newPolicy(cfg, log),
		identity:   identity,
		registry:   registry,
		members:    members,
		router:     rt,
		coord:      coord,
		gateway:    gateway,
		clients:    make(map[presence.ConnID]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		log:        log,
		metrics:    m,
	}
}

// Run handles client registration and unregistration until Shutdown is
// called. It must run in its own goroutine before connections are accepted.
func (s *SessionServer) Run() {
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			s.shutdownClients()
			return

		case client := <-s.register:
			if err := s.coord.Connect(client.id); err != nil {
				s.log.Error().Err(err).Str("conn", string(client.id)).Msg("client registration failed")
				client.Close()
				_ = client.conn.Close()
				continue
			}
			s.router.Attach(client)

			s.mutex.Lock()
			s.clients[client.id] = client
			count := len(s.clients)
			s.mutex.Unlock()
			client.log.Info().Int("clients", count).Msg("client registered")

			s.wg.Add(2)
			go func() {
				defer s.wg.Done()
				client.writePump()
			}()
			go func() {
				defer s.wg.Done()
				client.readPump()
			}()

		case client := <-s.unregister:
			s.disconnect(client)
		}
	}
}

// registerClient hands client to the Run loop. It reports false if the
// server is shutting down.
func (s *SessionServer) registerClient(client *Client) bool {
	select {
	case s.register <- client:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// unregisterClient hands client to the Run loop, or disconnects it directly
// once the loop has stopped.
func (s *SessionServer) unregisterClient(client *Client) {
	select {
	case s.unregister <- client:
	case <-s.ctx.Done():
		s.disconnect(client)
	}
}

// disconnect runs the Gone transition for client and releases its transport.
func (s *SessionServer) disconnect(client *Client) {
	s.mutex.Lock()
	_, ok := s.clients[client.id]
	delete(s.clients, client.id)
	count := len(s.clients)
	s.mutex.Unlock()

	s.coord.Disconnect(client.id)
	client.Close()
	if ok {
		client.log.Info().Int("clients", count).Msg("client unregistered")
	}
}

// shutdownClients closes every connection. Their read pumps then finish the
// disconnect transition.
func (s *SessionServer) shutdownClients() {
	s.mutex.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}
	s.mutex.RUnlock()

	for _, client := range clients {
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			client.log.Debug().Err(err).Msg("error closing client connection")
		}
	}
	s.log.Info().Int("clients", len(clients)).Msg("closed client connections")
}

// Shutdown stops accepting clients, closes every connection, waits for the
// pumps to finish and drains the persistence queue. It returns
// context.DeadlineExceeded if the pumps did not finish within timeout.
func (s *SessionServer) Shutdown(timeout time.Duration) error {
	s.log.Info().Msg("initiating session server shutdown")
	s.cancel()
	<-s.done

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	var err error
	select {
	case <-finished:
		s.log.Info().Msg("session server shutdown completed")
	case <-time.After(timeout):
		s.log.Warn().Msg("session server shutdown timeout reached, some connections may still be open")
		err = context.DeadlineExceeded
	}

	s.gateway.Close()
	return err
}

// UpdatePolicy applies the origin, frame size and rate limits of cfg to
// connections accepted from now on.
func (s *SessionServer) UpdatePolicy(cfg config.Config) {
	s.policy.apply(cfg)
	s.log.Info().Msg("connection policy updated")
}

// Coordinator returns the presence coordinator.
func (s *SessionServer) Coordinator() *presence.Coordinator { return s.coord }

// Gateway returns the message gateway.
func (s *SessionServer) Gateway() *message.Gateway { return s.gateway }

// Stats returns a snapshot of connection and room counts.
func (s *SessionServer) Stats() Stats {
	return Stats{
		Connections: s.registry.Len(),
		Rooms:       s.router.Rooms(),
		RosterRooms: s.members.Rooms(),
	}
}
