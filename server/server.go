// Package server accepts websocket clients and routes their subscriptions
// to registered channel classes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/toolink/cable/channel"
	"github.com/toolink/cable/codec"
	"github.com/toolink/cable/connection"
	"github.com/toolink/cable/global"
	"github.com/toolink/cable/pubsub"
	"github.com/toolink/cable/worker"
)

// Server is an http.Handler serving cable connections.
type Server struct {
	opts       options
	ps         pubsub.PubSub
	workerPool *worker.Pool
	eventLoop  *worker.Pool
	upgrader   websocket.Upgrader

	mu       sync.RWMutex
	channels map[string]channel.Factory
	conns    map[*connection.Connection]struct{}
	closing  bool
	wg       sync.WaitGroup
}

// New creates a server and starts its worker pool and event loop.
func New(opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{
		opts:     o,
		ps:       o.pubsub,
		channels: make(map[string]channel.Factory),
		conns:    make(map[*connection.Connection]struct{}),
	}
	if s.ps == nil {
		s.ps = global.GetBroker()
	}

	s.workerPool = worker.NewPool("cable-workers",
		worker.WithConcurrency(o.workerPoolSize),
		worker.WithBufferSize(o.workerQueueSize),
	)
	s.eventLoop = worker.NewLoop("cable-event-loop", worker.WithBufferSize(o.workerQueueSize))
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Register makes a channel class available to clients under className.
func (s *Server) Register(className string, factory channel.Factory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.channels[className]; exists {
		log.Warn().Str("channel", className).Msg("replacing registered channel")
	}
	s.channels[className] = factory
	log.Debug().Str("channel", className).Msg("channel registered")
}

// Lookup returns the factory registered under className.
func (s *Server) Lookup(className string) (channel.Factory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.channels[className]
	return f, ok
}

// PubSub returns the broadcast backend.
func (s *Server) PubSub() pubsub.PubSub { return s.ps }

// Broadcast publishes message on topic. Strings are sent as is, anything
// else is encoded as JSON.
func (s *Server) Broadcast(ctx context.Context, topic string, message any) error {
	payload, err := codec.JSON.Encode(message)
	if err != nil {
		return err
	}
	log.Debug().Str("topic", topic).Msg("broadcasting")
	return s.ps.Broadcast(ctx, topic, payload)
}

// BroadcastTo publishes message to the StreamFor(entity) subscribers of
// the channel class className.
func (s *Server) BroadcastTo(ctx context.Context, className string, entity any, message any) error {
	return channel.BroadcastTo(ctx, s.ps, className, entity, message)
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closing := s.closing
	s.mu.RUnlock()
	if closing {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := connection.New(ws, r, connection.Config{
		PubSub:              s.ps,
		WorkerPool:          s.workerPool,
		EventLoop:           s.eventLoop,
		Channels:            s,
		Limiter:             s.opts.limiter,
		PingInterval:        s.opts.pingInterval,
		ConfirmationTimeout: s.opts.confirmationTimeout,
	})

	if !s.track(conn) {
		// lost the race with Shutdown
		conn.Disconnect(connection.ReasonServerRestart, true)
		conn.Run()
		return
	}
	defer s.untrack(conn)

	conn.Run()
}

func (s *Server) track(conn *connection.Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn *connection.Connection) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// Shutdown disconnects every client, waits for their channels to be torn
// down and stops the worker pools. The backend is left open.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	conns := make([]*connection.Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	log.Info().Int("connections", len(conns)).Msg("server shutting down")
	for _, c := range conns {
		c.Disconnect(connection.ReasonServerRestart, true)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for connections: %w", ctx.Err())
	}

	return errors.Join(s.eventLoop.Stop(ctx), s.workerPool.Stop(ctx))
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.opts.allowedOrigins) == 0 {
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
	for _, allowed := range s.opts.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	log.Warn().Str("origin", origin).Msg("request origin not allowed")
	return false
}

var _ connection.Resolver = (*Server)(nil)
