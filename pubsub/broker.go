package pubsub

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Broker is the process level PubSub. It picks the redis backend when given
// a client and the in-memory one otherwise, and fails every call with
// ErrClosed once closed.
type Broker struct {
	mu      sync.RWMutex
	backend PubSub
}

type BrokerOption func(*brokerConfig)

type brokerConfig struct {
	client      redis.UniversalClient
	backendOpts []Option
}

// WithRedisClient backs the broker with redis. The client stays owned by
// the caller.
func WithRedisClient(client redis.UniversalClient) BrokerOption {
	return func(c *brokerConfig) { c.client = client }
}

// WithBackendOptions passes opts to whichever backend is built.
func WithBackendOptions(opts ...Option) BrokerOption {
	return func(c *brokerConfig) { c.backendOpts = append(c.backendOpts, opts...) }
}

func New(opts ...BrokerOption) *Broker {
	var cfg brokerConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.client == nil {
		log.Info().Str("backend", "memory").Msg("pubsub broker created")
		return &Broker{backend: NewMemoryPubSub(cfg.backendOpts...)}
	}
	log.Info().Str("backend", "redis").Msg("pubsub broker created")
	return &Broker{backend: NewRedisPubSub(cfg.client, cfg.backendOpts...)}
}

func (b *Broker) current() (PubSub, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.backend == nil {
		return nil, ErrClosed
	}
	return b.backend, nil
}

func (b *Broker) Broadcast(ctx context.Context, topic string, payload string) error {
	ps, err := b.current()
	if err != nil {
		return err
	}
	return ps.Broadcast(ctx, topic, payload)
}

func (b *Broker) Subscribe(ctx context.Context, topic string, handler Handler, onSuccess func()) error {
	ps, err := b.current()
	if err != nil {
		return err
	}
	return ps.Subscribe(ctx, topic, handler, onSuccess)
}

// Unsubscribe on a closed broker is a no-op.
func (b *Broker) Unsubscribe(ctx context.Context, topic string, handler Handler) error {
	ps, err := b.current()
	if err != nil {
		return nil
	}
	return ps.Unsubscribe(ctx, topic, handler)
}

// Close closes the backend. Later calls return nil.
func (b *Broker) Close() error {
	b.mu.Lock()
	ps := b.backend
	b.backend = nil
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	return ps.Close()
}

// Backend returns the backend in use, nil after Close.
func (b *Broker) Backend() PubSub {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.backend
}

var _ PubSub = (*Broker)(nil)
