package pubsub

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisPubSub implements the PubSub interface on top of redis PUBLISH/SUBSCRIBE.
//
// All topics share one redis connection in subscribe mode. A single listener
// goroutine receives both messages and SUBSCRIBE confirmations; a handler's
// onSuccess callback fires only once redis has confirmed the channel.
type RedisPubSub struct {
	client redis.UniversalClient
	opts   *Options

	mu      sync.Mutex
	closed  bool
	subs    *subscriberMap
	active   map[string]bool     // topics confirmed by redis
	pending  map[string][]func() // onSuccess callbacks waiting for confirmation
	inflight map[string]int      // SUBSCRIBE commands not yet acknowledged
	ps      *redis.PubSub
	wg      sync.WaitGroup // tracks the listener goroutine
}

// NewRedisPubSub creates a new redis-based PubSub instance.
// It requires a redis.UniversalClient (e.g., *redis.Client or *redis.ClusterClient).
func NewRedisPubSub(client redis.UniversalClient, opts ...Option) *RedisPubSub {
	if client == nil {
		panic("pubsub: redis client cannot be nil")
	}
	o := DefaultOptions()
	o.Apply(opts...)
	return &RedisPubSub{
		client:  client,
		opts:    o,
		subs:    newSubscriberMap(),
		active:   make(map[string]bool),
		pending:  make(map[string][]func()),
		inflight: make(map[string]int),
	}
}

func (r *RedisPubSub) channelName(topic string) string {
	return r.opts.ChannelPrefix + topic
}

// Broadcast publishes payload on the redis channel of topic.
func (r *RedisPubSub) Broadcast(ctx context.Context, topic string, payload string) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := r.client.Publish(ctx, r.channelName(topic), payload).Err(); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("failed to publish message to redis")
		return fmt.Errorf("publishing to topic %q failed: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler. The first handler of a topic issues a redis
// SUBSCRIBE; later ones piggyback on the existing channel subscription.
func (r *RedisPubSub) Subscribe(ctx context.Context, topic string, handler Handler, onSuccess func()) error {
	if err := validateSubscription(topic, handler); err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	first := r.subs.add(topic, handler)
	confirmed := r.active[topic]
	if !confirmed && onSuccess != nil {
		r.pending[topic] = append(r.pending[topic], onSuccess)
	}
	if !first {
		r.mu.Unlock()
		if confirmed && onSuccess != nil {
			go safeCall(topic, onSuccess)
		}
		log.Debug().Str("topic", topic).Msg("handler added to active redis channel")
		return nil
	}

	var err error
	if r.ps == nil {
		r.ps = r.client.Subscribe(ctx, r.channelName(topic))
		r.startListener(r.ps)
	} else {
		err = r.ps.Subscribe(ctx, r.channelName(topic))
	}
	if err != nil {
		r.subs.remove(topic, handler)
		delete(r.pending, topic)
		r.mu.Unlock()
		log.Error().Err(err).Str("topic", topic).Msg("redis subscribe failed")
		return fmt.Errorf("subscribing to topic %q failed: %w", topic, err)
	}
	r.inflight[topic]++
	r.mu.Unlock()

	log.Debug().Str("topic", topic).Msg("redis subscribe sent")
	return nil
}

// Unsubscribe removes handler from topic. When the last handler leaves, the
// redis channel is unsubscribed as well.
func (r *RedisPubSub) Unsubscribe(ctx context.Context, topic string, handler Handler) error {
	if handler == nil {
		return nil
	}

	r.mu.Lock()
	found, empty := r.subs.remove(topic, handler)
	if !found {
		r.mu.Unlock()
		return nil
	}
	if !empty {
		r.mu.Unlock()
		log.Debug().Str("topic", topic).Msg("handler removed from redis channel")
		return nil
	}
	delete(r.active, topic)
	delete(r.pending, topic)
	ps := r.ps
	closed := r.closed
	r.mu.Unlock()

	if ps == nil || closed {
		return nil
	}
	if err := ps.Unsubscribe(ctx, r.channelName(topic)); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("redis unsubscribe failed")
		return fmt.Errorf("unsubscribing from topic %q failed: %w", topic, err)
	}
	log.Debug().Str("topic", topic).Msg("redis channel unsubscribed")
	return nil
}

// Close shuts down the listener and the subscribe-mode connection.
// The redis client itself is owned by the caller and stays open.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ps := r.ps
	r.ps = nil
	r.subs.reset()
	r.active = make(map[string]bool)
	r.pending = make(map[string][]func())
	r.inflight = make(map[string]int)
	r.mu.Unlock()

	log.Info().Msg("redis pubsub closing")
	var err error
	if ps != nil {
		err = ps.Close()
	}
	r.wg.Wait()
	log.Info().Msg("redis pubsub closed")
	return err
}

// Topics returns every topic with a local handler, in no particular order.
func (r *RedisPubSub) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs.names()
}

// startListener runs the goroutine that drains the redis subscription.
// Must be called with r.mu held.
func (r *RedisPubSub) startListener(ps *redis.PubSub) {
	ch := ps.ChannelWithSubscriptions(
		redis.WithChannelSize(r.opts.BufferSize),
		redis.WithChannelHealthCheckInterval(r.opts.HealthCheckInterval),
	)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		log.Debug().Msg("redis listener started")
		for msg := range ch {
			switch m := msg.(type) {
			case *redis.Subscription:
				r.handleSubscription(m)
			case *redis.Message:
				r.handleMessage(m)
			}
		}
		log.Debug().Msg("redis listener stopped")
	}()
}

func (r *RedisPubSub) topicName(channel string) string {
	return strings.TrimPrefix(channel, r.opts.ChannelPrefix)
}

// handleSubscription fires the callbacks queued for a confirmed channel.
// When the topic was unsubscribed and subscribed again before redis answered,
// only the acknowledgement of the last SUBSCRIBE confirms it.
func (r *RedisPubSub) handleSubscription(s *redis.Subscription) {
	if s.Kind != "subscribe" {
		return
	}
	topic := r.topicName(s.Channel)

	r.mu.Lock()
	if n := r.inflight[topic] - 1; n > 0 {
		r.inflight[topic] = n
		r.mu.Unlock()
		return
	}
	delete(r.inflight, topic)
	if !r.subs.has(topic) {
		// Unsubscribed before redis answered.
		r.mu.Unlock()
		return
	}
	r.active[topic] = true
	callbacks := r.pending[topic]
	delete(r.pending, topic)
	r.mu.Unlock()

	log.Debug().Str("topic", topic).Int("callbacks", len(callbacks)).Msg("redis subscription confirmed")
	for _, fn := range callbacks {
		safeCall(topic, fn)
	}
}

// handleMessage fans a message out to the current handlers of its topic.
func (r *RedisPubSub) handleMessage(m *redis.Message) {
	topic := r.topicName(m.Channel)

	r.mu.Lock()
	handlers := r.subs.handlers(topic)
	r.mu.Unlock()

	for _, h := range handlers {
		safeInvoke(topic, h, m.Payload)
	}
}

// Ensure RedisPubSub implements PubSub interface
var _ PubSub = (*RedisPubSub)(nil)
