package pubsub

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// MemoryPubSub implements the PubSub interface inside a single process.
// Every topic gets its own dispatcher goroutine, so messages on one topic are
// delivered in broadcast order and a slow topic does not hold up the others.
type MemoryPubSub struct {
	mu      sync.RWMutex
	closed  bool
	opts    *Options
	subs    *subscriberMap
	topics  map[string]*topic
	closeWg sync.WaitGroup // tracks topic dispatchers
}

// NewMemoryPubSub creates a new in-memory PubSub instance.
func NewMemoryPubSub(opts ...Option) *MemoryPubSub {
	o := DefaultOptions()
	o.Apply(opts...)
	return &MemoryPubSub{
		opts:   o,
		subs:   newSubscriberMap(),
		topics: make(map[string]*topic),
	}
}

// Broadcast queues payload for every handler currently subscribed to name.
func (m *MemoryPubSub) Broadcast(ctx context.Context, name string, payload string) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	t, ok := m.topics[name]
	m.mu.RUnlock()

	if !ok {
		log.Debug().Str("topic", name).Msg("no subscribers for broadcast, dropping")
		return nil
	}
	return t.enqueue(ctx, topicEvent{payload: payload})
}

// Subscribe registers handler and confirms through the topic dispatcher.
func (m *MemoryPubSub) Subscribe(ctx context.Context, name string, handler Handler, onSuccess func()) error {
	if err := validateSubscription(name, handler); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.subs.add(name, handler)
	t, ok := m.topics[name]
	if !ok {
		t = newTopic(name, m.opts.BufferSize, &m.closeWg, m.snapshot(name))
		m.topics[name] = t
	}
	m.mu.Unlock()

	log.Debug().Str("topic", name).Msg("handler subscribed")

	if onSuccess == nil {
		return nil
	}
	return t.enqueue(ctx, topicEvent{confirm: onSuccess})
}

// Unsubscribe removes one registration of handler from name.
func (m *MemoryPubSub) Unsubscribe(ctx context.Context, name string, handler Handler) error {
	if handler == nil {
		return nil
	}

	m.mu.Lock()
	found, empty := m.subs.remove(name, handler)
	var stopped *topic
	if empty {
		stopped = m.topics[name]
		delete(m.topics, name)
	}
	m.mu.Unlock()

	if !found {
		log.Debug().Str("topic", name).Msg("unsubscribe for unknown handler ignored")
		return nil
	}
	if stopped != nil {
		stopped.stop()
	}
	log.Debug().Str("topic", name).Bool("topic_empty", empty).Msg("handler unsubscribed")
	return nil
}

// Close stops every topic dispatcher and waits for them to exit.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	topics := make([]*topic, 0, len(m.topics))
	for _, t := range m.topics {
		topics = append(topics, t)
	}
	m.topics = make(map[string]*topic)
	m.subs.reset()
	m.mu.Unlock()

	log.Info().Int("topics", len(topics)).Msg("memory pubsub closing")
	for _, t := range topics {
		t.stop()
	}
	m.closeWg.Wait()
	log.Info().Msg("memory pubsub closed")
	return nil
}

// Topics returns every topic that currently has a handler, in no
// particular order.
func (m *MemoryPubSub) Topics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subs.names()
}

// snapshot returns a function the dispatcher calls to read the current
// handlers of name without holding the lock while delivering. A dispatcher
// whose topic has been replaced in the map sees no handlers, so a later
// subscriber to the same name never receives events queued before it.
func (m *MemoryPubSub) snapshot(name string) func(*topic) []Handler {
	return func(t *topic) []Handler {
		m.mu.RLock()
		defer m.mu.RUnlock()
		if m.topics[name] != t {
			return nil
		}
		return m.subs.handlers(name)
	}
}

// Ensure MemoryPubSub implements PubSub interface
var _ PubSub = (*MemoryPubSub)(nil)
