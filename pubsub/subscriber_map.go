package pubsub

import "github.com/rs/zerolog/log"

// subscriberMap tracks the handlers of every topic in subscription order.
// It is not safe for concurrent use; backends guard it with their own lock.
type subscriberMap struct {
	topics map[string][]Handler
}

func newSubscriberMap() *subscriberMap {
	return &subscriberMap{topics: make(map[string][]Handler)}
}

// add registers handler and reports whether it is the first one for topic.
func (m *subscriberMap) add(topic string, handler Handler) bool {
	existing := m.topics[topic]
	m.topics[topic] = append(existing, handler)
	return len(existing) == 0
}

// remove drops a single registration of handler. It reports whether the
// handler was found and whether topic is left without handlers.
func (m *subscriberMap) remove(topic string, handler Handler) (found, empty bool) {
	handlers, ok := m.topics[topic]
	if !ok {
		return false, false
	}
	for i, h := range handlers {
		if h == handler {
			handlers = append(handlers[:i:i], handlers[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return false, false
	}
	if len(handlers) == 0 {
		delete(m.topics, topic)
		return true, true
	}
	m.topics[topic] = handlers
	return true, false
}

// handlers returns a snapshot of the handlers for topic, safe to use after
// the backend lock is released.
func (m *subscriberMap) handlers(topic string) []Handler {
	handlers := m.topics[topic]
	if len(handlers) == 0 {
		return nil
	}
	return append([]Handler(nil), handlers...)
}

func (m *subscriberMap) has(topic string) bool {
	return len(m.topics[topic]) > 0
}

// names returns every topic that still has at least one handler.
func (m *subscriberMap) names() []string {
	names := make([]string, 0, len(m.topics))
	for name := range m.topics {
		names = append(names, name)
	}
	return names
}

func (m *subscriberMap) reset() {
	m.topics = make(map[string][]Handler)
}

func logPanic(topic string, r any) {
	log.Error().Str("topic", topic).Interface("panic_value", r).Msg("panic recovered in subscription handler")
}
