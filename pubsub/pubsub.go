package pubsub

import (
	"context"
	"errors"
	"reflect"
	"strings"
)

var (
	// ErrClosed is returned by every operation of a closed backend, except Unsubscribe.
	ErrClosed = errors.New("pubsub: backend is closed")
	// ErrEmptyTopic is returned when a topic name is empty.
	ErrEmptyTopic = errors.New("pubsub: topic cannot be empty")
	// ErrNilHandler is returned when Subscribe is called without a handler.
	ErrNilHandler = errors.New("pubsub: handler cannot be nil")
	// ErrHandlerNotComparable is returned for handlers whose identity cannot be compared.
	ErrHandlerNotComparable = errors.New("pubsub: handler must be comparable (use a pointer type)")
)

// Handler receives every message broadcast on the topics it is subscribed to.
//
// Backends match Unsubscribe calls on handler identity, so implementations
// must be comparable. Pointer types are the natural choice.
type Handler interface {
	Handle(message string)
}

// PubSub defines the interface for a broadcast publish/subscribe backend.
type PubSub interface {
	// Broadcast delivers payload to every handler subscribed to topic at the
	// time the message reaches the backend.
	Broadcast(ctx context.Context, topic string, payload string) error

	// Subscribe registers handler for topic. onSuccess, if not nil, is invoked
	// exactly once, asynchronously, after the subscription is active.
	// A topic may have many handlers and a handler may be subscribed to many topics.
	Subscribe(ctx context.Context, topic string, handler Handler, onSuccess func()) error

	// Unsubscribe removes handler from topic. Unknown handlers are ignored.
	Unsubscribe(ctx context.Context, topic string, handler Handler) error

	// Close shuts down the backend, cleaning up resources.
	Close() error
}

// validateSubscription checks the arguments shared by every Subscribe implementation.
func validateSubscription(topic string, handler Handler) error {
	if strings.TrimSpace(topic) == "" {
		return ErrEmptyTopic
	}
	if handler == nil {
		return ErrNilHandler
	}
	if !reflect.TypeOf(handler).Comparable() {
		return ErrHandlerNotComparable
	}
	return nil
}

// safeInvoke calls the handler and recovers a panic so a single faulty
// handler cannot take down the backend's notification goroutine.
func safeInvoke(topic string, h Handler, message string) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(topic, r)
		}
	}()
	h.Handle(message)
}

// safeCall runs a subscription callback with the same protection as safeInvoke.
func safeCall(topic string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(topic, r)
		}
	}()
	fn()
}

// funcHandler gives a plain function a stable identity.
type funcHandler struct {
	fn func(message string)
}

func (h *funcHandler) Handle(message string) { h.fn(message) }

// NewHandler wraps fn in a Handler. Every call returns a distinct handler,
// so the result must be kept around to unsubscribe it later.
func NewHandler(fn func(message string)) Handler {
	return &funcHandler{fn: fn}
}
