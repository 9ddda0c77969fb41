package channel

import (
	"sync"
	"sync/atomic"

	"github.com/toolink/cable/pubsub"
)

// Stream binds a topic to the exact handler value it was subscribed with.
// Unsubscribing requires that same value, so a Stream is never modified
// after it is created.
type Stream struct {
	Topic   string
	Handler pubsub.Handler

	state *streamState
}

// streamState orders the backend subscribe, which runs on the event loop,
// against stop, which runs on the connection goroutine. Once stopped, a
// stream never subscribes, confirms or delivers again.
type streamState struct {
	mu         sync.Mutex
	subscribed bool
	stopped    atomic.Bool
}

func newStreamState() *streamState { return &streamState{} }

// active reports whether the stream may still confirm or deliver.
func (s *streamState) active() bool {
	return s == nil || !s.stopped.Load()
}

// Registry is the ordered list of streams opened by one channel.
//
// It has no lock: a channel is only ever driven from its connection's read
// goroutine.
type Registry struct {
	streams []Stream
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add appends s. Adding the same topic twice yields two entries.
func (r *Registry) Add(s Stream) {
	r.streams = append(r.streams, s)
}

// Each calls fn for every stream in insertion order.
func (r *Registry) Each(fn func(Stream)) {
	for _, s := range r.streams {
		fn(s)
	}
}

// Clear drops every stream.
func (r *Registry) Clear() {
	r.streams = nil
}

// Len returns the number of registered streams.
func (r *Registry) Len() int {
	return len(r.streams)
}
