package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// topicEvent is either a message to fan out or a subscription confirmation.
// Both travel through the same queue so a confirmation is only delivered
// once every earlier event has been dispatched.
type topicEvent struct {
	payload string
	confirm func()
}

// topic owns the dispatcher goroutine of one memory topic.
type topic struct {
	name     string
	events   chan topicEvent
	stopOnce sync.Once
	stopChan chan struct{}
	wg       *sync.WaitGroup // backend's WaitGroup

	// handlers returns the subscribers of t, or nil once t is retired.
	handlers func(t *topic) []Handler
}

// newTopic creates and starts a topic dispatcher.
func newTopic(name string, bufferSize int, wg *sync.WaitGroup, handlers func(*topic) []Handler) *topic {
	t := &topic{
		name:     name,
		events:   make(chan topicEvent, bufferSize),
		stopChan: make(chan struct{}),
		wg:       wg,
		handlers: handlers,
	}
	t.startDispatcher()
	return t
}

// startDispatcher runs the single goroutine that delivers events in order.
func (t *topic) startDispatcher() {
	t.wg.Add(1)

	go func() {
		defer t.wg.Done()

		l := log.With().Str("topic", t.name).Logger()
		l.Debug().Msg("topic dispatcher started")

		for {
			select {
			case <-t.stopChan:
				l.Debug().Int("dropped", len(t.events)).Msg("topic dispatcher stopped")
				return
			case ev := <-t.events:
				// select picks randomly among ready cases; a stopped topic
				// must not deliver what is still queued
				if t.stopped() {
					l.Debug().Int("dropped", len(t.events)+1).Msg("topic dispatcher stopped")
					return
				}
				if ev.confirm != nil {
					safeCall(t.name, ev.confirm)
					continue
				}
				handlers := t.handlers(t)
				for _, h := range handlers {
					safeInvoke(t.name, h, ev.payload)
				}
			}
		}
	}()
}

// enqueue hands an event to the dispatcher, respecting ctx.
func (t *topic) enqueue(ctx context.Context, ev topicEvent) error {
	if t.stopped() {
		return nil
	}

	select {
	case t.events <- ev:
		return nil
	case <-t.stopChan:
		// Topic lost its last subscriber while we waited, nobody to deliver to.
		return nil
	case <-ctx.Done():
		log.Warn().Str("topic", t.name).Err(ctx.Err()).Msg("context cancelled while queueing topic event")
		return fmt.Errorf("queueing event on topic %q failed: %w", t.name, ctx.Err())
	}
}

func (t *topic) stopped() bool {
	select {
	case <-t.stopChan:
		return true
	default:
		return false
	}
}

// stop signals the dispatcher to exit. It does not wait, because it may be
// called from a handler running on the dispatcher itself.
func (t *topic) stop() {
	t.stopOnce.Do(func() {
		close(t.stopChan)
	})
}
