package channel

import (
	"context"
	"fmt"
	"strings"
)

// StreamFrom starts forwarding broadcasts on topic to this channel.
//
// Without options every broadcast is transmitted to the subscriber as is.
// WithCallback routes broadcasts to a callback on the worker pool instead,
// and WithDecoder decodes them first. The subscription confirmation is held
// back until the backend reports the subscription active.
//
// The backend subscribe request runs on the connection's event loop, so
// StreamFrom never waits for the backend. An error is returned only for an
// empty topic or when the event loop refuses the request.
func (c *Channel) StreamFrom(topic string, opts ...StreamOption) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return ErrEmptyTopic
	}

	c.DeferSubscriptionConfirmation()

	var o streamOptions
	for _, opt := range opts {
		opt(&o)
	}
	state := newStreamState()
	handler := c.newHandler(topic, o, state)
	c.streams.Add(Stream{Topic: topic, Handler: handler, state: state})

	ps := c.conn.PubSub()
	err := c.conn.EventLoop().Submit(func(ctx context.Context) error {
		state.mu.Lock()
		defer state.mu.Unlock()
		if state.stopped.Load() {
			c.logger.Debug().Str("topic", topic).Msg("stream stopped before subscribing")
			return nil
		}

		err := ps.Subscribe(ctx, topic, handler, func() {
			if !state.active() {
				return
			}
			c.TransmitSubscriptionConfirmation()
			c.logger.Info().Str("topic", topic).Msg("streaming from topic")
		})
		if err != nil {
			if !c.rejectSubscription(err) {
				c.logger.Error().Err(err).Str("topic", topic).Msg("failed to subscribe to topic")
			}
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
		state.subscribed = true
		return nil
	})
	if err != nil {
		state.stopped.Store(true)
		c.rejectSubscription(err)
		return fmt.Errorf("scheduling subscribe to %s: %w", topic, err)
	}
	return nil
}

// StreamFor streams from the topic derived from this channel's name and
// entity. See BroadcastingFor.
func (c *Channel) StreamFor(entity any, opts ...StreamOption) error {
	return c.StreamFrom(BroadcastingFor(ChannelName(c.name), entity), opts...)
}

// StopAllStreams unsubscribes every stream in the order they were opened
// and empties the registry. It runs automatically on unsubscribe.
func (c *Channel) StopAllStreams() {
	if c.streams.Len() == 0 {
		return
	}

	ps := c.conn.PubSub()
	ctx := context.WithoutCancel(c.ctx)
	c.streams.Each(func(s Stream) {
		if !s.stop() {
			c.logger.Debug().Str("topic", s.Topic).Msg("stopped stream before it subscribed")
			return
		}
		if err := ps.Unsubscribe(ctx, s.Topic, s.Handler); err != nil {
			c.logger.Warn().Err(err).Str("topic", s.Topic).Msg("failed to unsubscribe from topic")
		}
		c.logger.Info().Str("topic", s.Topic).Msg("stopped streaming from topic")
	})
	c.streams.Clear()
}

// stop marks s stopped and reports whether its handler reached the backend.
// A subscribe task still queued on the event loop sees the mark and skips
// the backend; one already running finishes first.
func (s Stream) stop() bool {
	if s.state == nil {
		return true
	}
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.stopped.Store(true)
	return s.state.subscribed
}

// Streams returns the channel's stream registry.
func (c *Channel) Streams() *Registry { return c.streams }
