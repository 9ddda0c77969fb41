package channel

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/toolink/cable/codec"
	"github.com/toolink/cable/pubsub"
)

// Callback receives a (possibly decoded) broadcast. It runs on the
// connection's worker pool, never on the backend's notification goroutine.
type Callback func(ctx context.Context, message any) error

// LowLevelHandler runs fn directly on the backend's notification goroutine.
// fn must be fast and must not block.
type LowLevelHandler struct {
	fn    func(message string)
	state *streamState
}

func (h *LowLevelHandler) Handle(message string) {
	if h.state.active() {
		h.fn(message)
	}
}

// TransmitHandler forwards every broadcast to the subscriber, tagged with
// the topic it was streamed from. Without a decoder the raw payload is sent
// unchanged.
type TransmitHandler struct {
	channel *Channel
	topic   string
	decoder codec.Decoder
	state   *streamState
}

func (h *TransmitHandler) Handle(message string) {
	if !h.state.active() {
		return
	}
	var payload any = message
	if h.decoder != nil {
		decoded, err := h.decoder.Decode(message)
		if err != nil {
			h.channel.logger.Error().Err(err).Str("topic", h.topic).Msg("failed to decode broadcast")
			return
		}
		payload = decoded
	}

	if err := h.channel.Transmit(payload, "streamed from "+h.topic); err != nil {
		h.channel.logger.Warn().Err(err).Str("topic", h.topic).Msg("failed to transmit broadcast")
	}
}

// CallbackHandler hands every broadcast to a worker pool, where it is decoded
// (when a decoder is set) and passed to the user callback.
type CallbackHandler struct {
	topic    string
	pool     Executor
	decoder  codec.Decoder
	callback Callback
	state    *streamState
	logger   *zerolog.Logger
}

func (h *CallbackHandler) Handle(message string) {
	if !h.state.active() {
		return
	}
	err := h.pool.Submit(func(ctx context.Context) error {
		var payload any = message
		if h.decoder != nil {
			decoded, err := h.decoder.Decode(message)
			if err != nil {
				return fmt.Errorf("decoding broadcast from %s: %w", h.topic, err)
			}
			payload = decoded
		}
		return h.callback(ctx, payload)
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", h.topic).Msg("dropping broadcast, worker pool rejected task")
	}
}

var (
	_ pubsub.Handler = (*LowLevelHandler)(nil)
	_ pubsub.Handler = (*TransmitHandler)(nil)
	_ pubsub.Handler = (*CallbackHandler)(nil)
)

// StreamOption configures a single StreamFrom or StreamFor call.
type StreamOption func(*streamOptions)

type streamOptions struct {
	callback Callback
	decoder  codec.Decoder
	lowLevel func(message string)
}

// WithCallback replaces the default forward-to-subscriber behaviour with fn.
func WithCallback(fn Callback) StreamOption {
	return func(o *streamOptions) {
		o.callback = fn
	}
}

// WithDecoder decodes every broadcast with d before it is transmitted or
// passed to the callback.
func WithDecoder(d codec.Decoder) StreamOption {
	return func(o *streamOptions) {
		o.decoder = d
	}
}

// WithDefaultCoder is WithDecoder(codec.JSON).
func WithDefaultCoder() StreamOption {
	return WithDecoder(codec.JSON)
}

// WithLowLevelHandler subscribes fn as is. It takes precedence over every
// other option.
func WithLowLevelHandler(fn func(message string)) StreamOption {
	return func(o *streamOptions) {
		o.lowLevel = fn
	}
}

// newHandler picks the handler variant for the given options.
func (c *Channel) newHandler(topic string, o streamOptions, state *streamState) pubsub.Handler {
	switch {
	case o.lowLevel != nil:
		return &LowLevelHandler{fn: o.lowLevel, state: state}
	case o.callback != nil:
		return &CallbackHandler{
			topic:    topic,
			pool:     c.conn.WorkerPool(),
			decoder:  o.decoder,
			callback: o.callback,
			state:    state,
			logger:   &c.logger,
		}
	default:
		return &TransmitHandler{channel: c, topic: topic, decoder: o.decoder, state: state}
	}
}
