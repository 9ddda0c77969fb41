// Package channel implements channel instances and the streams they open on
// the pub/sub backend.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/toolink/cable/pubsub"
	"github.com/toolink/cable/worker"
)

// Transmission types sent by a channel.
const (
	TypeConfirmSubscription = "confirm_subscription"
	TypeRejectSubscription  = "reject_subscription"
)

var (
	// ErrRejected is returned once a subscription has been rejected.
	ErrRejected = errors.New("channel: subscription rejected")
	// ErrEmptyTopic is returned by StreamFrom for blank topics.
	ErrEmptyTopic = errors.New("channel: topic cannot be empty")
	// ErrActionNotSupported is returned by Perform when the behavior has no actions.
	ErrActionNotSupported = errors.New("channel: behavior does not perform actions")
	// ErrConfirmationTimeout is the reason logged when a deferred confirmation never arrives.
	ErrConfirmationTimeout = errors.New("channel: subscription confirmation timed out")
)

// Executor schedules work off the calling goroutine.
type Executor interface {
	Submit(task worker.Task) error
}

// Transmission is a message for the remote subscriber.
type Transmission struct {
	Identifier string `json:"identifier,omitempty"`
	Type       string `json:"type,omitempty"`
	Message    any    `json:"message,omitempty"`
	Via        string `json:"-"`
}

// Connection is what a channel needs from the transport it lives on.
type Connection interface {
	Identifier() string
	Transmit(t Transmission) error
	PubSub() pubsub.PubSub
	// WorkerPool runs stream callbacks.
	WorkerPool() Executor
	// EventLoop runs backend subscribe requests.
	EventLoop() Executor
}

// Behavior is the application side of a channel.
type Behavior interface {
	// Subscribed runs when the client subscribes. Returning an error
	// rejects the subscription.
	Subscribed(ch *Channel) error
	// Unsubscribed runs before the channel's streams are stopped.
	Unsubscribed(ch *Channel)
}

// Performer is implemented by behaviors that accept client actions.
type Performer interface {
	Perform(ch *Channel, action string, data map[string]any) error
}

// Factory builds a fresh Behavior for every subscription.
type Factory func() Behavior

// Base is an embeddable no-op Behavior.
type Base struct{}

func (Base) Subscribed(*Channel) error { return nil }
func (Base) Unsubscribed(*Channel)     {}

type confirmationState int

const (
	statePending confirmationState = iota
	stateConfirmed
	stateRejected
)

// Option configures a Channel.
type Option func(*Channel)

// WithConfirmationTimeout rejects a deferred subscription whose
// confirmation has not been sent within d. Zero disables the timeout.
func WithConfirmationTimeout(d time.Duration) Option {
	return func(c *Channel) {
		c.confirmationTimeout = d
	}
}

// WithContext sets the parent context for backend calls made outside the
// event loop, such as unsubscribing.
func WithContext(ctx context.Context) Option {
	return func(c *Channel) {
		if ctx != nil {
			c.ctx = ctx
		}
	}
}

// Channel is one subscription of one connection to a channel class.
type Channel struct {
	conn       Connection
	name       string
	identifier string
	params     map[string]any
	behavior   Behavior
	streams    *Registry
	ctx        context.Context
	logger     zerolog.Logger

	subscribeHooks   []func()
	unsubscribeHooks []func()
	rejectRequested  bool
	unsubscribed     bool

	confirmationTimeout time.Duration

	// confirmation state is reached from backend goroutines
	mu       sync.Mutex
	deferred bool
	state    confirmationState
	timer    *time.Timer
}

// New creates a channel named name (the class name, e.g. "CommentsChannel")
// for the subscription identified by identifier.
func New(conn Connection, name, identifier string, params map[string]any, behavior Behavior, opts ...Option) *Channel {
	if behavior == nil {
		behavior = Base{}
	}
	c := &Channel{
		conn:       conn,
		name:       name,
		identifier: identifier,
		params:     params,
		behavior:   behavior,
		streams:    NewRegistry(),
		ctx:        context.Background(),
		logger: log.With().
			Str("channel", name).
			Str("connection_id", conn.Identifier()).
			Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.OnUnsubscribe(c.StopAllStreams)
	return c
}

// Name returns the channel class name.
func (c *Channel) Name() string { return c.name }

// Identifier returns the client's subscription identifier.
func (c *Channel) Identifier() string { return c.identifier }

// Params returns the parameters the client subscribed with.
func (c *Channel) Params() map[string]any { return c.params }

// Param returns a single subscription parameter.
func (c *Channel) Param(key string) (any, bool) {
	v, ok := c.params[key]
	return v, ok
}

// Behavior returns the application behavior driving this channel.
func (c *Channel) Behavior() Behavior { return c.behavior }

// Logger returns the channel's logger.
func (c *Channel) Logger() *zerolog.Logger { return &c.logger }

// OnSubscribe registers fn to run after a successful Subscribed.
func (c *Channel) OnSubscribe(fn func()) {
	c.subscribeHooks = append(c.subscribeHooks, fn)
}

// OnUnsubscribe registers fn to run after Unsubscribed, in registration order.
func (c *Channel) OnUnsubscribe(fn func()) {
	c.unsubscribeHooks = append(c.unsubscribeHooks, fn)
}

// Subscribe runs the subscribe lifecycle. Unless a stream deferred it, the
// confirmation is sent before Subscribe returns. A rejected subscription
// returns an error wrapping ErrRejected.
func (c *Channel) Subscribe() error {
	if err := c.behavior.Subscribed(c); err != nil {
		c.rejectSubscription(err)
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	for _, fn := range c.subscribeHooks {
		fn()
	}

	if c.rejectRequested {
		c.rejectSubscription(nil)
		return ErrRejected
	}

	c.mu.Lock()
	deferred := c.deferred
	c.mu.Unlock()
	if !deferred {
		c.TransmitSubscriptionConfirmation()
	}
	return nil
}

// Unsubscribe runs the unsubscribe lifecycle once. Later calls do nothing.
func (c *Channel) Unsubscribe() {
	if c.unsubscribed {
		return
	}
	c.unsubscribed = true

	c.behavior.Unsubscribed(c)
	for _, fn := range c.unsubscribeHooks {
		fn()
	}

	c.mu.Lock()
	c.stopTimerLocked()
	c.mu.Unlock()
}

// Reject marks the subscription for rejection. It is meant to be called
// from Subscribed.
func (c *Channel) Reject() {
	c.rejectRequested = true
}

// Perform dispatches a client action to the behavior.
func (c *Channel) Perform(action string, data map[string]any) error {
	p, ok := c.behavior.(Performer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrActionNotSupported, c.name)
	}
	c.logger.Debug().Str("action", action).Msg("performing action")
	return p.Perform(c, action, data)
}

// Transmit sends data to the subscriber. via describes where it came from
// and is only used for logging.
func (c *Channel) Transmit(data any, via string) error {
	if c.Rejected() {
		return ErrRejected
	}
	ev := c.logger.Debug()
	if via != "" {
		ev = ev.Str("via", via)
	}
	ev.Msg("transmitting")
	return c.conn.Transmit(Transmission{Identifier: c.identifier, Message: data, Via: via})
}

// DeferSubscriptionConfirmation holds the confirmation back until
// TransmitSubscriptionConfirmation is called. Calling it again has no effect.
func (c *Channel) DeferSubscriptionConfirmation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deferred {
		return
	}
	c.deferred = true
	if c.confirmationTimeout > 0 && c.state == statePending {
		c.timer = time.AfterFunc(c.confirmationTimeout, func() {
			c.rejectSubscription(ErrConfirmationTimeout)
		})
	}
}

// TransmitSubscriptionConfirmation confirms the subscription. Only the first
// call on a pending subscription sends anything.
func (c *Channel) TransmitSubscriptionConfirmation() {
	c.mu.Lock()
	if c.state != statePending {
		c.mu.Unlock()
		return
	}
	c.state = stateConfirmed
	c.stopTimerLocked()
	c.mu.Unlock()

	c.logger.Info().Msg("transmitting subscription confirmation")
	if err := c.conn.Transmit(Transmission{Identifier: c.identifier, Type: TypeConfirmSubscription}); err != nil {
		c.logger.Warn().Err(err).Msg("failed to transmit subscription confirmation")
	}
}

// Confirmed reports whether the confirmation has been sent.
func (c *Channel) Confirmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConfirmed
}

// Rejected reports whether the subscription has been rejected.
func (c *Channel) Rejected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateRejected
}

// rejectSubscription rejects a pending subscription. It reports false when
// the subscription was already confirmed or rejected.
func (c *Channel) rejectSubscription(reason error) bool {
	c.mu.Lock()
	if c.state != statePending {
		c.mu.Unlock()
		return false
	}
	c.state = stateRejected
	c.stopTimerLocked()
	c.mu.Unlock()

	ev := c.logger.Info()
	if reason != nil {
		ev = c.logger.Warn().Err(reason)
	}
	ev.Msg("rejecting subscription")
	if err := c.conn.Transmit(Transmission{Identifier: c.identifier, Type: TypeRejectSubscription}); err != nil {
		c.logger.Warn().Err(err).Msg("failed to transmit subscription rejection")
	}
	return true
}

func (c *Channel) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
