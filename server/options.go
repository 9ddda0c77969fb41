package server

import (
	"time"

	"github.com/toolink/cable/limiter"
	"github.com/toolink/cable/pubsub"
)

type options struct {
	pubsub              pubsub.PubSub
	limiter             *limiter.RateLimiter
	workerPoolSize      int
	workerQueueSize     int
	confirmationTimeout time.Duration
	pingInterval        time.Duration
	allowedOrigins      []string
}

func defaultOptions() options {
	return options{
		workerPoolSize:  4,
		workerQueueSize: 1024,
		pingInterval:    3 * time.Second,
	}
}

// Option configures a Server.
type Option func(*options)

// WithPubSub sets the broadcast backend. Defaults to the global broker.
func WithPubSub(ps pubsub.PubSub) Option {
	return func(o *options) {
		o.pubsub = ps
	}
}

// WithLimiter rate limits client commands.
func WithLimiter(rl *limiter.RateLimiter) Option {
	return func(o *options) {
		o.limiter = rl
	}
}

// WithWorkerPool sizes the pool running stream callbacks and actions.
func WithWorkerPool(size, queueSize int) Option {
	return func(o *options) {
		if size > 0 {
			o.workerPoolSize = size
		}
		if queueSize > 0 {
			o.workerQueueSize = queueSize
		}
	}
}

// WithConfirmationTimeout rejects subscriptions that are not confirmed in
// time. Zero waits forever.
func WithConfirmationTimeout(d time.Duration) Option {
	return func(o *options) {
		o.confirmationTimeout = d
	}
}

// WithPingInterval sets how often clients are pinged.
func WithPingInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pingInterval = d
		}
	}
}

// WithAllowedOrigins restricts the Origin header of upgrade requests. "*"
// allows any origin; an empty list only allows same-host requests.
func WithAllowedOrigins(origins ...string) Option {
	return func(o *options) {
		o.allowedOrigins = origins
	}
}
