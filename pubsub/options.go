package pubsub

import "time"

// Options holds configuration shared by the backends.
type Options struct {
	// BufferSize is the number of pending events a memory topic (or the redis
	// listener channel) can hold before Broadcast starts blocking.
	// Defaults to 256.
	BufferSize int
	// ChannelPrefix is prepended to every topic name on the redis server,
	// so several applications can share one redis instance.
	ChannelPrefix string
	// HealthCheckInterval is how often the redis listener pings the server
	// while idle. Defaults to 30s.
	HealthCheckInterval time.Duration
}

// Option is a function type used to configure a backend.
type Option func(*Options)

// DefaultOptions returns the default options.
func DefaultOptions() *Options {
	return &Options{
		BufferSize:          256,
		HealthCheckInterval: 30 * time.Second,
	}
}

// WithBufferSize sets the per topic event buffer.
func WithBufferSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.BufferSize = n
		}
	}
}

// WithChannelPrefix sets the redis channel prefix.
func WithChannelPrefix(prefix string) Option {
	return func(o *Options) {
		o.ChannelPrefix = prefix
	}
}

// WithHealthCheckInterval sets the redis listener ping interval.
func WithHealthCheckInterval(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.HealthCheckInterval = d
		}
	}
}

// Apply applies the options to the Options struct.
func (o *Options) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(o)
	}
}
