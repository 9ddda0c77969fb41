package worker

import "context"

type poolOptions struct {
	concurrency int // number of goroutines executing tasks
	bufferSize  int // tasks queued before Submit blocks
	onError     func(err error)
	baseContext context.Context
}

func defaultPoolOptions() poolOptions {
	return poolOptions{
		concurrency: 4,
		bufferSize:  1024,
		baseContext: context.Background(),
	}
}

// Option configures a Pool.
type Option func(*poolOptions)

// WithConcurrency sets the number of goroutines executing tasks.
// Defaults to 4.
func WithConcurrency(n int) Option {
	return func(o *poolOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithBufferSize sets how many tasks can wait in the queue before Submit
// starts blocking. Defaults to 1024.
func WithBufferSize(size int) Option {
	return func(o *poolOptions) {
		if size > 0 {
			o.bufferSize = size
		}
	}
}

// WithErrorHandler registers a callback for tasks that fail or panic.
// The callback runs on the worker goroutine after the failure is logged.
func WithErrorHandler(fn func(err error)) Option {
	return func(o *poolOptions) {
		o.onError = fn
	}
}

// WithBaseContext sets the parent of the context handed to every task.
// It is cancelled when the pool stops.
func WithBaseContext(ctx context.Context) Option {
	return func(o *poolOptions) {
		if ctx != nil {
			o.baseContext = ctx
		}
	}
}
