package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrPoolStopped is returned by Submit once Stop has been called.
	ErrPoolStopped = errors.New("worker: pool is stopped")
	// ErrNilTask is returned when Submit is called with a nil task.
	ErrNilTask = errors.New("worker: task cannot be nil")
)

// Task is a unit of work executed by a Pool.
type Task func(ctx context.Context) error

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("worker: task panicked: %v", e.Value)
}

// Pool runs submitted tasks on a fixed set of goroutines, so callers can hand
// work off without waiting for it.
type Pool struct {
	name     string
	opts     poolOptions
	tasks    chan Task
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.RWMutex // guards stopped against concurrent Submit
	stopped  bool
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// NewPool creates a pool and starts its goroutines.
func NewPool(name string, opts ...Option) *Pool {
	cfg := defaultPoolOptions()
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(cfg.baseContext)
	p := &Pool{
		name:   name,
		opts:   cfg,
		tasks:  make(chan Task, cfg.bufferSize),
		ctx:    ctx,
		cancel: cancel,
		logger: log.With().Str("pool", name).Logger(),
	}

	p.wg.Add(cfg.concurrency)
	for i := 0; i < cfg.concurrency; i++ {
		go p.runProcessor(i)
	}
	p.logger.Debug().Int("concurrency", cfg.concurrency).Int("buffer_size", cfg.bufferSize).Msg("worker pool started")
	return p
}

// NewLoop creates a pool with a single goroutine. Tasks posted to a loop run
// one after another in submission order.
func NewLoop(name string, opts ...Option) *Pool {
	return NewPool(name, append(opts, WithConcurrency(1))...)
}

// Submit queues task for execution and returns without waiting for it to run.
// It only blocks when the queue is full.
func (p *Pool) Submit(task Task) error {
	if task == nil {
		return ErrNilTask
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.tasks <- task:
		return nil
	default:
	}

	p.logger.Warn().Int("buffer_size", cap(p.tasks)).Msg("worker pool queue full, waiting for a free slot")
	select {
	case p.tasks <- task:
		return nil
	case <-p.ctx.Done():
		return ErrPoolStopped
	}
}

// Stop stops accepting tasks, lets the goroutines drain what is already
// queued and waits for them to exit or for ctx to expire.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.tasks)
		p.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Debug().Msg("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.cancel()
		p.logger.Error().Err(ctx.Err()).Msg("worker pool stop timed out")
		return fmt.Errorf("stopping pool %s: %w", p.name, ctx.Err())
	}
}

// runProcessor executes tasks until the queue is closed.
func (p *Pool) runProcessor(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.execute(task, id)
	}
}

// execute runs a single task, recovering panics and reporting failures.
func (p *Pool) execute(task Task, id int) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Value: r}
			}
		}()
		err = task(p.ctx)
	}()

	if err == nil {
		return
	}
	p.logger.Error().Err(err).Int("processor_id", id).Msg("task failed")
	if p.opts.onError != nil {
		p.opts.onError(err)
	}
}
