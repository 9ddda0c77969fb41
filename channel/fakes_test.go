package channel

import (
	"context"
	"strconv"
	"sync"

	"github.com/toolink/cable/pubsub"
	"github.com/toolink/cable/worker"
)

type subscribeCall struct {
	topic     string
	handler   pubsub.Handler
	onSuccess func()
}

// fakePubSub records every call and only confirms subscriptions when told to.
type fakePubSub struct {
	mu           sync.Mutex
	subscribes   []subscribeCall
	unsubscribes []subscribeCall
	subscribeErr error
}

func (f *fakePubSub) Broadcast(_ context.Context, topic, payload string) error {
	f.mu.Lock()
	var handlers []pubsub.Handler
	for _, c := range f.subscribes {
		if c.topic == topic && !f.unsubscribedLocked(c) {
			handlers = append(handlers, c.handler)
		}
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h.Handle(payload)
	}
	return nil
}

func (f *fakePubSub) unsubscribedLocked(c subscribeCall) bool {
	for _, u := range f.unsubscribes {
		if u.topic == c.topic && u.handler == c.handler {
			return true
		}
	}
	return false
}

func (f *fakePubSub) Subscribe(_ context.Context, topic string, h pubsub.Handler, onSuccess func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribes = append(f.subscribes, subscribeCall{topic: topic, handler: h, onSuccess: onSuccess})
	return nil
}

func (f *fakePubSub) Unsubscribe(_ context.Context, topic string, h pubsub.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes = append(f.unsubscribes, subscribeCall{topic: topic, handler: h})
	return nil
}

func (f *fakePubSub) Close() error { return nil }

// confirmAll fires every recorded onSuccess callback.
func (f *fakePubSub) confirmAll() {
	f.mu.Lock()
	calls := append([]subscribeCall(nil), f.subscribes...)
	f.mu.Unlock()
	for _, c := range calls {
		c.onSuccess()
	}
}

func (f *fakePubSub) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribes)
}

func (f *fakePubSub) unsubscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unsubscribes)
}

// inlineExecutor runs tasks on the submitting goroutine. Like a pool it
// accepts the task even when the task fails.
type inlineExecutor struct{}

func (inlineExecutor) Submit(task worker.Task) error {
	_ = task(context.Background())
	return nil
}

// rejectingExecutor refuses every task, like a stopped pool.
type rejectingExecutor struct{}

func (rejectingExecutor) Submit(worker.Task) error { return worker.ErrPoolStopped }

// queueExecutor holds tasks until run is called.
type queueExecutor struct {
	mu    sync.Mutex
	tasks []worker.Task
	errs  []error
}

func (q *queueExecutor) Submit(task worker.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *queueExecutor) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *queueExecutor) run() {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()
	for _, task := range tasks {
		if err := task(context.Background()); err != nil {
			q.mu.Lock()
			q.errs = append(q.errs, err)
			q.mu.Unlock()
		}
	}
}

// fakeConnection records transmissions.
type fakeConnection struct {
	ps   pubsub.PubSub
	pool Executor
	loop Executor

	mu   sync.Mutex
	sent []Transmission
}

func newFakeConnection(ps pubsub.PubSub) *fakeConnection {
	return &fakeConnection{ps: ps, pool: &queueExecutor{}, loop: inlineExecutor{}}
}

func (c *fakeConnection) Identifier() string    { return "conn-1" }
func (c *fakeConnection) PubSub() pubsub.PubSub { return c.ps }
func (c *fakeConnection) WorkerPool() Executor  { return c.pool }
func (c *fakeConnection) EventLoop() Executor   { return c.loop }

func (c *fakeConnection) Transmit(t Transmission) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, t)
	return nil
}

func (c *fakeConnection) transmissions() []Transmission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Transmission(nil), c.sent...)
}

func (c *fakeConnection) ofType(typ string) []Transmission {
	var out []Transmission
	for _, t := range c.transmissions() {
		if t.Type == typ {
			out = append(out, t)
		}
	}
	return out
}

// messages returns transmissions that carry broadcast data.
func (c *fakeConnection) messages() []Transmission {
	return c.ofType("")
}

type post struct{ id int }

func (p post) GlobalID() string { return "gid://TestApp/Post/" + strconv.Itoa(p.id) }
