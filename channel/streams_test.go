package channel

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/cable/codec"
	"github.com/toolink/cable/pubsub"
	"github.com/toolink/cable/worker"
)

type testBehavior struct {
	Base
	subscribed   func(ch *Channel) error
	unsubscribed func(ch *Channel)
	actions      map[string]func(ch *Channel, data map[string]any) error
}

func (b *testBehavior) Subscribed(ch *Channel) error {
	if b.subscribed != nil {
		return b.subscribed(ch)
	}
	return nil
}

func (b *testBehavior) Unsubscribed(ch *Channel) {
	if b.unsubscribed != nil {
		b.unsubscribed(ch)
	}
}

func (b *testBehavior) Perform(ch *Channel, action string, data map[string]any) error {
	fn, ok := b.actions[action]
	if !ok {
		return errors.New("unknown action")
	}
	return fn(ch, data)
}

func TestStreamFrom(t *testing.T) {
	t.Run("subscribes once per call and confirms after the backend does", func(t *testing.T) {
		ps := &fakePubSub{}
		conn := newFakeConnection(ps)
		ch := New(conn, "CommentsChannel", "id", nil, &testBehavior{
			subscribed: func(ch *Channel) error {
				require.NoError(t, ch.StreamFrom("comments_for_45"))
				require.NoError(t, ch.StreamFrom("comments_for_46"))
				return nil
			},
		})

		require.NoError(t, ch.Subscribe())
		assert.Equal(t, 2, ps.subscribeCount())
		assert.Empty(t, conn.ofType(TypeConfirmSubscription), "confirmed before the backend")
		assert.False(t, ch.Confirmed())

		ps.confirmAll()
		assert.Len(t, conn.ofType(TypeConfirmSubscription), 1)
		assert.True(t, ch.Confirmed())
	})

	t.Run("same topic twice opens two streams", func(t *testing.T) {
		ps := &fakePubSub{}
		ch := New(newFakeConnection(ps), "CommentsChannel", "id", nil, nil)

		require.NoError(t, ch.StreamFrom("comments_for_45"))
		require.NoError(t, ch.StreamFrom("comments_for_45"))

		require.Equal(t, 2, ps.subscribeCount())
		assert.Equal(t, 2, ch.Streams().Len())
		assert.True(t, ps.subscribes[0].handler != ps.subscribes[1].handler)
	})

	t.Run("normalises the topic", func(t *testing.T) {
		ps := &fakePubSub{}
		ch := New(newFakeConnection(ps), "CommentsChannel", "id", nil, nil)

		require.NoError(t, ch.StreamFrom("  comments_for_45 "))
		assert.Equal(t, "comments_for_45", ps.subscribes[0].topic)

		assert.ErrorIs(t, ch.StreamFrom("   "), ErrEmptyTopic)
		assert.Equal(t, 1, ps.subscribeCount())
	})
}

func TestStreamFrom_DefaultHandler(t *testing.T) {
	t.Run("raw payload is transmitted unchanged", func(t *testing.T) {
		ps := pubsub.NewMemoryPubSub()
		defer ps.Close()
		conn := newFakeConnection(ps)
		ch := New(conn, "CommentsChannel", "id", nil, &testBehavior{
			subscribed: func(ch *Channel) error { return ch.StreamFrom("comments_for_45") },
		})
		require.NoError(t, ch.Subscribe())

		require.Eventually(t, ch.Confirmed, time.Second, 5*time.Millisecond)
		require.NoError(t, ps.Broadcast(context.Background(), "comments_for_45", "hello"))

		require.Eventually(t, func() bool { return len(conn.messages()) == 1 }, time.Second, 5*time.Millisecond)
		msg := conn.messages()[0]
		assert.Equal(t, "hello", msg.Message)
		assert.Equal(t, "streamed from comments_for_45", msg.Via)
		assert.Equal(t, "id", msg.Identifier)
	})

	t.Run("decoder output is transmitted", func(t *testing.T) {
		ps := &fakePubSub{}
		conn := newFakeConnection(ps)
		ch := New(conn, "CommentsChannel", "id", nil, nil)
		require.NoError(t, ch.StreamFrom("comments_for_45", WithDefaultCoder()))

		require.NoError(t, ps.Broadcast(context.Background(), "comments_for_45", `{"author":"DHH"}`))
		require.Len(t, conn.messages(), 1)
		assert.Equal(t, map[string]any{"author": "DHH"}, conn.messages()[0].Message)
	})

	t.Run("undecodable payloads are not transmitted", func(t *testing.T) {
		ps := &fakePubSub{}
		conn := newFakeConnection(ps)
		ch := New(conn, "CommentsChannel", "id", nil, nil)
		require.NoError(t, ch.StreamFrom("comments_for_45", WithDecoder(codec.JSON)))

		require.NoError(t, ps.Broadcast(context.Background(), "comments_for_45", "not json"))
		assert.Empty(t, conn.messages())
	})
}

func TestStreamFrom_Callback(t *testing.T) {
	t.Run("runs on the worker pool with the decoded message", func(t *testing.T) {
		ps := &fakePubSub{}
		conn := newFakeConnection(ps)
		pool := conn.pool.(*queueExecutor)
		ch := New(conn, "ChatChannel", "id", nil, nil)

		var got []any
		require.NoError(t, ch.StreamFrom("chat_1",
			WithDecoder(codec.JSON),
			WithCallback(func(_ context.Context, message any) error {
				got = append(got, message)
				return nil
			}),
		))

		require.NoError(t, ps.Broadcast(context.Background(), "chat_1", `{"originated_at":1.0}`))
		assert.Empty(t, got, "callback ran on the notification path")
		assert.Equal(t, 1, pool.pending())

		pool.run()
		assert.Equal(t, []any{map[string]any{"originated_at": 1.0}}, got)
		assert.Empty(t, conn.messages())
	})

	t.Run("decode errors surface to the pool", func(t *testing.T) {
		ps := &fakePubSub{}
		conn := newFakeConnection(ps)
		pool := conn.pool.(*queueExecutor)
		ch := New(conn, "ChatChannel", "id", nil, nil)

		called := false
		require.NoError(t, ch.StreamFrom("chat_1",
			WithDefaultCoder(),
			WithCallback(func(context.Context, any) error { called = true; return nil }),
		))
		require.NoError(t, ps.Broadcast(context.Background(), "chat_1", "{"))
		pool.run()

		assert.False(t, called)
		require.Len(t, pool.errs, 1)
		assert.ErrorIs(t, pool.errs[0], codec.ErrDecode)
	})

	t.Run("without decoder the raw message is passed", func(t *testing.T) {
		ps := &fakePubSub{}
		conn := newFakeConnection(ps)
		pool := conn.pool.(*queueExecutor)
		ch := New(conn, "ChatChannel", "id", nil, nil)

		var got any
		require.NoError(t, ch.StreamFrom("chat_1", WithCallback(func(_ context.Context, message any) error {
			got = message
			return nil
		})))
		require.NoError(t, ps.Broadcast(context.Background(), "chat_1", `{"a":1}`))
		pool.run()
		assert.Equal(t, `{"a":1}`, got)
	})
}

func TestStreamFrom_LowLevelHandler(t *testing.T) {
	ps := &fakePubSub{}
	conn := newFakeConnection(ps)
	ch := New(conn, "ChatChannel", "id", nil, nil)

	var got []string
	require.NoError(t, ch.StreamFrom("chat_1", WithLowLevelHandler(func(message string) {
		got = append(got, message)
	})))
	require.NoError(t, ps.Broadcast(context.Background(), "chat_1", "raw"))

	assert.Equal(t, []string{"raw"}, got)
	assert.Zero(t, conn.pool.(*queueExecutor).pending())
}

func TestStopAllStreams(t *testing.T) {
	t.Run("unsubscribe lifecycle stops every stream once", func(t *testing.T) {
		ps := &fakePubSub{}
		var order []string
		ch := New(newFakeConnection(ps), "CommentsChannel", "id", nil, &testBehavior{
			subscribed: func(ch *Channel) error {
				require.NoError(t, ch.StreamFrom("comments_for_45"))
				return ch.StreamFrom("comments_for_46")
			},
			unsubscribed: func(ch *Channel) { order = append(order, "unsubscribed") },
		})
		ch.OnUnsubscribe(func() { order = append(order, "hook") })
		require.NoError(t, ch.Subscribe())

		ch.Unsubscribe()
		require.Equal(t, 2, ps.unsubscribeCount())
		assert.Zero(t, ch.Streams().Len())
		assert.Equal(t, []string{"unsubscribed", "hook"}, order)

		// Same handlers, same order.
		for i, u := range ps.unsubscribes {
			assert.Equal(t, ps.subscribes[i].topic, u.topic)
			assert.True(t, ps.subscribes[i].handler == u.handler)
		}

		ch.StopAllStreams()
		ch.Unsubscribe()
		assert.Equal(t, 2, ps.unsubscribeCount())
	})

	t.Run("explicit stop then resubscribe elsewhere", func(t *testing.T) {
		ps := &fakePubSub{}
		ch := New(newFakeConnection(ps), "CommentsChannel", "id", nil, nil)

		require.NoError(t, ch.StreamFrom("comments_for_45"))
		ch.StopAllStreams()
		assert.Equal(t, 1, ps.unsubscribeCount())

		require.NoError(t, ch.StreamFrom("comments_for_46"))
		assert.Equal(t, 1, ch.Streams().Len())

		ch.Unsubscribe()
		assert.Equal(t, 2, ps.unsubscribeCount())
		assert.Equal(t, "comments_for_46", ps.unsubscribes[1].topic)
	})

	t.Run("empty registry is a no-op", func(t *testing.T) {
		ps := &fakePubSub{}
		ch := New(newFakeConnection(ps), "CommentsChannel", "id", nil, nil)
		ch.StopAllStreams()
		assert.Zero(t, ps.unsubscribeCount())
	})

	t.Run("late broadcasts are tolerated", func(t *testing.T) {
		ps := pubsub.NewMemoryPubSub()
		defer ps.Close()
		conn := newFakeConnection(ps)
		ch := New(conn, "CommentsChannel", "id", nil, nil)
		require.NoError(t, ch.StreamFrom("comments_for_45"))

		var handler pubsub.Handler
		ch.Streams().Each(func(s Stream) { handler = s.Handler })
		ch.StopAllStreams()

		assert.NotPanics(t, func() { handler.Handle("late") })
		assert.Empty(t, conn.messages())
	})
}

func TestStreamFrom_EventLoopOrdering(t *testing.T) {
	t.Run("backend subscribe waits for the event loop", func(t *testing.T) {
		ps := &fakePubSub{}
		conn := newFakeConnection(ps)
		loop := &queueExecutor{}
		conn.loop = loop
		ch := New(conn, "CommentsChannel", "id", nil, nil)

		require.NoError(t, ch.StreamFrom("comments_for_45"))
		assert.Zero(t, ps.subscribeCount())
		assert.Equal(t, 1, loop.pending())

		loop.run()
		assert.Equal(t, 1, ps.subscribeCount())
		assert.Empty(t, loop.errs)
	})

	t.Run("unsubscribe before the loop runs leaves nothing in the backend", func(t *testing.T) {
		ps := pubsub.NewMemoryPubSub()
		defer ps.Close()
		conn := newFakeConnection(ps)
		loop := &queueExecutor{}
		conn.loop = loop
		ch := New(conn, "CommentsChannel", "id", nil, &testBehavior{
			subscribed: func(ch *Channel) error { return ch.StreamFrom("comments_for_45") },
		})

		require.NoError(t, ch.Subscribe())
		ch.Unsubscribe()
		loop.run()

		assert.Empty(t, ps.Topics())
		require.NoError(t, ps.Broadcast(context.Background(), "comments_for_45", "late"))
		assert.Never(t, func() bool { return len(conn.transmissions()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
		assert.False(t, ch.Confirmed())
	})

	t.Run("follow then unfollow before the loop runs", func(t *testing.T) {
		ps := &fakePubSub{}
		conn := newFakeConnection(ps)
		loop := &queueExecutor{}
		conn.loop = loop
		ch := New(conn, "CommentsChannel", "id", nil, nil)

		require.NoError(t, ch.StreamFrom("comments_for_45"))
		ch.StopAllStreams()
		require.NoError(t, ch.StreamFrom("comments_for_46"))
		loop.run()

		require.Equal(t, 1, ps.subscribeCount())
		assert.Equal(t, "comments_for_46", ps.subscribes[0].topic)
		assert.Zero(t, ps.unsubscribeCount())
	})

	t.Run("stop after subscribe suppresses a late confirmation", func(t *testing.T) {
		ps := &fakePubSub{}
		conn := newFakeConnection(ps)
		ch := New(conn, "CommentsChannel", "id", nil, nil)

		require.NoError(t, ch.StreamFrom("comments_for_45"))
		ch.StopAllStreams()
		assert.Equal(t, 1, ps.unsubscribeCount())

		ps.confirmAll()
		assert.Empty(t, conn.ofType(TypeConfirmSubscription))
		assert.False(t, ch.Confirmed())
	})

	t.Run("real event loop with a backlog", func(t *testing.T) {
		ps := pubsub.NewMemoryPubSub()
		defer ps.Close()
		loop := worker.NewLoop("test-loop")
		defer loop.Stop(context.Background())

		conn := newFakeConnection(ps)
		conn.loop = loop
		ch := New(conn, "CommentsChannel", "id", nil, nil)

		release := make(chan struct{})
		require.NoError(t, loop.Submit(func(context.Context) error {
			<-release
			return nil
		}))
		require.NoError(t, ch.StreamFrom("t1"))
		ch.Unsubscribe()
		close(release)

		done := make(chan struct{})
		require.NoError(t, loop.Submit(func(context.Context) error {
			close(done)
			return nil
		}))
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("event loop did not drain")
		}
		assert.Empty(t, ps.Topics())
	})
}

func TestCallbackHandler_RejectedTaskIsLoggedWithChannelFields(t *testing.T) {
	var buf bytes.Buffer
	orig := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = orig })

	ps := &fakePubSub{}
	conn := newFakeConnection(ps)
	conn.pool = rejectingExecutor{}
	ch := New(conn, "CommentsChannel", "id", nil, nil)
	require.NoError(t, ch.StreamFrom("comments_for_45", WithCallback(func(context.Context, any) error { return nil })))

	require.NoError(t, ps.Broadcast(context.Background(), "comments_for_45", "hello"))

	out := buf.String()
	assert.Contains(t, out, "dropping broadcast")
	assert.Contains(t, out, `"channel":"CommentsChannel"`)
	assert.Contains(t, out, `"connection_id":"conn-1"`)
}

func TestStreamFor(t *testing.T) {
	ps := &fakePubSub{}
	ch := New(newFakeConnection(ps), "CommentsChannel", "id", nil, nil)

	require.NoError(t, ch.StreamFor(post{id: 1}))
	require.NoError(t, ch.StreamFor(post{id: 1}))
	require.NoError(t, ch.StreamFor(post{id: 2}))

	require.Equal(t, 3, ps.subscribeCount())
	assert.Equal(t, "comments:Z2lkOi8vVGVzdEFwcC9Qb3N0LzE", ps.subscribes[0].topic)
	assert.Equal(t, ps.subscribes[0].topic, ps.subscribes[1].topic)
	assert.NotEqual(t, ps.subscribes[0].topic, ps.subscribes[2].topic)
}

func TestBroadcastTo(t *testing.T) {
	ps := pubsub.NewMemoryPubSub()
	defer ps.Close()
	conn := newFakeConnection(ps)
	ch := New(conn, "CommentsChannel", "id", nil, nil)
	require.NoError(t, ch.StreamFor(post{id: 1}, WithDefaultCoder()))

	// the memory backend confirms asynchronously
	require.Eventually(t, func() bool {
		return len(conn.ofType(TypeConfirmSubscription)) == 1
	}, time.Second, 5*time.Millisecond)

	comment := map[string]any{"content": "Rails is just swell"}
	require.NoError(t, BroadcastTo(context.Background(), ps, "CommentsChannel", post{id: 1}, comment))

	require.Eventually(t, func() bool { return len(conn.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, comment, conn.messages()[0].Message)
}
