// Package connection serves one websocket client: it frames the wire
// protocol and drives the client's channel subscriptions.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/toolink/cable/channel"
	"github.com/toolink/cable/limiter"
	"github.com/toolink/cable/meta"
	"github.com/toolink/cable/pubsub"
)

// Resolver finds the behavior factory of a channel class.
type Resolver interface {
	Lookup(className string) (channel.Factory, bool)
}

// Config holds what a connection shares with the rest of the server.
type Config struct {
	PubSub     pubsub.PubSub
	WorkerPool channel.Executor
	EventLoop  channel.Executor
	Channels   Resolver
	Limiter    *limiter.RateLimiter // optional

	PingInterval        time.Duration
	WriteTimeout        time.Duration
	SendBufferSize      int
	MaxMessageSize      int64
	ConfirmationTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 3 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = 256
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
}

// Connection is one websocket client.
//
// Commands are processed one at a time on the goroutine running Run, which
// is the only goroutine touching the subscriptions. Frames are written by a
// separate writer goroutine; Transmit only queues them.
type Connection struct {
	id     string
	ws     *websocket.Conn
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	subscriptions map[string]*channel.Channel

	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	writerDone chan struct{}
}

// New wraps an upgraded websocket. r is the upgrade request, used for the
// connection metadata.
func New(ws *websocket.Conn, r *http.Request, cfg Config) *Connection {
	cfg.setDefaults()
	id := uuid.NewString()

	md := meta.FromRequest(r, id)
	ctx, cancel := context.WithCancel(md.WithContext(context.Background()))

	return &Connection{
		id:            id,
		ws:            ws,
		cfg:           cfg,
		ctx:           ctx,
		cancel:        cancel,
		logger:        log.With().Str("connection_id", id).Str("ip", meta.ClientIP(r)).Logger(),
		subscriptions: make(map[string]*channel.Channel),
		send:          make(chan []byte, cfg.SendBufferSize),
		done:          make(chan struct{}),
		writerDone:    make(chan struct{}),
	}
}

// Identifier returns the connection id.
func (c *Connection) Identifier() string { return c.id }

// Context is cancelled when the connection closes. It carries the
// connection metadata.
func (c *Connection) Context() context.Context { return c.ctx }

func (c *Connection) PubSub() pubsub.PubSub        { return c.cfg.PubSub }
func (c *Connection) WorkerPool() channel.Executor { return c.cfg.WorkerPool }
func (c *Connection) EventLoop() channel.Executor  { return c.cfg.EventLoop }
func (c *Connection) Done() <-chan struct{}        { return c.done }

// Transmit queues t for the client. It never blocks: a client whose buffer
// is full is disconnected.
func (c *Connection) Transmit(t channel.Transmission) error {
	return c.write(frame{Type: t.Type, Identifier: t.Identifier, Message: t.Message})
}

func (c *Connection) write(f frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	b, err := json.Marshal(f)
	if err != nil {
		return err
	}

	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		c.logger.Warn().Int("buffer_size", cap(c.send)).Msg("send buffer full, closing slow connection")
		c.Close()
		return ErrSendBufferFull
	}
}

// Disconnect tells the client why it is being dropped, then closes.
func (c *Connection) Disconnect(reason string, reconnect bool) {
	if err := c.write(frame{Type: TypeDisconnect, Reason: reason, Reconnect: &reconnect}); err != nil {
		c.logger.Debug().Err(err).Msg("failed to queue disconnect")
	}
	c.Close()
}

// Close starts closing the connection. Queued frames are flushed first.
// Safe to call from any goroutine, any number of times.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.done)
	})
}

// Run serves the connection until the client goes away or Close is called.
// Every channel is unsubscribed before Run returns.
func (c *Connection) Run() {
	c.logger.Info().Fields(meta.FromContext(c.ctx).Fields()).Msg("connection opened")
	go c.writeLoop()

	if err := c.write(frame{Type: TypeWelcome}); err != nil {
		c.logger.Warn().Err(err).Msg("failed to queue welcome")
	}
	c.readLoop()

	c.Close()
	c.unsubscribeAll()
	<-c.writerDone
	c.logger.Info().Msg("connection closed")
}

func (c *Connection) readLoop() {
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Warn().Err(err).Msg("unexpected websocket close")
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.logger.Error().Err(err).Msg("could not decode command")
			continue
		}
		c.dispatch(cmd)
	}
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.writerDone)
	}()

	for {
		select {
		case b := <-c.send:
			if err := c.writeMessage(b); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			b, _ := json.Marshal(frame{Type: TypePing, Message: time.Now().Unix()})
			if err := c.writeMessage(b); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			return
		}
	}
}

// flush writes whatever is still queued.
func (c *Connection) flush() {
	for {
		select {
		case b := <-c.send:
			if err := c.writeMessage(b); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) writeMessage(b []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *Connection) dispatch(cmd Command) {
	switch cmd.Command {
	case CommandSubscribe:
		if c.limited(CommandSubscribe) {
			c.rejectIdentifier(cmd.Identifier)
			return
		}
		c.subscribe(cmd.Identifier)
	case CommandUnsubscribe:
		if c.limited(CommandUnsubscribe) {
			return
		}
		c.unsubscribe(cmd.Identifier)
	case CommandMessage:
		c.perform(cmd.Identifier, cmd.Data)
	default:
		c.logger.Error().Str("command", cmd.Command).Msg("received unrecognized command")
	}
}

func (c *Connection) limited(subject string) bool {
	if c.cfg.Limiter == nil {
		return false
	}
	return c.cfg.Limiter.Limit(c.ctx, subject)
}

func (c *Connection) subscribe(identifier string) {
	if _, ok := c.subscriptions[identifier]; ok {
		c.logger.Error().Str("identifier", identifier).Msg("already subscribed")
		return
	}

	name, params, err := parseIdentifier(identifier)
	if err != nil {
		c.logger.Error().Err(err).Str("identifier", identifier).Msg("could not subscribe")
		c.rejectIdentifier(identifier)
		return
	}

	factory, ok := c.cfg.Channels.Lookup(name)
	if !ok {
		c.logger.Error().Str("channel", name).Msg("subscription class not found")
		c.rejectIdentifier(identifier)
		return
	}

	ch := channel.New(c, name, identifier, params, factory(),
		channel.WithConfirmationTimeout(c.cfg.ConfirmationTimeout),
		channel.WithContext(c.ctx),
	)
	c.subscriptions[identifier] = ch

	if err := ch.Subscribe(); err != nil {
		delete(c.subscriptions, identifier)
		ch.Unsubscribe()
		if !errors.Is(err, channel.ErrRejected) {
			c.logger.Error().Err(err).Str("channel", name).Msg("subscribe failed")
		}
	}
}

func (c *Connection) unsubscribe(identifier string) {
	ch, ok := c.subscriptions[identifier]
	if !ok {
		c.logger.Error().Str("identifier", identifier).Msg("unable to find subscription")
		return
	}
	delete(c.subscriptions, identifier)
	ch.Unsubscribe()
}

func (c *Connection) perform(identifier, data string) {
	ch, ok := c.subscriptions[identifier]
	if !ok {
		c.logger.Error().Str("identifier", identifier).Msg("unable to find subscription")
		return
	}

	action, payload, err := parseData(data)
	if err != nil {
		c.logger.Error().Err(err).Str("channel", ch.Name()).Msg("could not perform action")
		return
	}
	if c.limited(CommandMessage + ":" + action) {
		return
	}
	if err := ch.Perform(action, payload); err != nil {
		c.logger.Error().Err(err).Str("channel", ch.Name()).Str("action", action).Msg("action failed")
	}
}

// rejectIdentifier rejects a subscription that never got a channel.
func (c *Connection) rejectIdentifier(identifier string) {
	_ = c.write(frame{Type: channel.TypeRejectSubscription, Identifier: identifier})
}

func (c *Connection) unsubscribeAll() {
	for identifier, ch := range c.subscriptions {
		delete(c.subscriptions, identifier)
		ch.Unsubscribe()
	}
}

var _ channel.Connection = (*Connection)(nil)
