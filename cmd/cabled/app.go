package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/cable/channel"
	"github.com/toolink/cable/config"
	"github.com/toolink/cable/extension"
	"github.com/toolink/cable/global"
	"github.com/toolink/cable/limiter"
	"github.com/toolink/cable/pubsub"
	"github.com/toolink/cable/server"
)

// app owns the process wide components. Each one is loaded as an extension
// so startup and teardown follow a single order.
type app struct {
	cfg *config.Config

	redis  *redis.Client
	broker *pubsub.Broker
	server *server.Server
	http   *http.Server
	addr   net.Addr
}

func (a *app) register(m *extension.Manager) error {
	return errors.Join(
		m.Register(&extension.Func{ExtName: "broker", OnLoad: a.loadBroker, OnShutdown: a.shutdownBroker}),
		m.Register(&extension.Func{ExtName: "server", OnLoad: a.loadServer, OnShutdown: a.shutdownServer}),
		m.Register(&extension.Func{ExtName: "http", OnLoad: a.loadHTTP, OnShutdown: a.shutdownHTTP}),
	)
}

func (a *app) loadBroker(ctx context.Context) error {
	if a.cfg.Redis.URL == "" {
		a.broker = pubsub.New()
		global.SetBroker(a.broker)
		return nil
	}

	client, err := pubsub.ConnectRedis(ctx, a.cfg.Redis)
	if err != nil {
		return err
	}
	a.redis = client
	a.broker = pubsub.New(
		pubsub.WithRedisClient(client),
		pubsub.WithBackendOptions(pubsub.WithChannelPrefix(a.cfg.Redis.ChannelPrefix)),
	)
	global.SetBroker(a.broker)
	return nil
}

func (a *app) shutdownBroker(context.Context) error {
	err := a.broker.Close()
	if a.redis != nil {
		err = errors.Join(err, a.redis.Close())
	}
	return err
}

func (a *app) loadServer(context.Context) error {
	opts := []server.Option{
		server.WithPubSub(global.GetBroker()),
		server.WithWorkerPool(a.cfg.WorkerPoolSize, a.cfg.WorkerQueueSize),
		server.WithConfirmationTimeout(a.cfg.ConfirmationTimeout),
		server.WithPingInterval(a.cfg.PingInterval),
		server.WithAllowedOrigins(a.cfg.AllowedOrigins...),
	}

	if a.cfg.LimitsFile != "" {
		rl, err := a.newLimiter()
		if err != nil {
			return err
		}
		opts = append(opts, server.WithLimiter(rl))
	}

	a.server = server.New(opts...)
	a.server.Register("CommentsChannel", func() channel.Behavior { return commentsChannel{} })
	return nil
}

func (a *app) newLimiter() (*limiter.RateLimiter, error) {
	lcfg, err := limiter.LoadConfig(a.cfg.LimitsFile)
	if err != nil {
		return nil, err
	}
	// a nil *redis.Client must not reach limiter.New as a non-nil interface
	var client redis.Cmdable
	if a.redis != nil {
		client = a.redis
	}
	rl, err := limiter.New(lcfg, client)
	if err != nil {
		return nil, err
	}
	log.Info().Str("file", a.cfg.LimitsFile).Int("rules", len(lcfg.Rules)).Msg("rate limits loaded")
	return rl, nil
}

func (a *app) shutdownServer(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

func (a *app) loadHTTP(context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.MountPath, a.server)
	mux.HandleFunc("POST /broadcast/{topic}", a.handleBroadcast)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	ln, err := net.Listen("tcp", a.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr, err)
	}
	a.addr = ln.Addr()
	a.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := a.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server stopped")
		}
	}()
	log.Info().Str("addr", a.addr.String()).Str("path", a.cfg.MountPath).Msg("cable listening")
	return nil
}

func (a *app) shutdownHTTP(ctx context.Context) error {
	// hijacked websocket connections are not tracked by http.Server; the
	// cable server disconnects them next.
	return a.http.Shutdown(ctx)
}

func (a *app) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.server.Broadcast(r.Context(), r.PathValue("topic"), string(body)); err != nil {
		log.Error().Err(err).Str("topic", r.PathValue("topic")).Msg("broadcast failed")
		http.Error(w, "broadcast failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
