package pubsub

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var (
	ErrEmptyRedisURL   = errors.New("pubsub: empty redis connection url")
	ErrInvalidRedisURL = errors.New("pubsub: failed to parse redis connection url")
	ErrRedisNotReady   = errors.New("pubsub: redis did not become ready within the given time period")
)

// RedisConfig describes how to reach the redis server backing the broker.
type RedisConfig struct {
	// URL is in the form redis://:password@localhost:6379/0.
	// An empty URL selects the memory backend.
	URL string `env:"URL"`
	// ChannelPrefix is prepended to every topic on the server.
	ChannelPrefix string `env:"CHANNEL_PREFIX"`

	RetryAttempts  int           `env:"RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval  time.Duration `env:"RETRY_INTERVAL" envDefault:"2s"`
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
}

// ConnectRedis parses cfg.URL and pings the server until it answers or the
// retry budget is spent.
func ConnectRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, ErrEmptyRedisURL
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(ErrInvalidRedisURL, err)
	}

	attempts := max(cfg.RetryAttempts, 1)
	for attempt := 1; attempt <= attempts; attempt++ {
		client := redis.NewClient(opt)
		err := client.Ping(ctx).Err()
		if err == nil {
			log.Info().Str("addr", opt.Addr).Int("attempt", attempt).Msg("connected to redis")
			return client, nil
		}
		_ = client.Close()
		log.Warn().Err(err).Str("addr", opt.Addr).Int("attempt", attempt).Msg("redis not ready")

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, ErrRedisNotReady
}
