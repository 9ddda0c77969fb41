// Package limiter rate limits client commands with token buckets.
package limiter

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/cable/meta"
)

// Extractor returns the identifier for limitType from ctx, or "" when the
// request has none.
type Extractor func(ctx context.Context, limitType string) string

// MetaExtractor reads identifiers from the request metadata in ctx.
func MetaExtractor(ctx context.Context, limitType string) string {
	v, err := meta.Get[string](ctx, limitType)
	if err != nil {
		return ""
	}
	return v
}

// RateLimiter checks commands against the configured rules.
type RateLimiter struct {
	config       *Config
	store        Store
	extractValue Extractor
}

// NewRateLimiter creates a RateLimiter reading identifiers with MetaExtractor.
func NewRateLimiter(cfg *Config, store Store) *RateLimiter {
	return &RateLimiter{
		config:       cfg,
		store:        store,
		extractValue: MetaExtractor,
	}
}

// New builds the store named by cfg.StorageType. client is required for
// the redis store.
func New(cfg *Config, client redis.Cmdable) (*RateLimiter, error) {
	switch cfg.StorageType {
	case StorageRedis:
		if client == nil {
			return nil, fmt.Errorf("limiter: storage_type %q needs a redis client", StorageRedis)
		}
		return NewRateLimiter(cfg, NewRedisStore(client)), nil
	case StorageMemory, "":
		return NewRateLimiter(cfg, NewMemoryStore()), nil
	default:
		return nil, fmt.Errorf("limiter: unknown storage_type %q", cfg.StorageType)
	}
}

// SetExtractor replaces the identifier extractor.
func (rl *RateLimiter) SetExtractor(extractor Extractor) {
	rl.extractValue = extractor
}

// Limit reports whether the command named subject must be refused.
// Store failures let the command through.
func (rl *RateLimiter) Limit(ctx context.Context, subject string) bool {
	if rl == nil || rl.config == nil {
		return false
	}

	for i := range rl.config.Rules {
		rule := &rl.config.Rules[i]
		if !rule.matches(subject) {
			continue
		}
		log.Debug().Str("command", subject).Str("rule", rule.Command).Msg("matched rule")

		limited, err := rl.applyRuleLimits(ctx, rule)
		if err != nil {
			log.Error().Err(err).Str("command", subject).Str("rule", rule.Command).Msg("rate limit check failed")
			return false
		}
		if limited {
			log.Warn().Str("command", subject).Str("rule", rule.Command).Msg("rate limit triggered for rule")
			return true
		}
	}
	return false
}

// applyRuleLimits consumes a token for every identifier the rule limits by.
func (rl *RateLimiter) applyRuleLimits(ctx context.Context, rule *Rule) (bool, error) {
	for _, limitType := range rule.LimitBy {
		value := rl.extractValue(ctx, limitType)
		if value == "" {
			log.Debug().Str("rule", rule.Command).Str("limit_by", limitType).Msg("identifier value missing, skipping this limit type")
			continue
		}

		key := storeKey(rule, limitType, value)
		allowed, err := rl.store.Allow(ctx, key, rule.Rate, rule.Period)
		if err != nil {
			return false, fmt.Errorf("store error for key %s: %w", key, err)
		}
		if !allowed {
			log.Warn().
				Str("key", key).
				Str("limit_by", limitType).
				Str("value", value).
				Float64("rate", rule.Rate).
				Float64("period", rule.Period).
				Msg("rate limit exceeded for identifier")
			return true, nil
		}
	}
	return false, nil
}

// storeKey formats rule:<command>|by:<type>|val:<value>.
func storeKey(rule *Rule, limitType string, value string) string {
	return fmt.Sprintf("rule:%s|by:%s|val:%s", rule.Command, limitType, value)
}
