package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type memoryStore struct {
	mu      sync.Mutex
	buckets map[string]bucket
	now     func() time.Time
}

// NewMemoryStore creates a store local to this process.
func NewMemoryStore() Store {
	return &memoryStore{
		buckets: make(map[string]bucket),
		now:     time.Now,
	}
}

func (s *memoryStore) Allow(_ context.Context, key string, rate float64, period float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.buckets[key]
	if !ok {
		s.buckets[key] = bucket{tokens: rate - 1, lastCheck: now}
		log.Debug().Str("key", key).Float64("rate", rate).Float64("period", period).Msg("first command, allowed")
		return true, nil
	}

	b.tokens += now.Sub(b.lastCheck).Seconds() * (rate / period)
	if b.tokens > rate {
		b.tokens = rate
	}
	b.lastCheck = now

	allowed := b.tokens >= 1
	if allowed {
		b.tokens--
	}
	s.buckets[key] = b

	log.Debug().Str("key", key).Float64("tokens", b.tokens).Bool("allowed", allowed).Msg("command checked")
	return allowed, nil
}
