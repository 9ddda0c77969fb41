package limiter

import (
	"context"
	"time"
)

// Store keeps token bucket state.
type Store interface {
	// Allow takes one token from the bucket named key, which holds at most
	// rate tokens and refills rate tokens every period seconds. The update
	// must be atomic.
	Allow(ctx context.Context, key string, rate float64, period float64) (bool, error)
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}
