// Package meta carries connection scoped metadata in a context.Context.
package meta

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
)

// Keys set by FromRequest.
const (
	KeyIP           = "ip"
	KeyConnectionID = "connection_id"
	KeyUserAgent    = "user_agent"
	KeyOrigin       = "origin"
)

var (
	ErrKeyNotFound = errors.New("meta: key not found")
	ErrWrongType   = errors.New("meta: value has a different type")
)

type ctxKey struct{}

// Metadata is a string keyed bag of values, safe for concurrent use. The
// zero value is ready to use.
type Metadata struct {
	mu     sync.RWMutex
	values map[string]any
}

func New() *Metadata {
	return &Metadata{values: make(map[string]any)}
}

// Set stores value under key. Setting on a nil *Metadata does nothing.
func (m *Metadata) Set(key string, value any) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.values == nil {
		m.values = make(map[string]any)
	}
	m.values[key] = value
	m.mu.Unlock()
}

func (m *Metadata) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// Fields returns a copy of the values, suitable for zerolog's Fields.
func (m *Metadata) Fields() map[string]any {
	if m == nil {
		return map[string]any{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.values == nil {
		return map[string]any{}
	}
	return maps.Clone(m.values)
}

// WithContext attaches m to ctx.
func (m *Metadata) WithContext(ctx context.Context) context.Context {
	if m == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, m)
}

// FromContext returns the metadata attached to ctx, or an empty store.
func FromContext(ctx context.Context) *Metadata {
	if md, ok := ctx.Value(ctxKey{}).(*Metadata); ok {
		return md
	}
	return New()
}

// Get looks key up in the metadata of ctx and asserts it to T.
func Get[T any](ctx context.Context, key string) (T, error) {
	var zero T
	raw, ok := FromContext(ctx).Get(key)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	v, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T, want %T", ErrWrongType, key, raw, zero)
	}
	return v, nil
}

// MustGet is Get that panics on error.
func MustGet[T any](ctx context.Context, key string) T {
	v, err := Get[T](ctx, key)
	if err != nil {
		panic(err)
	}
	return v
}
