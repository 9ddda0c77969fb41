package meta

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContext(t *testing.T) {
	t.Run("round trips through a context", func(t *testing.T) {
		m := New()
		m.Set(KeyIP, "10.0.0.1")
		ctx := m.WithContext(context.Background())

		ip, err := Get[string](ctx, KeyIP)
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.1", ip)
		assert.Same(t, m, FromContext(ctx))
	})

	t.Run("missing metadata is empty, not nil", func(t *testing.T) {
		md := FromContext(context.Background())
		require.NotNil(t, md)
		_, ok := md.Get(KeyIP)
		assert.False(t, ok)
	})

	t.Run("typed access", func(t *testing.T) {
		m := New()
		m.Set("count", 3)
		ctx := m.WithContext(context.Background())

		_, err := Get[string](ctx, "count")
		assert.ErrorIs(t, err, ErrWrongType)
		_, err = Get[string](ctx, "missing")
		assert.ErrorIs(t, err, ErrKeyNotFound)
		assert.Equal(t, 3, MustGet[int](ctx, "count"))
		assert.Panics(t, func() { MustGet[int](ctx, "missing") })
	})
}

func TestFromRequest(t *testing.T) {
	t.Run("remote address", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/cable", nil)
		r.RemoteAddr = "192.0.2.7:4312"
		r.Header.Set("User-Agent", "test-agent")
		r.Header.Set("Origin", "http://example.com")

		m := FromRequest(r, "conn-1")
		fields := m.Fields()
		assert.Equal(t, "192.0.2.7", fields[KeyIP])
		assert.Equal(t, "conn-1", fields[KeyConnectionID])
		assert.Equal(t, "test-agent", fields[KeyUserAgent])
		assert.Equal(t, "http://example.com", fields[KeyOrigin])
	})

	t.Run("forwarded headers win", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/cable", nil)
		r.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
		assert.Equal(t, "203.0.113.9", ClientIP(r))

		r = httptest.NewRequest("GET", "/cable", nil)
		r.Header.Set("X-Real-IP", "203.0.113.10")
		assert.Equal(t, "203.0.113.10", ClientIP(r))
	})
}
