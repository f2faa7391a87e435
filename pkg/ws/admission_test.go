package ws

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/realtime/pkg/errors"
	"github.com/tokmz/realtime/pkg/store"
)

func redisStore(t *testing.T) (store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewFromClient(client, "rt:")
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func testLimits() LimitConfig {
	return LimitConfig{
		Window:               time.Minute,
		MaxRequestsPerWindow: 100,
		ConnectionTTL:        time.Hour,
		Scope:                ScopeUser,
		KeyPrefix:            "ratelimit",
	}
}

func TestLimiterWindow(t *testing.T) {
	s, mr := redisStore(t)
	l := NewLimiter(s, testLimits(), time.Second, nil)
	ctx := context.Background()

	for i := 1; i <= 100; i++ {
		d, err := l.Admit(ctx, "user:u1")
		require.NoError(t, err, "admission %d", i)
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(i), d.Count)
		assert.Equal(t, int64(100-i), d.Remaining)
	}

	d, err := l.Admit(ctx, "user:u1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAdmissionDenied))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRateLimited, d.Reason)
	assert.Equal(t, int64(101), d.Count)
	assert.Greater(t, d.ResetAfter, time.Duration(0))

	// 其他客户端不受影响
	d, err = l.Admit(ctx, "user:u2")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	mr.FastForward(time.Minute + time.Second)

	d, err = l.Admit(ctx, "user:u1")
	require.NoError(t, err, "window reset")
	assert.Equal(t, int64(1), d.Count)

	assert.Equal(t, int64(1), l.Rejections()[ReasonRateLimited])
}

func TestLimiterConnections(t *testing.T) {
	s, _ := redisStore(t)
	cfg := testLimits()
	cfg.MaxConnectionsPerClient = 2
	l := NewLimiter(s, cfg, time.Second, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := l.Admit(ctx, "user:u1")
		require.NoError(t, err)
	}

	d, err := l.Admit(ctx, "user:u1")
	assert.True(t, errors.Is(err, ErrAdmissionDenied))
	assert.Equal(t, ReasonTooManyConns, d.Reason)

	st, err := l.Status(ctx, "user:u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Connections, "rejected attempt rolled back")
	assert.Equal(t, int64(3), st.Count)

	require.NoError(t, l.Release(ctx, "user:u1"))
	d, err = l.Admit(ctx, "user:u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.Connections)
}

func TestLimiterFailsClosed(t *testing.T) {
	s, mr := redisStore(t)
	l := NewLimiter(s, testLimits(), 200*time.Millisecond, nil)
	mr.Close()

	d, err := l.Admit(context.Background(), "user:u1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonStoreUnavailable, d.Reason)
}

func TestLimiterGlobalRate(t *testing.T) {
	cfg := testLimits()
	cfg.GlobalRate = 1
	cfg.GlobalBurst = 1
	l := NewLimiter(store.NewMemory(), cfg, time.Second, nil)
	ctx := context.Background()

	_, err := l.Admit(ctx, "user:a")
	require.NoError(t, err)

	d, err := l.Admit(ctx, "user:b")
	assert.True(t, errors.Is(err, ErrAdmissionDenied))
	assert.Equal(t, ReasonRateLimited, d.Reason)
}

func TestClientIdentity(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?client_id=dev-1", nil)
	r.RemoteAddr = "10.0.0.7:5555"
	ident := &Identity{UserID: "u1"}

	cases := map[Scope]string{
		ScopeUser:   "user:u1",
		ScopeIP:     "ip:10.0.0.7",
		ScopeClient: "client:dev-1",
	}
	for scope, want := range cases {
		cfg := testLimits()
		cfg.Scope = scope
		l := NewLimiter(store.NewMemory(), cfg, time.Second, nil)
		assert.Equal(t, want, l.ClientIdentity(r, ident, "client_id"), scope)
	}

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	cfg := testLimits()
	cfg.Scope = ScopeIP
	l := NewLimiter(store.NewMemory(), cfg, time.Second, nil)
	assert.Equal(t, "ip:203.0.113.9", l.ClientIdentity(r, ident, "client_id"))
}
