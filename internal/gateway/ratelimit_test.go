package gateway

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/session-billing/pkg/cache"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupLimiterCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return cache.NewFromClient(client), mr
}

func TestRateLimiter_RedisWindow(t *testing.T) {
	c, mr := setupLimiterCache(t)
	rl := NewRateLimiter(c, 2, zap.NewNop())
	now := time.Date(2026, 3, 1, 10, 0, 15, 0, time.UTC)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	allowed, info := rl.Allow(ctx, student)
	require.True(t, allowed)
	assert.Equal(t, int64(1), info.Remaining)

	allowed, info = rl.Allow(ctx, student)
	require.True(t, allowed)
	assert.Equal(t, int64(0), info.Remaining)

	allowed, info = rl.Allow(ctx, student)
	assert.False(t, allowed)
	assert.Equal(t, int64(45), info.RetryAfter)
	assert.Equal(t, "45", info.Headers()["Retry-After"])

	allowed, _ = rl.Allow(ctx, tutor)
	assert.True(t, allowed, "limits are per user")

	key := "ratelimit:user:student-1:minute:2026-03-01T10:00"
	assert.True(t, mr.Exists(key))
	assert.Equal(t, 65*time.Second, mr.TTL(key))

	now = now.Add(time.Minute)
	allowed, _ = rl.Allow(ctx, student)
	assert.True(t, allowed, "next window starts fresh")
}

func TestRateLimiter_LocalBucket(t *testing.T) {
	rl := NewRateLimiter(nil, 3, zap.NewNop())
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _ := rl.Allow(ctx, student)
		require.True(t, allowed, "request %d", i)
	}
	allowed, _ := rl.Allow(ctx, student)
	assert.False(t, allowed)

	// 30s refills 1.5 tokens at 3 per minute.
	now = now.Add(30 * time.Second)
	allowed, _ = rl.Allow(ctx, student)
	assert.True(t, allowed)
	allowed, _ = rl.Allow(ctx, student)
	assert.False(t, allowed)
}

func TestRateLimiter_FallsBackWhenRedisFails(t *testing.T) {
	c, mr := setupLimiterCache(t)
	rl := NewRateLimiter(c, 1, zap.NewNop())
	mr.Close()

	allowed, _ := rl.Allow(context.Background(), student)
	assert.True(t, allowed)
	allowed, _ = rl.Allow(context.Background(), student)
	assert.False(t, allowed)
}

func TestRateLimitMiddleware(t *testing.T) {
	env := newTestEnv(t)
	env.gw.limiter = NewRateLimiter(nil, 2, zap.NewNop())

	w := env.do(t, http.MethodGet, "/v1/wallet", student, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))

	env.do(t, http.MethodGet, "/v1/wallet", student, nil)
	w = env.do(t, http.MethodGet, "/v1/wallet", student, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMITED", decodeError(t, w).Error.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	w = env.do(t, http.MethodGet, "/v1/wallet", tutor, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
