package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/crosslogic/session-billing/pkg/apperr"
	"github.com/crosslogic/session-billing/pkg/cache"
	"go.uber.org/zap"
)

// RateLimitInfo contains rate limit information for response headers
type RateLimitInfo struct {
	// Limit is the maximum number of requests allowed per window
	Limit int64
	// Remaining is the number of requests remaining in the current window
	Remaining int64
	// ResetAt is the Unix timestamp when the window resets
	ResetAt int64
	// RetryAfter is the number of seconds to wait before retrying (only set when limited)
	RetryAfter int64
}

// RateLimiter caps requests per user per minute. With a cache it counts in
// a shared Redis window; without one, or while Redis is failing, it falls
// back to a token bucket per user in this replica.
type RateLimiter struct {
	cache  *cache.Cache
	limit  int64
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens        float64
	lastRefreshed time.Time
}

// NewRateLimiter creates a new rate limiter. cache may be nil.
func NewRateLimiter(cache *cache.Cache, limitPerMinute int64, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		cache:   cache,
		limit:   limitPerMinute,
		logger:  logger,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow consumes one request for userID.
func (rl *RateLimiter) Allow(ctx context.Context, userID string) (bool, *RateLimitInfo) {
	now := rl.now()
	info := &RateLimitInfo{
		Limit:   rl.limit,
		ResetAt: now.Truncate(time.Minute).Add(time.Minute).Unix(),
	}

	var (
		count int64
		err   error
	)
	if rl.cache != nil {
		count, err = rl.incrWindow(ctx, userID, now)
		if err != nil {
			rl.logger.Warn("rate limit cache unavailable, using local bucket",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}
	if rl.cache == nil || err != nil {
		count = rl.takeLocal(userID, now)
	}

	if count > rl.limit {
		info.RetryAfter = info.ResetAt - now.Unix()
		if info.RetryAfter < 1 {
			info.RetryAfter = 1
		}
		return false, info
	}
	info.Remaining = rl.limit - count
	return true, info
}

func (rl *RateLimiter) incrWindow(ctx context.Context, userID string, now time.Time) (int64, error) {
	minuteKey := fmt.Sprintf("ratelimit:user:%s:minute:%s", userID, now.Format("2006-01-02T15:04"))

	count, err := rl.cache.Incr(ctx, minuteKey)
	if err != nil {
		return 0, err
	}
	if count == 1 {
		// 65s to cover clock skew between replicas
		if err := rl.cache.Expire(ctx, minuteKey, 65*time.Second); err != nil {
			return 0, err
		}
	}
	return count, nil
}

// takeLocal returns the request's position in the current window as the
// Redis path would, derived from the tokens left in the bucket.
func (rl *RateLimiter) takeLocal(userID string, now time.Time) int64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	capacity := float64(rl.limit)
	b, ok := rl.buckets[userID]
	if !ok {
		b = &bucket{tokens: capacity, lastRefreshed: now}
		rl.buckets[userID] = b
	}

	elapsed := now.Sub(b.lastRefreshed)
	if elapsed > 0 {
		b.tokens += capacity * elapsed.Minutes()
		if b.tokens > capacity {
			b.tokens = capacity
		}
		b.lastRefreshed = now
	}

	if b.tokens < 1 {
		return rl.limit + 1
	}
	b.tokens--
	return rl.limit - int64(b.tokens)
}

// Headers returns HTTP headers for rate limit information
func (info *RateLimitInfo) Headers() map[string]string {
	if info == nil {
		return nil
	}

	headers := map[string]string{
		"X-RateLimit-Limit":     strconv.FormatInt(info.Limit, 10),
		"X-RateLimit-Remaining": strconv.FormatInt(info.Remaining, 10),
		"X-RateLimit-Reset":     strconv.FormatInt(info.ResetAt, 10),
	}

	if info.RetryAfter > 0 {
		headers["Retry-After"] = strconv.FormatInt(info.RetryAfter, 10)
	}

	return headers
}

// rateLimitMiddleware must run after authMiddleware; it keys on the user.
func (g *Gateway) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		userID, _ := UserIDFromContext(r.Context())

		allowed, info := g.limiter.Allow(r.Context(), userID)
		for k, v := range info.Headers() {
			w.Header().Set(k, v)
		}
		if !allowed {
			rateLimitedRequests.Inc()
			g.logger.Warn("rate limit exceeded",
				zap.String("user_id", userID),
				zap.String("path", r.URL.Path),
			)
			g.writeError(w, apperr.New(apperr.CodeRateLimited, "too many requests").
				WithDetail("limit", info.Limit).
				WithDetail("retry_after", info.RetryAfter))
			return
		}
		next.ServeHTTP(w, r)
	})
}
