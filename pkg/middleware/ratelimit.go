package middleware

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/permitd/permitd/pkg/httputil"
)

// LoginRateLimitConfig bounds login attempts per source address.
type LoginRateLimitConfig struct {
	Attempts int
	Window   time.Duration
}

// DefaultLoginRateLimitConfig returns the default login throttle.
func DefaultLoginRateLimitConfig() LoginRateLimitConfig {
	return LoginRateLimitConfig{Attempts: 10, Window: time.Minute}
}

// LoginRateLimiter throttles the login endpoints with a Redis-backed
// counter shared across instances. Redis being down fails open: losing the
// throttle is preferable to losing logins.
type LoginRateLimiter struct {
	redis  *redis.Client
	config LoginRateLimitConfig
	prefix string
}

// NewLoginRateLimiter creates a Redis-backed login rate limiter. A nil
// client disables throttling.
func NewLoginRateLimiter(redisClient *redis.Client, config LoginRateLimitConfig) *LoginRateLimiter {
	return &LoginRateLimiter{redis: redisClient, config: config, prefix: "permitd:login"}
}

// Allow reports whether another attempt from the source is within the
// window's budget.
func (rl *LoginRateLimiter) Allow(r *http.Request) bool {
	if rl.redis == nil {
		return true
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	key := fmt.Sprintf("%s:%s", rl.prefix, host)

	ctx := r.Context()
	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, rl.config.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return true
	}
	return incr.Val() <= int64(rl.config.Attempts)
}

// Handler rejects over-budget login attempts with 429.
func (rl *LoginRateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(r) {
			httputil.WriteCodes(w, http.StatusTooManyRequests, httputil.ErrorEntry{
				Code:    "TOO_MANY_REQUESTS",
				Message: "too many login attempts",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
