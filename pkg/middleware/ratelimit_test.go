package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, attempts int) (*LoginRateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewLoginRateLimiter(client, LoginRateLimitConfig{
		Attempts: attempts,
		Window:   time.Minute,
	}), mr
}

func loginRequest(addr string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/login", nil)
	req.RemoteAddr = addr
	return req
}

func TestLoginRateLimiterBlocksAfterBudget(t *testing.T) {
	rl, _ := newLimiter(t, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow(loginRequest("10.0.0.1:5000")))
	}
	assert.False(t, rl.Allow(loginRequest("10.0.0.1:5000")))
}

func TestLoginRateLimiterIsPerSource(t *testing.T) {
	rl, _ := newLimiter(t, 1)

	assert.True(t, rl.Allow(loginRequest("10.0.0.1:5000")))
	assert.False(t, rl.Allow(loginRequest("10.0.0.1:5001")))
	assert.True(t, rl.Allow(loginRequest("10.0.0.2:5000")))
}

func TestLoginRateLimiterWindowExpires(t *testing.T) {
	rl, mr := newLimiter(t, 1)

	assert.True(t, rl.Allow(loginRequest("10.0.0.1:5000")))
	assert.False(t, rl.Allow(loginRequest("10.0.0.1:5000")))

	mr.FastForward(2 * time.Minute)
	assert.True(t, rl.Allow(loginRequest("10.0.0.1:5000")))
}

func TestLoginRateLimiterFailsOpenWhenRedisDown(t *testing.T) {
	rl, mr := newLimiter(t, 1)
	mr.Close()

	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow(loginRequest("10.0.0.1:5000")))
	}
}

func TestLoginRateLimiterHandlerReturns429(t *testing.T) {
	rl, _ := newLimiter(t, 1)
	handler := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, loginRequest("10.0.0.1:5000"))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, loginRequest("10.0.0.1:5000"))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}
