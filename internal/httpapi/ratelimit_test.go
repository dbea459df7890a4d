package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func hit(h http.Handler, method, path, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func fixedClock(rl *RateLimiter) {
	at := time.Date(2024, 5, 1, 12, 0, 30, 0, time.UTC)
	rl.now = func() time.Time { return at }
}

func TestLocalRateLimiter(t *testing.T) {
	rl := NewRateLimiter(nil, 60, 2, zaptest.NewLogger(t))
	fixedClock(rl)
	h := rl.Middleware(okHandler)

	assert.Equal(t, http.StatusOK, hit(h, http.MethodPost, "/api/chat", "10.0.0.1:5000").Code)
	assert.Equal(t, http.StatusOK, hit(h, http.MethodPost, "/api/chat/stream", "10.0.0.1:5001").Code)

	rec := hit(h, http.MethodPost, "/api/async/report", "10.0.0.1:5002")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "Rate limit exceeded")

	// Reads and other routes are not limited.
	assert.Equal(t, http.StatusOK, hit(h, http.MethodGet, "/api/threads", "10.0.0.1:5003").Code)
	assert.Equal(t, http.StatusOK, hit(h, http.MethodPost, "/api/threads", "10.0.0.1:5004").Code)

	// Each client has its own bucket.
	assert.Equal(t, http.StatusOK, hit(h, http.MethodPost, "/api/chat", "10.0.0.2:5000").Code)
}

func TestRedisRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rl := NewRateLimiter(client, 2, 1, zaptest.NewLogger(t))
	fixedClock(rl)
	h := rl.Middleware(okHandler)

	assert.Equal(t, http.StatusOK, hit(h, http.MethodPost, "/api/chat", "10.0.0.1:5000").Code)
	assert.Equal(t, http.StatusOK, hit(h, http.MethodPost, "/api/chat", "10.0.0.1:5000").Code)
	rec := hit(h, http.MethodPost, "/api/chat", "10.0.0.1:5000")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.True(t, mr.TTL(keys[0]) > 0)

	// Next window starts a fresh count.
	rl.now = func() time.Time { return time.Date(2024, 5, 1, 12, 1, 5, 0, time.UTC) }
	assert.Equal(t, http.StatusOK, hit(h, http.MethodPost, "/api/chat", "10.0.0.1:5000").Code)

	// Redis outages fail open.
	mr.Close()
	assert.Equal(t, http.StatusOK, hit(h, http.MethodPost, "/api/chat", "10.0.0.1:5000").Code)
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	req.RemoteAddr = "192.0.2.7:4000"
	assert.Equal(t, "ip:192.0.2.7", clientKey(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "ip:203.0.113.9", clientKey(req))
}
