package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/chatflow/internal/auth"
	"github.com/Kocoro-lab/chatflow/internal/metrics"
)

// idleLimiterTTL is how long an unused per-client bucket is retained.
const idleLimiterTTL = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits generation-heavy requests per client. With a Redis
// client the budget is a fixed one-minute window shared across replicas;
// otherwise each process keeps a token bucket per client.
type RateLimiter struct {
	redis             redis.UniversalClient
	requestsPerMinute int
	burst             int
	logger            *zap.Logger
	now               func() time.Time

	mu        sync.Mutex
	clients   map[string]*clientLimiter
	lastSweep time.Time
}

// NewRateLimiter returns a limiter allowing requestsPerMinute with the given
// burst. redisClient may be nil.
func NewRateLimiter(redisClient redis.UniversalClient, requestsPerMinute, burst int, logger *zap.Logger) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if burst <= 0 {
		burst = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		redis:             redisClient,
		requestsPerMinute: requestsPerMinute,
		burst:             burst,
		logger:            logger,
		now:               time.Now,
		clients:           make(map[string]*clientLimiter),
	}
}

// limited reports whether r is subject to rate limiting: chat submissions and
// report task creation.
func limited(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	return r.URL.Path == "/api/chat" || strings.HasPrefix(r.URL.Path, "/api/chat/") || r.URL.Path == "/api/async/report"
}

// Middleware returns the HTTP middleware function
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limited(r) {
			next.ServeHTTP(w, r)
			return
		}
		key := clientKey(r)
		allowed, retryAfter := rl.allow(r.Context(), key)
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.requestsPerMinute))
		if !allowed {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("client", key),
				zap.String("path", r.URL.Path),
			)
			metrics.RateLimited.WithLabelValues(r.URL.Path).Inc()
			secs := int(retryAfter.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error":   "Rate limit exceeded",
				"message": "Too many requests. Please retry after the rate limit window resets.",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(ctx context.Context, key string) (bool, time.Duration) {
	if rl.redis != nil {
		return rl.allowRedis(ctx, key)
	}
	return rl.allowLocal(key)
}

// allowRedis counts requests in the current minute. Redis errors fail open.
func (rl *RateLimiter) allowRedis(ctx context.Context, key string) (bool, time.Duration) {
	now := rl.now()
	window := now.Truncate(time.Minute)
	windowKey := fmt.Sprintf("chatflow:ratelimit:%s:%d", key, window.Unix())

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, time.Minute+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		rl.logger.Error("Rate limit check failed", zap.Error(err))
		return true, 0
	}
	if incr.Val() <= int64(rl.requestsPerMinute) {
		return true, 0
	}
	return false, window.Add(time.Minute).Sub(now)
}

func (rl *RateLimiter) allowLocal(key string) (bool, time.Duration) {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) > idleLimiterTTL {
		for k, c := range rl.clients {
			if now.Sub(c.lastSeen) > idleLimiterTTL {
				delete(rl.clients, k)
			}
		}
		rl.lastSweep = now
	}

	c, ok := rl.clients[key]
	if !ok {
		every := time.Minute / time.Duration(rl.requestsPerMinute)
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Every(every), rl.burst)}
		rl.clients[key] = c
	}
	c.lastSeen = now
	res := c.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Minute
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// clientKey is the authenticated user, else the remote IP.
func clientKey(r *http.Request) string {
	if uid := auth.UserID(r.Context()); uid != "" {
		return "user:" + uid
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return "ip:" + strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
