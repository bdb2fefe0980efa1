package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"session-core/internal/observability"
)

// LoginLimiter decides whether another login attempt from key is allowed
// at now, and if not, how long the caller should wait.
type LoginLimiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
}

// LoginRateLimitMiddleware throttles by client IP. Limiter errors fail open.
func LoginRateLimitMiddleware(limiter LoginLimiter, logger Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = nopLogger{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := observability.ClientIP(r)

		allowed, retryAfter, err := limiter.Allow(r.Context(), ip, time.Now().UTC())
		if err != nil {
			logger.Error("login_rate_limit_failed", map[string]any{"ip": ip, "error": err.Error()})
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// MemoryLoginLimiter is a per-process sliding window.
type MemoryLoginLimiter struct {
	mu        sync.Mutex
	maxHits   int
	window    time.Duration
	hitByIP   map[string][]time.Time
	maxMemory int
}

func NewMemoryLoginLimiter(maxHits int, window time.Duration) *MemoryLoginLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &MemoryLoginLimiter{
		maxHits:   maxHits,
		window:    window,
		hitByIP:   make(map[string][]time.Time),
		maxMemory: 5000,
	}
}

func (l *MemoryLoginLimiter) Allow(_ context.Context, ip string, now time.Time) (bool, time.Duration, error) {
	threshold := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.hitByIP[ip]
	filtered := make([]time.Time, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.After(threshold) {
			filtered = append(filtered, hit)
		}
	}

	if len(filtered) >= l.maxHits {
		retryAfter := filtered[0].Add(l.window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		l.hitByIP[ip] = filtered
		return false, retryAfter, nil
	}

	filtered = append(filtered, now)
	l.hitByIP[ip] = filtered

	if len(l.hitByIP) > l.maxMemory {
		for key, value := range l.hitByIP {
			if len(value) == 0 || value[len(value)-1].Before(threshold) {
				delete(l.hitByIP, key)
			}
		}
	}

	return true, 0, nil
}

const loginRateLimitScript = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if current > tonumber(ARGV[2]) then
  return {0, ttl}
end
return {1, ttl}
`

// RedisLoginLimiter shares a fixed-window counter across instances.
type RedisLoginLimiter struct {
	client  *redis.Client
	script  *redis.Script
	maxHits int
	window  time.Duration
	prefix  string
}

func NewRedisLoginLimiter(client *redis.Client, maxHits int, window time.Duration) *RedisLoginLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &RedisLoginLimiter{
		client:  client,
		script:  redis.NewScript(loginRateLimitScript),
		maxHits: maxHits,
		window:  window,
		prefix:  "auth:login",
	}
}

func (l *RedisLoginLimiter) Allow(ctx context.Context, ip string, _ time.Time) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()

	ttl := l.window.Milliseconds()
	if ttl <= 0 {
		ttl = 1
	}

	result, err := l.script.Run(ctx, l.client, []string{l.prefix + ":" + ip}, ttl, l.maxHits).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("run login rate limit script: %w", err)
	}
	if len(result) != 2 {
		return false, 0, fmt.Errorf("unexpected login rate limit reply: %v", result)
	}
	if result[0] == 1 {
		return true, 0, nil
	}

	retryAfter := time.Duration(result[1]) * time.Millisecond
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return false, retryAfter, nil
}
