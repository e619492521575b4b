package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// ClientLimiter decides whether a client identified by key may proceed.
// ok=false means the request must be rejected with 429. Implementations
// must be safe for concurrent use.
type ClientLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// LocalLimiter enforces per-client token buckets in process memory.
// Suitable for single-instance deployments; multi-instance deployments
// should use RedisLimiter so the budget is shared.
type LocalLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiter creates a per-client limiter allowing rps requests per
// second with the given burst, and starts a background sweep that drops
// clients idle for more than three minutes.
func NewLocalLimiter(rps float64, burst int) *LocalLimiter {
	l := &LocalLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go l.sweep()
	return l
}

// Allow implements ClientLimiter. It never returns an error.
func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()
	return v.limiter.Allow(), nil
}

func (l *LocalLimiter) sweep() {
	for {
		time.Sleep(time.Minute)
		l.mu.Lock()
		for key, v := range l.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(l.visitors, key)
			}
		}
		l.mu.Unlock()
	}
}

// tokenBucketScript refills and consumes atomically so concurrent callers
// across instances cannot overdraw the bucket. State expires after 60s of
// inactivity.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rps = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then
  tokens = burst
  ts = now
end

local elapsed = now - ts
if elapsed > 0 then
  tokens = math.min(burst, tokens + elapsed * rps)
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HMSET', key, 'tokens', tokens, 'ts', now)
redis.call('EXPIRE', key, 60)
return allowed
`)

// RedisLimiter enforces per-client token buckets shared across instances
// via a Redis-side Lua script.
type RedisLimiter struct {
	client *redis.Client
	rps    float64
	burst  int
	prefix string
}

// NewRedisLimiter creates a distributed limiter backed by client.
func NewRedisLimiter(client *redis.Client, rps float64, burst int) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		rps:    rps,
		burst:  burst,
		prefix: "phasegate:ratelimit:",
	}
}

// Allow implements ClientLimiter.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := float64(time.Now().UnixMilli()) / 1000.0
	res, err := tokenBucketScript.Run(ctx, l.client, []string{l.prefix + key}, l.rps, l.burst, now).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// RateLimitMiddleware rejects clients over their budget with 429. A nil
// limiter disables limiting, and limiter errors fail open: an unanswerable
// limiter must not take the API down with it.
func RateLimitMiddleware(limiter ClientLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			ok, err := limiter.Allow(r.Context(), clientIP(r))
			if err != nil {
				logger.Warn("api: rate limiter unavailable, allowing request", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				WriteTooManyRequests(w, 5)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the client address, preferring X-Forwarded-For when a
// proxy set it.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}
