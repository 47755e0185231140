package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitConfig allows RequestsPerWindow requests per client in each fixed
// WindowDuration.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// DefaultGlobalLimit is applied to the read endpoints: 100 requests a minute.
func DefaultGlobalLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Minute}
}

// RateLimitStore counts requests per key in fixed windows.
type RateLimitStore interface {
	// Allow counts one request for key. It returns whether the request fits in the
	// current window, how many requests the window still admits, and when blocked
	// the whole seconds until the window ends.
	Allow(ctx context.Context, key string, config RateLimitConfig) (allowed bool, remaining int, retryAfter int)
}

type window struct {
	count int
	ends  time.Time
}

// InMemoryRateLimitStore keeps windows in process memory, for single-instance
// deployments without Redis. Call Cleanup periodically to drop ended windows.
type InMemoryRateLimitStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewInMemoryRateLimitStore returns an empty store.
func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	return &InMemoryRateLimitStore{windows: make(map[string]*window), now: time.Now}
}

// Allow implements RateLimitStore.
func (s *InMemoryRateLimitStore) Allow(_ context.Context, key string, config RateLimitConfig) (bool, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || now.After(w.ends) {
		w = &window{ends: now.Add(config.WindowDuration)}
		s.windows[key] = w
	}
	if w.count >= config.RequestsPerWindow {
		return false, 0, retryAfterSeconds(w.ends.Sub(now))
	}
	w.count++
	return true, config.RequestsPerWindow - w.count, 0
}

// Cleanup drops windows that have ended.
func (s *InMemoryRateLimitStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, w := range s.windows {
		if now.After(w.ends) {
			delete(s.windows, key)
		}
	}
}

// fixedWindowScript counts a hit and returns {count, milliseconds left}. The first
// hit of a window sets the expiry; a key that lost its expiry gets it back.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if count == 1 or ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisRateLimitStore keeps windows in Redis so every API instance shares them.
// When Redis cannot be reached requests are let through and counted as store errors.
type RedisRateLimitStore struct {
	client  *redis.Client
	metrics *Metrics
}

// NewRedisRateLimitStore returns a store on client.
func NewRedisRateLimitStore(client *redis.Client) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client}
}

// WithMetrics counts store errors on m.
func (s *RedisRateLimitStore) WithMetrics(m *Metrics) *RedisRateLimitStore {
	s.metrics = m
	return s
}

// Allow implements RateLimitStore.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int, int) {
	windowMS := max(config.WindowDuration.Milliseconds(), 1)

	result, err := fixedWindowScript.Run(ctx, s.client, []string{key}, windowMS).Int64Slice()
	if err == nil && len(result) != 2 {
		err = fmt.Errorf("unexpected script result %v", result)
	}
	if err != nil {
		s.metrics.incStoreErrors()
		slog.WarnContext(ctx, "rate limit store unavailable, allowing request", "key", key, "error", err)
		return true, config.RequestsPerWindow, 0
	}

	count := int(result[0])
	if count > config.RequestsPerWindow {
		return false, 0, retryAfterSeconds(time.Duration(result[1]) * time.Millisecond)
	}
	return true, config.RequestsPerWindow - count, 0
}

// retryAfterSeconds rounds d up to whole seconds, at least 1.
func retryAfterSeconds(d time.Duration) int {
	return max(int((d+time.Second-1)/time.Second), 1)
}

// KeyFunc picks the client a request is counted against.
type KeyFunc func(r *http.Request) string

// IPKeyFunc counts requests by client address: the first X-Forwarded-For hop, then
// X-Real-IP, then the host of the connection.
func IPKeyFunc() KeyFunc {
	return clientIP
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// RateLimiter counts requests per client and Route against config and answers 429
// with a Retry-After header once a client exhausts its window. Every response
// carries X-RateLimit-Limit and X-RateLimit-Remaining. metrics may be nil.
func RateLimiter(store RateLimitStore, config RateLimitConfig, keyFunc KeyFunc, metrics *Metrics) func(http.Handler) http.Handler {
	limit := strconv.Itoa(config.RequestsPerWindow)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := Route(r.URL.Path)
			allowed, remaining, retryAfter := store.Allow(r.Context(), "ratelimit:"+route+":"+keyFunc(r), config)
			metrics.observeRateLimit(route, allowed)

			h := w.Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if allowed {
				next.ServeHTTP(w, r)
				return
			}

			// Reset is a Unix timestamp; Retry-After is relative.
			h.Set("Retry-After", strconv.Itoa(retryAfter))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Duration(retryAfter)*time.Second).Unix(), 10))
			writeJSONError(w, r.Context(), http.StatusTooManyRequests, "rate_limited", "Too many requests")
		})
	}
}

// writeJSONError writes the API's standard error body from middleware, which
// cannot import the api package.
func writeJSONError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	UpdateResponseContext(w, SetErrorCode(ctx, code))

	body, _ := json.Marshal(map[string]map[string]string{
		"error": {"code": code, "message": message},
	})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
