package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatdash/internal/metrics"
)

// Counter increments per-key counters that expire with their window.
// store.RedisStore implements it; NewMemoryCounter is the single-instance
// fallback when Redis is not configured.
type Counter interface {
	IncrWindow(ctx context.Context, id string, window time.Duration) (int64, error)
}

// RateLimit defines limits for an endpoint pattern.
type RateLimit struct {
	Requests int
	Window   time.Duration
	KeyFunc  func(r *http.Request) string
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	MessagesPerHour int      // per-IP cap on message submissions
	SessionsPerHour int      // per-IP cap on session creation
	Whitelist       []string // IPs or CIDRs exempt from rate limiting
}

// RateLimiter enforces fixed-window rate limits. The message cap is the
// billing guard: every submission costs an upstream model call, so it is
// limited per client IP per hour.
type RateLimiter struct {
	counter      Counter
	sessionLimit *RateLimit
	messageLimit *RateLimit
	logger       zerolog.Logger
	whitelist    []*net.IPNet
	whitelistIPs map[string]bool
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(counter Counter, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	// A zero message cap disables rate limiting entirely. The session-create
	// cap follows the message cap unless set explicitly.
	messagesPerHour := cfg.MessagesPerHour
	sessionsPerHour := cfg.SessionsPerHour
	if sessionsPerHour == 0 && messagesPerHour > 0 {
		sessionsPerHour = 30
	}

	rl := &RateLimiter{
		counter:      counter,
		logger:       logger,
		whitelistIPs: make(map[string]bool),
	}

	// Each limit gets its own counter keyspace so session creations never
	// spend message budget.
	if sessionsPerHour > 0 {
		rl.sessionLimit = &RateLimit{sessionsPerHour, time.Hour, ipKey("sess")}
	}
	if messagesPerHour > 0 {
		rl.messageLimit = &RateLimit{messagesPerHour, time.Hour, ipKey("msg")}
	}

	// Parse whitelist entries
	for _, entry := range cfg.Whitelist {
		if strings.Contains(entry, "/") {
			// CIDR notation
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				logger.Warn().Str("entry", entry).Err(err).Msg("invalid CIDR in whitelist")
				continue
			}
			rl.whitelist = append(rl.whitelist, ipNet)
		} else {
			// Single IP
			rl.whitelistIPs[entry] = true
		}
	}

	if len(cfg.Whitelist) > 0 {
		logger.Info().
			Int("ips", len(rl.whitelistIPs)).
			Int("cidrs", len(rl.whitelist)).
			Msg("rate limit whitelist configured")
	}

	return rl
}

// isWhitelisted checks if an IP is in the whitelist.
func (rl *RateLimiter) isWhitelisted(ipStr string) bool {
	// Check exact IP match
	if rl.whitelistIPs[ipStr] {
		return true
	}

	// Check CIDR ranges
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, ipNet := range rl.whitelist {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// ipKey returns a KeyFunc counting per client IP inside the given keyspace.
func ipKey(scope string) func(r *http.Request) string {
	return func(r *http.Request) string {
		return scope + ":ip:" + RealIP(r)
	}
}

// RealIP extracts the real client IP from headers or connection.
func RealIP(r *http.Request) string {
	// Check Fly.io header first
	if ip := r.Header.Get("Fly-Client-IP"); ip != "" {
		return ip
	}
	// Then X-Forwarded-For
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	// Then X-Real-IP
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	// Fallback to RemoteAddr
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// CheckAndIncrement counts this request against its fixed window.
// Returns (allowed, remaining, resetAt). Counter failures allow the request;
// a dead Redis must not take the chat down with it.
func (rl *RateLimiter) CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Time) {
	now := time.Now()
	bucket := now.Unix() / int64(window.Seconds())
	windowKey := fmt.Sprintf("%s:%d", key, bucket)
	resetAt := time.Unix((bucket+1)*int64(window.Seconds()), 0)

	count, err := rl.counter.IncrWindow(ctx, windowKey, window)
	if err != nil {
		rl.logger.Warn().Err(err).Msg("rate limit counter unavailable")
		return true, limit, resetAt
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return count <= int64(limit), remaining, resetAt
}

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)

		// Skip rate limiting for whitelisted IPs
		if rl.isWhitelisted(ip) {
			next.ServeHTTP(w, r)
			return
		}

		// Find matching limit
		limit := rl.findLimit(r)
		if limit == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := limit.KeyFunc(r)
		allowed, remaining, resetAt := rl.CheckAndIncrement(r.Context(), key, limit.Requests, limit.Window)

		// Set rate limit headers
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(resetAt).Seconds())))

			endpoint := normalizePath(r.URL.Path)
			metrics.RateLimitHits.WithLabelValues(endpoint).Inc()

			rl.logger.Warn().
				Str("type", "security").
				Str("event", "rate_limit_exceeded").
				Str("ip", ip).
				Str("endpoint", endpoint).
				Msg("rate limit exceeded")

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// findLimit matches a request to its limit. Only the two endpoints that
// consume resources are limited: session creation (memory) and message
// submission (an upstream model call). Clearing a transcript costs nothing
// upstream and stays free.
func (rl *RateLimiter) findLimit(r *http.Request) *RateLimit {
	if r.Method != http.MethodPost {
		return nil
	}
	path := r.URL.Path
	if path == "/api/v1/sessions" {
		return rl.sessionLimit
	}
	if strings.HasPrefix(path, "/api/v1/sessions/") && strings.HasSuffix(path, "/messages") {
		return rl.messageLimit
	}
	return nil
}

// memoryCounter is an in-process Counter for deployments without Redis.
// Counts reset on restart, which is acceptable for a single instance.
type memoryCounter struct {
	mu      sync.Mutex
	buckets map[string]*memBucket
}

type memBucket struct {
	count   int64
	expires time.Time
}

// NewMemoryCounter creates an in-process fixed-window counter.
func NewMemoryCounter() Counter {
	return &memoryCounter{buckets: make(map[string]*memBucket)}
}

// IncrWindow increments the bucket for id, starting a fresh window if the
// previous one expired.
func (m *memoryCounter) IncrWindow(_ context.Context, id string, window time.Duration) (int64, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[id]
	if !ok || now.After(b.expires) {
		b = &memBucket{expires: now.Add(window)}
		m.buckets[id] = b
	}
	b.count++

	// Sweep expired buckets once the map grows
	if len(m.buckets) > 1024 {
		for k, v := range m.buckets {
			if now.After(v.expires) {
				delete(m.buckets, k)
			}
		}
	}

	return b.count, nil
}
