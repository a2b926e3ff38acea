package api

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// rateLimiter is a token bucket limiter keyed by caller identity or IP.
// Buckets are created lazily on first use and evicted by StartCleanup once
// they go idle, so the map tracks active callers only.
type rateLimiter struct {
	mu      sync.Mutex
	rate    float64 // refill rate, tokens per second
	burst   float64 // bucket capacity
	entries map[string]*tokenBucket
}

type tokenBucket struct {
	remaining float64
	seen      time.Time
}

func newRateLimiter(requestsPerSecond float64, burst int) *rateLimiter {
	return &rateLimiter{
		rate:    requestsPerSecond,
		burst:   float64(burst),
		entries: make(map[string]*tokenBucket),
	}
}

// allow spends one token from the bucket for key, refilling it first from the
// time elapsed since the bucket was last touched.
func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.entries[key]
	if !ok {
		b = &tokenBucket{remaining: rl.burst, seen: now}
		rl.entries[key] = b
	}

	b.remaining += now.Sub(b.seen).Seconds() * rl.rate
	if b.remaining > rl.burst {
		b.remaining = rl.burst
	}
	b.seen = now

	if b.remaining < 1 {
		return false
	}
	b.remaining--
	return true
}

// cleanup drops buckets idle for longer than maxAge. An evicted key starts
// over with a full bucket, which never denies a request an intact bucket
// would have allowed.
func (rl *rateLimiter) cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for key, b := range rl.entries {
		if b.seen.Before(cutoff) {
			delete(rl.entries, key)
		}
	}
}

// StartCleanup evicts idle buckets on a ticker until ctx is canceled.
func (rl *rateLimiter) StartCleanup(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.cleanup(maxAge)
			}
		}
	}()
}

// loginIPRateLimitMiddleware rate-limits by remote IP. It guards the login
// endpoint, where no identity exists yet to key on.
func loginIPRateLimitMiddleware(rl *rateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := r.RemoteAddr
			if realIP := r.Header.Get("X-Real-Ip"); realIP != "" {
				ip = realIP
			}
			if !rl.allow(ip) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "too many login attempts")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitMiddleware rate-limits authenticated requests by user ID.
func rateLimitMiddleware(rl *rateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := getIdentityFromContext(r.Context())
			if identity == nil {
				next.ServeHTTP(w, r)
				return
			}
			if !rl.allow(identity.UserID) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
