package internal

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter provides in-memory fixed-window rate limiting per client IP
// for webhook endpoints.
type RateLimiter struct {
	mu            sync.Mutex
	requests      map[string]*bucket
	limit         int
	window        time.Duration
	requestCount  int
	cleanupEvery  int
	cleanupAtSize int
	now           func() time.Time

	// OnLimited is called for each rejected request (optional)
	OnLimited func(ip string)
}

type bucket struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter creates a rate limiter allowing limit requests per window.
// A non-positive limit disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests:      make(map[string]*bucket),
		limit:         limit,
		window:        window,
		cleanupEvery:  100,
		cleanupAtSize: 200,
		now:           time.Now,
	}
}

// Allow reports whether a request from ip fits in the current window and,
// if not, how long until the window resets.
func (rl *RateLimiter) Allow(ip string) (bool, time.Duration) {
	if rl.limit <= 0 {
		return true, 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	rl.requestCount++
	if rl.requestCount%rl.cleanupEvery == 0 || len(rl.requests) > rl.cleanupAtSize {
		rl.cleanupExpired(now)
		rl.requestCount = 0
	}

	b, exists := rl.requests[ip]
	if !exists || !now.Before(b.resetAt) {
		rl.requests[ip] = &bucket{count: 1, resetAt: now.Add(rl.window)}
		return true, 0
	}
	if b.count >= rl.limit {
		return false, b.resetAt.Sub(now)
	}
	b.count++
	return true, 0
}

func (rl *RateLimiter) cleanupExpired(now time.Time) {
	for ip, b := range rl.requests {
		if !now.Before(b.resetAt) {
			delete(rl.requests, ip)
		}
	}
}

// Len returns the number of tracked clients
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.requests)
}

// Middleware wraps an HTTP handler with rate limiting
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := GetClientIP(r)
		if ok, retryAfter := rl.Allow(ip); !ok {
			if rl.OnLimited != nil {
				rl.OnLimited(ip)
			}
			secs := int(retryAfter.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetClientIP extracts the client IP address from the request.
// The first X-Forwarded-For entry wins, then X-Real-IP, then RemoteAddr
// without its port.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i > 0 && !strings.HasSuffix(addr, "]") {
		return strings.Trim(addr[:i], "[]")
	}
	return addr
}
