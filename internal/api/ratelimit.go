package api

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// limiter is a per-key token bucket rate limiter.
type limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newLimiter(rps float64, burst int) *limiter {
	return &limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (l *limiter) allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// rateLimitMiddleware rejects requests with 429 once a key exceeds its
// budget. The key is the caller's bearer token if present, else remote
// address, so anonymous traffic can't starve authenticated callers.
func rateLimitMiddleware(l *limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := bearerToken(r)
			if key == "" {
				key = r.RemoteAddr
			}
			if !l.allow(key) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
