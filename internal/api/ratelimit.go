package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdle = 5 * time.Minute

// callerLimiter holds a rate limiter and the last time it was used.
type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per caller for job creation. Callers are
// keyed by user name when authenticated, by client IP otherwise.
type RateLimiter struct {
	mu      sync.Mutex
	callers map[string]*callerLimiter
	rps     rate.Limit
	burst   int
}

// NewRateLimiter creates a RateLimiter allowing rps creations per second per
// caller, with a burst of rps. Idle callers are evicted until ctx is done.
func NewRateLimiter(ctx context.Context, rps int) *RateLimiter {
	rl := &RateLimiter{
		callers: make(map[string]*callerLimiter),
		rps:     rate.Limit(rps),
		burst:   rps,
	}
	go rl.evictLoop(ctx)
	return rl
}

func (rl *RateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.callers[key]
	if !ok {
		l = &callerLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.callers[key] = l
	}
	l.lastSeen = time.Now()
	return l.limiter.Allow()
}

func (rl *RateLimiter) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(limiterIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rl.evict(now.Add(-limiterIdle))
		}
	}
}

// evict drops the limiters not used since cutoff.
func (rl *RateLimiter) evict(cutoff time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, l := range rl.callers {
		if l.lastSeen.Before(cutoff) {
			delete(rl.callers, key)
		}
	}
}

// RateLimit returns a Middleware that limits PUT /api/v4/retrohunt/ to rps
// requests per second per caller. If rps is 0 the middleware is a no-op.
// It must run after AuthMiddleware to key on the user.
func RateLimit(ctx context.Context, rps int) Middleware {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	rl := NewRateLimiter(ctx, rps)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPut && r.URL.Path == apiPrefix+"/" {
				if !rl.allow(callerKey(r)) {
					writeError(w, http.StatusTooManyRequests, "rate limit exceeded, slow down")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func callerKey(r *http.Request) string {
	if u := userFrom(r); u.Uname != "" {
		return "user:" + u.Uname
	}
	return "ip:" + clientIP(r)
}

// clientIP extracts the client IP, respecting X-Forwarded-For when behind a proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// first entry is the client
		if idx := strings.Index(fwd, ","); idx != -1 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
