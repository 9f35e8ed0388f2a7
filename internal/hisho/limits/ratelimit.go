// Package limits bounds per-user usage: a request rate limit and a daily
// token budget.
package limits

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRequestsPerMinute applies when no explicit limit is configured.
	DefaultRequestsPerMinute = 20

	// DefaultBurst is the number of requests a user may make back to back.
	DefaultBurst = 5
)

// RateLimiter keeps one token-bucket limiter per user.
//
// RateLimiter is safe for concurrent use.
type RateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	now      func() time.Time
	limiters map[string]*rate.Limiter
}

// NewRateLimiter returns a RateLimiter allowing perMinute requests per user
// per minute with the given burst. Non-positive values take the defaults.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultRequestsPerMinute
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &RateLimiter{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether userID may make another request now and consumes a
// token when it may.
func (r *RateLimiter) Allow(userID string) bool {
	return r.limiter(userID).AllowN(r.now(), 1)
}

// Remaining returns the whole number of requests userID could make right now.
func (r *RateLimiter) Remaining(userID string) int {
	tokens := r.limiter(userID).TokensAt(r.now())
	if tokens < 0 {
		return 0
	}
	return int(tokens)
}

// Prune drops limiters whose bucket has refilled completely. Such a limiter
// behaves exactly like a new one, so the next request is unaffected. It
// returns the number of entries removed.
func (r *RateLimiter) Prune() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, l := range r.limiters {
		if l.TokensAt(now) >= float64(r.burst) {
			delete(r.limiters, id)
			n++
		}
	}
	return n
}

// Len returns the number of users currently tracked.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}

func (r *RateLimiter) limiter(userID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[userID]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[userID] = l
	}
	return l
}
