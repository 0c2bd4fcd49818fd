package guardrails

import (
	"sync"
	"time"
)

// DefaultRatePerMinute is the default per-session invocation budget.
const DefaultRatePerMinute = 10

// RateLimiter enforces a bounded number of tool invocations per rolling time
// window per session. Counters are mutated under a per-limiter mutex;
// sessions share nothing else.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	calls  map[string][]time.Time
	now    func() time.Time
}

// NewRateLimiter creates a limiter allowing limit invocations per minute.
func NewRateLimiter(limit int) *RateLimiter {
	return NewRateLimiterWindow(limit, time.Minute)
}

// NewRateLimiterWindow creates a limiter with an explicit window.
func NewRateLimiterWindow(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRatePerMinute
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		calls:  make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow consumes one slot for the session if the rolling window has budget
// left. When denied, it returns how long until the oldest call rolls out.
func (r *RateLimiter) Allow(sessionID string) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	recent := r.calls[sessionID][:0]
	for _, t := range r.calls[sessionID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.calls[sessionID] = recent
		return false, recent[0].Sub(cutoff)
	}

	r.calls[sessionID] = append(recent, now)
	return true, 0
}

// Limit returns the per-window invocation budget.
func (r *RateLimiter) Limit() int { return r.limit }

// Window returns the rolling window size.
func (r *RateLimiter) Window() time.Duration { return r.window }

// Reset clears all counters for a session.
func (r *RateLimiter) Reset(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, sessionID)
}
