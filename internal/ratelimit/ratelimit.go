// Package ratelimit implements a per-user sliding window rate limiter for
// the HTTP surface.
package ratelimit

import (
	"sync"
	"time"
)

// Result describes one admission decision and the values surfaced in
// X-RateLimit-* response headers.
type Result struct {
	Allowed bool
	// Limit is the window budget.
	Limit int
	// Remaining is the budget left after this request.
	Remaining int
	// Reset is when the window fully clears (now + window).
	Reset time.Time
	// RetryAfter is the full window duration on denial, zero when allowed.
	RetryAfter time.Duration
}

// Limiter tracks request timestamps per user. Prune, check, and append
// happen under one mutex so a burst of concurrent requests cannot overshoot
// the budget.
type Limiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	requests map[string][]time.Time
	now      func() time.Time
}

// New creates a limiter allowing limit requests per user within window.
func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		limit:    limit,
		window:   window,
		requests: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Allow decides whether the user's request is admitted and records it when
// it is.
func (l *Limiter) Allow(userID string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.requests[userID][:0]
	for _, t := range l.requests[userID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	res := Result{
		Limit: l.limit,
		Reset: now.Add(l.window),
	}

	if len(kept) >= l.limit {
		l.requests[userID] = kept
		res.Allowed = false
		res.Remaining = 0
		// Denials advertise the full window, not the time until the oldest
		// request slides out.
		res.RetryAfter = l.window
		return res
	}

	kept = append(kept, now)
	l.requests[userID] = kept
	res.Allowed = true
	res.Remaining = l.limit - len(kept)
	return res
}

// Remaining reports the user's unused budget without consuming any.
func (l *Limiter) Remaining(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	active := 0
	for _, t := range l.requests[userID] {
		if t.After(cutoff) {
			active++
		}
	}
	if active >= l.limit {
		return 0
	}
	return l.limit - active
}

// CleanupStale drops users whose every tracked request has left the window.
// Called periodically so idle users do not accumulate.
func (l *Limiter) CleanupStale() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	removed := 0
	for user, times := range l.requests {
		stale := true
		for _, t := range times {
			if t.After(cutoff) {
				stale = false
				break
			}
		}
		if stale {
			delete(l.requests, user)
			removed++
		}
	}
	return removed
}
