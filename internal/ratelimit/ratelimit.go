// Package ratelimit counts requests per client over a sliding window.
package ratelimit

import (
	"sync"
	"time"
)

// DefaultWindow is the trailing window requests are counted over.
const DefaultWindow = 60 * time.Second

// Clock returns the current time. Tests substitute a fake.
type Clock func() time.Time

// Limiter is a sliding-window request counter keyed by client. It never
// blocks; callers decide what to do with a denial.
type Limiter struct {
	limit  int
	window time.Duration
	now    Clock

	mu      sync.Mutex
	windows map[string][]time.Time
}

// New returns a limiter allowing limit requests per window. A nil clock
// uses time.Now. A limit of zero or less disables limiting.
func New(limit int, window time.Duration, clock Clock) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		now:     clock,
		windows: make(map[string][]time.Time),
	}
}

// Allow records a request from key and reports whether it is within the
// limit. Timestamps older than the window are pruned, then the new one is
// appended and counted. Denied requests are recorded too, so a client that
// keeps retrying stays limited until it backs off for a whole window.
func (l *Limiter) Allow(key string) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	stamps := append(prune(l.windows[key], now.Add(-l.window)), now)
	l.windows[key] = stamps
	return len(stamps) <= l.limit
}

// Remaining returns how many more requests key may make right now.
func (l *Limiter) Remaining(key string) int {
	if l.limit <= 0 {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(prune(l.windows[key], l.now().Add(-l.window)))
	if n >= l.limit {
		return 0
	}
	return l.limit - n
}

// Reset forgets all requests recorded for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// Sweep drops clients whose whole window has expired.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.window)
	for key, stamps := range l.windows {
		if stamps = prune(stamps, cutoff); len(stamps) == 0 {
			delete(l.windows, key)
		} else {
			l.windows[key] = stamps
		}
	}
}

// Len returns the number of clients currently tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// prune drops timestamps at or before cutoff. Timestamps are appended in
// order, so the survivors are a suffix.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}
