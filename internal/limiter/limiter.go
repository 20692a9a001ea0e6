// ABOUTME: Sliding-window rate limiter keyed by client address
// ABOUTME: Applied per inbound envelope, before authentication

package limiter

import (
	"sync"
	"time"
)

// Limiter enforces a sliding-window rate limit per key (client address).
// A request is denied when the key already holds max timestamps within the
// window; denials do not mutate the window, so a flooding client does not
// push its own recovery further out.
type Limiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	window  time.Duration
	max     int
	now     func() time.Time // injectable for tests
}

// New creates a limiter allowing max requests per key within window.
func New(window time.Duration, max int) *Limiter {
	return &Limiter{
		windows: make(map[string][]time.Time),
		window:  window,
		max:     max,
		now:     time.Now,
	}
}

// Allow reports whether a request from key is within the limit, recording
// the request timestamp when it is.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.windows[key][:0]
	for _, ts := range l.windows[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.max {
		l.windows[key] = kept
		return false
	}

	l.windows[key] = append(kept, now)
	return true
}

// RetryAfter returns the wait until the oldest retained timestamp for key
// leaves the window, rounded up to whole seconds. Returns 0 when the key
// is currently under the limit.
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.windows[key]
	if len(window) < l.max {
		return 0
	}
	wait := window[0].Add(l.window).Sub(l.now())
	if wait <= 0 {
		return 0
	}
	if rem := wait % time.Second; rem > 0 {
		wait += time.Second - rem
	}
	return wait
}

// Prune drops keys whose every timestamp has left the window. Called
// periodically by the liveness supervisor to bound memory.
func (l *Limiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	for key, window := range l.windows {
		live := false
		for _, ts := range window {
			if ts.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.windows, key)
		}
	}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
