package credential

import (
	"sync"
	"time"
)

// IPLimiter enforces the 5-failed-attempts-per-15-minute window on the
// credential entry endpoint, per source IP. Same sliding-window shape as
// internal/identity's auth limiter; duplicated rather than shared so the
// credential package stays free of an identity dependency. Only failed
// submissions count — a successful entry never narrows the window.
type IPLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	max      int
	failures map[string][]time.Time
}

func NewIPLimiter(max int, window time.Duration) *IPLimiter {
	if max <= 0 {
		max = 5
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &IPLimiter{window: window, max: max, failures: make(map[string][]time.Time)}
}

// Blocked reports whether ip has hit the failed-attempt ceiling within the
// rolling window. It records nothing.
func (l *IPLimiter) Blocked(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pruneLocked(ip, now)) >= l.max
}

// RecordFailure counts one failed attempt from ip at time now.
func (l *IPLimiter) RecordFailure(ip string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[ip] = append(l.pruneLocked(ip, now), now)
}

func (l *IPLimiter) pruneLocked(ip string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	kept := l.failures[ip][:0]
	for _, t := range l.failures[ip] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.failures[ip] = kept
	return kept
}
