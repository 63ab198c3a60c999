package identity

import (
	"sync"
	"time"
)

// IPLimiter enforces "at most M failed auth attempts within a rolling
// 15-minute window" per source IP. It is a plain sliding-window counter
// rather than golang.org/x/time/rate's token bucket, because the invariant
// is a hard count-within-window, not a smoothed rate —
// golang.org/x/time/rate is still used where a rate is actually meant
// (internal/transport's per-connection inbound limiter).
//
// Only failures are counted: callers check Blocked before validating and
// call RecordFailure after a failed credential/token/fingerprint check. A
// successful auth never touches the window, so a legitimate device
// reconnecting repeatedly cannot rate-limit itself.
type IPLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	max      int
	failures map[string][]time.Time
}

// NewIPLimiter builds a limiter allowing max failed attempts per window,
// per IP.
func NewIPLimiter(max int, window time.Duration) *IPLimiter {
	return &IPLimiter{
		window:   window,
		max:      max,
		failures: make(map[string][]time.Time),
	}
}

// Blocked reports whether ip has already hit the failed-attempt ceiling
// within the rolling window. It records nothing.
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
