package decoy

import (
	"sync"
	"time"
)

// ipLimiter is a per-IP token bucket. Buckets refill lazily on access, so
// no background goroutine per address is needed.
type ipLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rps     float64
	burst   float64

	lastPrune time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// pruneInterval bounds how often idle buckets are swept.
const pruneInterval = 5 * time.Minute

func newIPLimiter(rps, burst int) *ipLimiter {
	return &ipLimiter{
		buckets:   make(map[string]*bucket),
		rps:       float64(rps),
		burst:     float64(burst),
		lastPrune: time.Now(),
	}
}

// Allow takes one token for ip, reporting whether the request may proceed.
func (l *ipLimiter) Allow(ip string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) > pruneInterval {
		l.prune(now)
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{tokens: l.burst, last: now}
		l.buckets[ip] = b
	} else {
		b.tokens += now.Sub(b.last).Seconds() * l.rps
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
		b.last = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// prune drops buckets idle long enough to have refilled completely.
func (l *ipLimiter) prune(now time.Time) {
	idle := time.Duration(l.burst/l.rps) * time.Second * 2
	if idle < time.Minute {
		idle = time.Minute
	}
	for ip, b := range l.buckets {
		if now.Sub(b.last) > idle {
			delete(l.buckets, ip)
		}
	}
	l.lastPrune = now
}
