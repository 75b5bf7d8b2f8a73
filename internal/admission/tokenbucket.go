package admission

import (
	"math"
	"sync"

	"golang.org/x/time/rate"
)

// TokenBucket is the gateway's global RPS limiter, a thin wrapper over
// golang.org/x/time/rate.Limiter that also computes the Retry-After hint
// the error envelope carries. One instance is shared across all
// requests under the "" key; the limiter map also accepts other keys
// (e.g. a tenant id), each with its own bucket.
type TokenBucket struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func NewTokenBucket(rps float64, burst int) *TokenBucket {
	return &TokenBucket{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (t *TokenBucket) limiterFor(key string) *rate.Limiter {
	t.mu.RLock()
	l, ok := t.limiters[key]
	t.mu.RUnlock()
	if ok {
		return l
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok = t.limiters[key]; ok {
		return l
	}
	l = rate.NewLimiter(t.rps, t.burst)
	t.limiters[key] = l
	return l
}

// Allow reports whether a request keyed by key (e.g. tenant id, or ""
// for the global bucket) may proceed now, and if not, the delay in
// milliseconds until ceil((1-tokens)/rate) seconds have passed.
func (t *TokenBucket) Allow(key string) (ok bool, retryAfterMs int64) {
	l := t.limiterFor(key)
	if l.Allow() {
		return true, 0
	}
	if t.rps <= 0 {
		return false, 1000
	}
	// Whole seconds, rounded up, so the envelope's retry_after_ms and
	// the Retry-After header agree.
	secs := int64(math.Ceil((1.0 - l.Tokens()) / float64(t.rps)))
	if secs < 1 {
		secs = 1
	}
	return false, secs * 1000
}
