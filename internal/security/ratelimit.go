package security

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	bucketTTL     = 10 * time.Minute
	sweepInterval = time.Minute
	maxBuckets    = 10000
)

type bucket struct {
	tokens   *rate.Limiter
	lastSeen time.Time
}

// RateLimiter hands out one token bucket per key. The server keys it by
// client IP to admit connections and by normalized email to throttle staff
// logins. Buckets idle for longer than bucketTTL are swept.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	max     int
	stop    context.CancelFunc
}

// NewRateLimiter allows r events per second per key with the given burst.
func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	ctx, cancel := context.WithCancel(context.Background())
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   r,
		burst:   burst,
		max:     maxBuckets,
		stop:    cancel,
	}
	go rl.sweep(ctx)
	return rl
}

// PerMinute allows n events per minute per key, all of them in a burst.
func PerMinute(n int) *RateLimiter {
	return NewRateLimiter(rate.Limit(float64(n)/60.0), n)
}

// Allow takes a token from key's bucket. New keys are refused once the
// limiter tracks its maximum number of buckets.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		if len(rl.buckets) >= rl.max {
			rl.mu.Unlock()
			return false
		}
		b = &bucket{tokens: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = time.Now()
	rl.mu.Unlock()

	return b.tokens.Allow()
}

// Forget drops key's bucket so its next event starts with a full burst.
func (rl *RateLimiter) Forget(key string) {
	rl.mu.Lock()
	delete(rl.buckets, key)
	rl.mu.Unlock()
}

// Len returns the number of keys currently tracked.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// UpdateRate applies a reloaded rate. Every bucket is dropped and refilled
// at the new burst on its next event.
func (rl *RateLimiter) UpdateRate(r rate.Limit, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limit = r
	rl.burst = burst
	rl.buckets = make(map[string]*bucket)
}

// Stop ends the background sweep.
func (rl *RateLimiter) Stop() {
	rl.stop()
}

func (rl *RateLimiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rl.evictIdle(now)
		}
	}
}

func (rl *RateLimiter) evictIdle(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > bucketTTL {
			delete(rl.buckets, key)
		}
	}
}
