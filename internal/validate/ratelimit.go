// Package validate implements the Input Validator: per-chat rate limiting,
// duplicate-click debounce via event fingerprinting, and InputSpec
// validation against a scenario step's expected reply shape.
package validate

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TokenBucket is a simple token bucket rate limiter for one chat.
type TokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a token bucket with the given rate and burst capacity.
func NewTokenBucket(requestsPerMinute, burstSize int) *TokenBucket {
	rate := float64(requestsPerMinute) / 60.0
	now := time.Now()
	return &TokenBucket{
		tokens:     float64(burstSize),
		maxTokens:  float64(burstSize),
		refillRate: rate,
		lastRefill: now,
		lastAccess: now,
	}
}

// Allow checks if an event is allowed and consumes a token if so.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
	tb.lastAccess = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

// LastAccess returns the time of the last Allow() call.
func (tb *TokenBucket) LastAccess() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastAccess
}

// RateLimiter enforces per-chat rate limits. Without a SideStore it
// runs per-process token buckets; with one attached the count is shared
// across engine instances, and a side-store outage fails open (allow)
// per the degraded-mode policy — better to keep messaging alive than to
// wedge every chat behind an unreachable store.
type RateLimiter struct {
	buckets           map[string]*TokenBucket
	requestsPerMinute int
	burstSize         int
	side              SideStore
	mu                sync.RWMutex
}

// NewRateLimiter creates a per-chat rate limiter.
func NewRateLimiter(requestsPerMinute, burstSize int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 20
	}
	if burstSize <= 0 {
		burstSize = 5
	}
	return &RateLimiter{
		buckets:           make(map[string]*TokenBucket),
		requestsPerMinute: requestsPerMinute,
		burstSize:         burstSize,
	}
}

// SetSideStore attaches a shared side store. Call before serving
// traffic; not safe to swap mid-flight.
func (rl *RateLimiter) SetSideStore(s SideStore) { rl.side = s }

// Allow reports whether an event for chatKey may proceed, consuming a
// token from that chat's bucket if so.
func (rl *RateLimiter) Allow(ctx context.Context, chatKey string) bool {
	if rl.side != nil {
		n, err := rl.side.CountEvent(ctx, chatKey, rl.countWindow())
		if err != nil {
			// Fail open on outage: a chat's quota is not worth blocking
			// every chat for.
			return true
		}
		return n <= int64(rl.burstSize)
	}
	return rl.getBucket(chatKey).Allow()
}

// countWindow is the fixed window over which the side store counts up
// to burstSize events, sized so the long-run rate matches the token
// bucket's refill (burst tokens regenerate in burst/rate seconds).
func (rl *RateLimiter) countWindow() time.Duration {
	perSecond := float64(rl.requestsPerMinute) / 60.0
	return time.Duration(float64(rl.burstSize) / perSecond * float64(time.Second))
}

// StartEviction launches a background goroutine that periodically removes
// stale per-chat buckets, bounding memory growth across long-lived bots.
func (rl *RateLimiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes buckets that haven't been accessed within maxAge.
func (rl *RateLimiter) EvictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for key, bucket := range rl.buckets {
		if bucket.LastAccess().Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.buckets))
	}
}

// BucketCount returns the current number of tracked buckets.
func (rl *RateLimiter) BucketCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.buckets)
}

func (rl *RateLimiter) getBucket(key string) *TokenBucket {
	rl.mu.RLock()
	bucket, exists := rl.buckets[key]
	rl.mu.RUnlock()
	if exists {
		return bucket
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if bucket, exists = rl.buckets[key]; exists {
		return bucket
	}

	bucket = NewTokenBucket(rl.requestsPerMinute, rl.burstSize)
	rl.buckets[key] = bucket
	return bucket
}
