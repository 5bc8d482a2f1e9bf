package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/agentui/internal/config"
)

// TokenBucket implements a simple token bucket rate limiter.
type TokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time // tracks last request for eviction
	mu         sync.Mutex
}

// NewTokenBucket creates a token bucket with the given rate and burst capacity.
func NewTokenBucket(perSecond float64, burst int) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: perSecond,
		lastRefill: now,
		lastAccess: now,
	}
}

// Allow checks if a request is allowed and consumes a token if so.
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

// transportLimiter keeps one bucket per transport id. Buckets are dropped
// when the transport disconnects.
type transportLimiter struct {
	enabled   bool
	perSecond float64
	burst     int

	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

func newTransportLimiter(cfg config.RateLimitConfig) *transportLimiter {
	rate := cfg.RequestsPerSecond
	if rate <= 0 {
		rate = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	return &transportLimiter{
		enabled:   cfg.Enabled,
		perSecond: rate,
		burst:     burst,
		buckets:   make(map[string]*TokenBucket),
	}
}

func (l *transportLimiter) Allow(tid string) bool {
	if !l.enabled {
		return true
	}
	l.mu.Lock()
	bucket, ok := l.buckets[tid]
	if !ok {
		bucket = NewTokenBucket(l.perSecond, l.burst)
		l.buckets[tid] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

func (l *transportLimiter) Forget(tid string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, tid)
}

func (l *transportLimiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// EvictStale removes buckets that haven't been accessed within maxAge. A
// read loop that dies without a disconnect would otherwise leak its bucket.
func (l *transportLimiter) EvictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, bucket := range l.buckets {
		if bucket.LastAccess().Before(cutoff) {
			delete(l.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(l.buckets))
	}
}

// StartEviction periodically evicts stale buckets until ctx is done.
func (l *transportLimiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.EvictStale(maxAge)
			}
		}
	}()
}
