package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/starry/internal/config"
)

// TokenBucket implements a simple token bucket rate limiter.
type TokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a token bucket with the given rate and burst capacity.
func NewTokenBucket(perMinute, burst int) *TokenBucket {
	return newTokenBucket(perMinute, burst, time.Now)
}

func newTokenBucket(perMinute, burst int, now func() time.Time) *TokenBucket {
	t := now()
	return &TokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: float64(perMinute) / 60.0,
		lastRefill: t,
		lastAccess: t,
		now:        now,
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
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

// LastAccess returns the time of the last Allow call.
func (tb *TokenBucket) LastAccess() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastAccess
}

// IntentLimiter keeps one token bucket per attached client.
type IntentLimiter struct {
	enabled   bool
	perMinute int
	burst     int
	now       func() time.Time

	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

// NewIntentLimiter creates a limiter from config. Zero values fall back to
// the config defaults.
func NewIntentLimiter(cfg config.RateLimitConfig) *IntentLimiter {
	perMinute := cfg.IntentsPerMinute
	if perMinute <= 0 {
		perMinute = config.DefaultIntentsPerMinute
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = config.DefaultIntentBurst
	}
	return &IntentLimiter{
		enabled:   cfg.Enabled,
		perMinute: perMinute,
		burst:     burst,
		now:       time.Now,
		buckets:   make(map[string]*TokenBucket),
	}
}

// Allow reports whether clientID may send another intent.
func (l *IntentLimiter) Allow(clientID string) bool {
	if !l.enabled {
		return true
	}
	return l.bucket(clientID).Allow()
}

// Forget drops the bucket of a detached client.
func (l *IntentLimiter) Forget(clientID string) {
	l.mu.Lock()
	delete(l.buckets, clientID)
	l.mu.Unlock()
}

// StartEviction periodically removes buckets idle for longer than maxAge.
func (l *IntentLimiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
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

// EvictStale removes buckets that haven't been used within maxAge.
func (l *IntentLimiter) EvictStale(maxAge time.Duration) {
	cutoff := l.now().Add(-maxAge)
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for id, b := range l.buckets {
		if b.LastAccess().Before(cutoff) {
			delete(l.buckets, id)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("intent limiter eviction", "evicted", evicted, "remaining", len(l.buckets))
	}
}

// BucketCount returns the number of tracked buckets.
func (l *IntentLimiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *IntentLimiter) bucket(clientID string) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[clientID]
	if !ok {
		b = newTokenBucket(l.perMinute, l.burst, l.now)
		l.buckets[clientID] = b
	}
	return b
}
