package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimitConfig bounds how often one client may request manual summaries.
// PerMinute <= 0 disables limiting.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

// TokenBucket implements a simple token bucket rate limiter.
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
	now := time.Now()
	return &TokenBucket{
		tokens:     float64(burstSize),
		maxTokens:  float64(burstSize),
		refillRate: float64(requestsPerMinute) / 60.0,
		lastRefill: now,
		lastAccess: now,
	}
}

// Allow checks if a request is allowed and consumes a token if so.
func (tb *TokenBucket) Allow() bool {
	return tb.allowAt(time.Now())
}

func (tb *TokenBucket) allowAt(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

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

// RateLimiter keeps one token bucket per client.
type RateLimiter struct {
	cfg     RateLimitConfig
	buckets map[string]*TokenBucket
	mu      sync.RWMutex
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.PerMinute > 0 && cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &RateLimiter{
		cfg:     cfg,
		buckets: make(map[string]*TokenBucket),
	}
}

// Enabled reports whether requests are limited at all.
func (rl *RateLimiter) Enabled() bool {
	return rl.cfg.PerMinute > 0
}

// StartEviction periodically drops buckets idle for longer than maxAge until
// ctx is done.
func (rl *RateLimiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	if !rl.Enabled() {
		return
	}
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

// Wrap wraps an http.Handler with rate limiting.
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	if !rl.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.getBucket(clientKey(r)).Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey buckets by token when one is presented, else by remote host.
func clientKey(r *http.Request) string {
	if key := ExtractAPIKey(r); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
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
	bucket = NewTokenBucket(rl.cfg.PerMinute, rl.cfg.Burst)
	rl.buckets[key] = bucket
	return bucket
}
