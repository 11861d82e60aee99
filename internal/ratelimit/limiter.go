// Package ratelimit provides per-client token buckets for the HTTP API.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
	// RequestsPerMinute is the sustained rate allowed per client.
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	// BurstSize is the maximum number of requests allowed in a burst.
	BurstSize int `yaml:"burst_size"`
}

// DefaultConfig returns the default rate limit configuration. Limiting is
// off unless enabled in config.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 30,
		BurstSize:         5,
	}
}

// bucket is a token bucket refilled continuously.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter holds one bucket per client key.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	enabled bool
	perSec  float64
	burst   float64
	maxKeys int
	now     func() time.Time
}

// NewLimiter creates a limiter. Non-positive rates fall back to the defaults.
func NewLimiter(config Config) *Limiter {
	def := DefaultConfig()
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = def.RequestsPerMinute
	}
	if config.BurstSize <= 0 {
		config.BurstSize = def.BurstSize
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		enabled: config.Enabled,
		perSec:  config.RequestsPerMinute / 60,
		burst:   float64(config.BurstSize),
		maxKeys: 10000,
		now:     time.Now,
	}
}

// Allow consumes a token for key. When the bucket is empty it returns false
// and how long until the next token is available.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	if l == nil || !l.enabled {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.prune(now)
		}
		b = &bucket{tokens: l.burst, lastRefill: now}
		l.buckets[key] = b
	}
	l.refill(b, now)

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / l.perSec * float64(time.Second))
	return false, wait
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// refill must be called with the lock held.
func (l *Limiter) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.lastRefill = now
	b.tokens += elapsed * l.perSec
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
}

// prune drops buckets that have refilled completely; those clients are idle.
func (l *Limiter) prune(now time.Time) {
	for key, b := range l.buckets {
		l.refill(b, now)
		if b.tokens >= l.burst {
			delete(l.buckets, key)
		}
	}
}
