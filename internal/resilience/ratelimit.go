package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quantor/mmexec/internal/obs"
)

// ErrRateLimited names the starved-bucket condition. TryAcquire reports it by
// returning false; no function in this package returns this error.
var ErrRateLimited = errors.New("rate limited")

// BucketConfig is a single bucket's refill rate and burst capacity.
type BucketConfig struct {
	CapacityPerSec float64
	Burst          int
}

// LimiterConfig configures the rate limiter. EndpointOverrides map to
// independent buckets; the global config and overrides never share state.
type LimiterConfig struct {
	CapacityPerSec    float64
	Burst             int
	EndpointOverrides map[string]BucketConfig
}

// DefaultLimiterConfig mirrors the production defaults.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{CapacityPerSec: 8, Burst: 16}
}

// RateLimiter paces exchange calls with a token bucket per endpoint. Refill
// is recomputed on every acquire attempt from the monotonic clock, never by
// a background task.
type RateLimiter struct {
	mu      sync.Mutex
	cfg     LimiterConfig
	buckets map[string]*tokenBucket
	metrics *obs.Metrics
}

// NewRateLimiter builds the limiter.
func NewRateLimiter(cfg LimiterConfig, metrics *obs.Metrics) *RateLimiter {
	return &RateLimiter{
		cfg:     cfg,
		buckets: make(map[string]*tokenBucket),
		metrics: metrics,
	}
}

func (l *RateLimiter) bucket(endpoint string) *tokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[endpoint]
	if !ok {
		capacity := l.cfg.CapacityPerSec
		burst := l.cfg.Burst
		if override, ok := l.cfg.EndpointOverrides[endpoint]; ok {
			if override.CapacityPerSec > 0 {
				capacity = override.CapacityPerSec
			}
			if override.Burst > 0 {
				burst = override.Burst
			}
		}
		b = newTokenBucket(endpoint, capacity, burst, l.metrics)
		l.buckets[endpoint] = b
	}
	return b
}

// Acquire blocks until tokens are available or ctx is done. Returns the
// total wait time.
func (l *RateLimiter) Acquire(ctx context.Context, endpoint string, tokens int) (time.Duration, error) {
	return l.bucket(endpoint).acquire(ctx, tokens)
}

// TryAcquire takes tokens without waiting; returns false when starved.
func (l *RateLimiter) TryAcquire(endpoint string, tokens int) bool {
	return l.bucket(endpoint).tryAcquire(tokens)
}

// tokenBucket is one endpoint's bucket. tokens stays in [0, burst]; counts
// never go negative.
type tokenBucket struct {
	mu sync.Mutex

	endpoint       string
	capacityPerSec float64
	burst          float64
	tokens         float64
	lastRefill     time.Time
	metrics        *obs.Metrics
}

func newTokenBucket(endpoint string, capacityPerSec float64, burst int, metrics *obs.Metrics) *tokenBucket {
	return &tokenBucket{
		endpoint:       endpoint,
		capacityPerSec: capacityPerSec,
		burst:          float64(burst),
		tokens:         float64(burst),
		lastRefill:     time.Now(),
		metrics:        metrics,
	}
}

// refillLocked tops up from elapsed monotonic time. Caller holds mu.
func (b *tokenBucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.capacityPerSec
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
	}
	b.lastRefill = now
}

func (b *tokenBucket) acquire(ctx context.Context, tokens int) (time.Duration, error) {
	need := float64(tokens)
	start := time.Now()
	waited := false

	b.mu.Lock()
	for {
		b.refillLocked()
		if b.tokens >= need {
			b.tokens -= need
			b.mu.Unlock()

			wait := time.Since(start)
			if waited && b.metrics != nil {
				b.metrics.RateLimitWaitMs.WithLabelValues(b.endpoint).Observe(float64(wait.Milliseconds()))
			}
			return wait, nil
		}

		if !waited {
			waited = true
			if b.metrics != nil {
				b.metrics.RateLimitHits.WithLabelValues(b.endpoint).Inc()
			}
		}

		// Sleep until the deficit should be refilled, then recheck; other
		// waiters may have consumed the refill in the meantime.
		deficit := need - b.tokens
		sleep := time.Duration(deficit / b.capacityPerSec * float64(time.Second))
		if sleep < time.Millisecond {
			sleep = time.Millisecond
		}
		b.mu.Unlock()

		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return time.Since(start), ctx.Err()
		}
		b.mu.Lock()
	}
}

func (b *tokenBucket) tryAcquire(tokens int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	need := float64(tokens)
	if b.tokens >= need {
		b.tokens -= need
		return true
	}
	if b.metrics != nil {
		b.metrics.RateLimitHits.WithLabelValues(b.endpoint).Inc()
	}
	return false
}
