package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantor/mmexec/internal/obs"
)

func TestRateLimiter_BurstThenPacing(t *testing.T) {
	metrics := obs.NewMetrics()
	l := NewRateLimiter(LimiterConfig{CapacityPerSec: 50, Burst: 5}, metrics)
	ctx := context.Background()

	start := time.Now()
	var waits []time.Duration
	for i := 0; i < 10; i++ {
		wait, err := l.Acquire(ctx, "place_order", 1)
		require.NoError(t, err)
		waits = append(waits, wait)
	}
	elapsed := time.Since(start)

	// Five tokens over the burst at 50/s need at least 100ms of refill.
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)

	// The burst drains with near-zero wait; the rest wait for refill.
	for i := 0; i < 5; i++ {
		assert.Less(t, waits[i], 50*time.Millisecond, "acquire %d should not wait", i)
	}
	for i := 5; i < 10; i++ {
		assert.Greater(t, waits[i], time.Duration(0), "acquire %d should wait", i)
	}
}

func TestRateLimiter_TryAcquireStarved(t *testing.T) {
	l := NewRateLimiter(LimiterConfig{CapacityPerSec: 1, Burst: 2}, nil)

	assert.True(t, l.TryAcquire("cancel_order", 1))
	assert.True(t, l.TryAcquire("cancel_order", 1))
	assert.False(t, l.TryAcquire("cancel_order", 1))
}

func TestRateLimiter_EndpointsAreIndependent(t *testing.T) {
	l := NewRateLimiter(LimiterConfig{
		CapacityPerSec: 1,
		Burst:          1,
		EndpointOverrides: map[string]BucketConfig{
			"bulk": {CapacityPerSec: 100, Burst: 10},
		},
	}, nil)

	// Draining the default bucket leaves the override bucket untouched.
	require.True(t, l.TryAcquire("place_order", 1))
	assert.False(t, l.TryAcquire("place_order", 1))

	for i := 0; i < 10; i++ {
		assert.True(t, l.TryAcquire("bulk", 1), "bulk acquire %d", i)
	}
}

func TestRateLimiter_TokensNeverExceedBurst(t *testing.T) {
	l := NewRateLimiter(LimiterConfig{CapacityPerSec: 1000, Burst: 3}, nil)

	// Let refill run far past the burst ceiling.
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 3; i++ {
		assert.True(t, l.TryAcquire("place_order", 1))
	}
	assert.False(t, l.TryAcquire("place_order", 3), "no more than burst tokens may be banked")
}

func TestRateLimiter_AcquireHonorsContext(t *testing.T) {
	l := NewRateLimiter(LimiterConfig{CapacityPerSec: 0.1, Burst: 1}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := l.Acquire(ctx, "place_order", 1)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "place_order", 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimiter_MultipleTokens(t *testing.T) {
	l := NewRateLimiter(LimiterConfig{CapacityPerSec: 100, Burst: 10}, nil)
	ctx := context.Background()

	wait, err := l.Acquire(ctx, "place_order", 10)
	require.NoError(t, err)
	assert.Less(t, wait, 50*time.Millisecond)

	// The bucket is empty now; a 5-token acquire must wait ~50ms.
	start := time.Now()
	_, err = l.Acquire(ctx, "place_order", 5)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}
