package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is an advanceable clock for deterministic breaker tests.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Window:        60 * time.Second,
		FailThreshold: 3,
		Cooldown:      200 * time.Millisecond,
		MinDwell:      100 * time.Millisecond,
		ProbeCount:    1,
	}
}

func TestBreaker_TripsOnThreshold(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(testBreakerConfig(), "place_order", clock.Now, nil)

	require.True(t, b.AllowRequest(false))

	b.RecordFailure("429")
	b.RecordFailure("429")
	assert.Equal(t, StateClosed, b.State())

	b.RecordFailure("429")
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.AllowRequest(false))
}

func TestBreaker_ProbeAfterCooldownThenClose(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(testBreakerConfig(), "place_order", clock.Now, nil)

	for i := 0; i < 3; i++ {
		b.RecordFailure("429")
	}
	require.Equal(t, StateOpen, b.State())
	require.False(t, b.AllowRequest(false))

	// After cooldown + dwell a probe is admitted.
	clock.Advance(300 * time.Millisecond)
	assert.True(t, b.AllowRequest(false))
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.FailureCount(), "window clears on entering closed")
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(testBreakerConfig(), "place_order", clock.Now, nil)

	for i := 0; i < 3; i++ {
		b.RecordFailure("timeout")
	}
	clock.Advance(300 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordFailure("timeout")
	assert.Equal(t, StateOpen, b.State())
	// Re-opening from half-open keeps the window.
	assert.Equal(t, 4, b.FailureCount())
}

func TestBreaker_WindowEviction(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(testBreakerConfig(), "place_order", clock.Now, nil)

	b.RecordFailure("500")
	b.RecordFailure("500")
	assert.Equal(t, 2, b.FailureCount())

	clock.Advance(61 * time.Second)
	assert.Equal(t, 0, b.FailureCount(), "no count survives past the window")

	// Old failures no longer contribute to tripping.
	b.RecordFailure("500")
	b.RecordFailure("500")
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_AllowlistBypasses(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(testBreakerConfig(), "place_order", clock.Now, nil)

	for i := 0; i < 3; i++ {
		b.RecordFailure("429")
	}
	require.Equal(t, StateOpen, b.State())

	assert.True(t, b.AllowRequest(true))
	assert.False(t, b.AllowRequest(false))
}

func TestBreaker_CooldownRespectsDwell(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.Cooldown = 50 * time.Millisecond
	cfg.MinDwell = 200 * time.Millisecond

	clock := newFakeClock()
	b := NewCircuitBreaker(cfg, "place_order", clock.Now, nil)

	for i := 0; i < 3; i++ {
		b.RecordFailure("429")
	}
	require.Equal(t, StateOpen, b.State())

	// Cooldown has elapsed, dwell has not.
	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, StateOpen, b.State())

	clock.Advance(150 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestIsTransientFailure(t *testing.T) {
	assert.True(t, IsTransientFailure(errors.New("HTTP 429 Too Many Requests")))
	assert.True(t, IsTransientFailure(errors.New("HTTP 503 Service Unavailable")))
	assert.True(t, IsTransientFailure(errors.New("dial tcp: connection refused")))
	assert.True(t, IsTransientFailure(errors.New("request timed out")))

	assert.False(t, IsTransientFailure(nil))
	assert.False(t, IsTransientFailure(errors.New("HTTP 400 Bad Request")))
	assert.False(t, IsTransientFailure(errors.New("invalid qty precision")))
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "429", ErrorCode(errors.New("HTTP 429")))
	assert.Equal(t, "timeout", ErrorCode(errors.New("request timed out")))
	assert.Equal(t, "refused", ErrorCode(errors.New("connection refused")))
	assert.Equal(t, "reset", ErrorCode(errors.New("connection reset by peer")))
	assert.Equal(t, "unknown", ErrorCode(errors.New("weird failure")))
}
