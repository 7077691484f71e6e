// Package resilience provides the failure-isolation layer around exchange
// calls: a sliding-window circuit breaker and a token-bucket rate limiter.
package resilience

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/quantor/mmexec/internal/obs"
)

// Circuit breaker states.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// ErrBreakerOpen signals that the breaker rejected a call; retryable by
// policy.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	Window        time.Duration // failure sliding window
	FailThreshold int           // failures in window to trip
	Cooldown      time.Duration // OPEN duration before probing
	MinDwell      time.Duration // anti-flapping dwell for non-forced transitions
	ProbeCount    int           // consecutive probe successes to close
}

// DefaultBreakerConfig mirrors the production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Window:        60 * time.Second,
		FailThreshold: 10,
		Cooldown:      30 * time.Second,
		MinDwell:      30 * time.Second,
		ProbeCount:    1,
	}
}

// CircuitBreaker guards one logical exchange endpoint.
//
// CLOSED -> OPEN when the windowed failure count reaches the threshold
// (forced). OPEN -> HALF_OPEN after cooldown and dwell. HALF_OPEN -> CLOSED
// after ProbeCount consecutive successes (forced, clears the window).
// HALF_OPEN -> OPEN on any failure (forced). The window is cleared only on
// entering CLOSED, so re-opening from HALF_OPEN keeps it.
type CircuitBreaker struct {
	mu sync.Mutex

	cfg      BreakerConfig
	endpoint string
	clock    func() time.Time
	metrics  *obs.Metrics

	state          CircuitState
	stateChangedAt time.Time
	failures       []time.Time
	probeSuccesses int
}

// NewCircuitBreaker builds a breaker. A nil clock defaults to time.Now,
// which carries a monotonic reading.
func NewCircuitBreaker(cfg BreakerConfig, endpoint string, clock func() time.Time, metrics *obs.Metrics) *CircuitBreaker {
	if clock == nil {
		clock = time.Now
	}
	return &CircuitBreaker{
		cfg:            cfg,
		endpoint:       endpoint,
		clock:          clock,
		metrics:        metrics,
		state:          StateClosed,
		stateChangedAt: clock(),
	}
}

// State returns the current state after applying time-based transitions.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updateStateLocked()
	return b.state
}

// AllowRequest reports whether a call may proceed. Allowlisted calls always
// pass. In HALF_OPEN the caller acts as the probe.
func (b *CircuitBreaker) AllowRequest(isAllowlist bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if isAllowlist {
		return true
	}
	b.updateStateLocked()
	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess counts a successful probe; enough of them close the circuit.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateHalfOpen {
		return
	}
	b.probeSuccesses++
	if b.probeSuccesses >= b.cfg.ProbeCount {
		b.transitionLocked(StateClosed, true)
	}
}

// RecordFailure adds a failure to the sliding window and trips the breaker
// when warranted.
func (b *CircuitBreaker) RecordFailure(code string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	b.failures = append(b.failures, now)
	b.evictLocked(now)

	if b.metrics != nil {
		b.metrics.APIFailures.WithLabelValues(b.endpoint, code).Inc()
	}

	switch b.state {
	case StateClosed:
		if len(b.failures) >= b.cfg.FailThreshold {
			b.transitionLocked(StateOpen, true)
		}
	case StateHalfOpen:
		b.transitionLocked(StateOpen, true)
	}
}

// FailureCount returns the live failure count inside the window.
func (b *CircuitBreaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictLocked(b.clock())
	return len(b.failures)
}

func (b *CircuitBreaker) evictLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	idx := 0
	for idx < len(b.failures) && b.failures[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		b.failures = append(b.failures[:0], b.failures[idx:]...)
	}
}

func (b *CircuitBreaker) updateStateLocked() {
	if b.state != StateOpen {
		return
	}
	inState := b.clock().Sub(b.stateChangedAt)
	if inState >= b.cfg.Cooldown && inState >= b.cfg.MinDwell {
		b.transitionLocked(StateHalfOpen, false)
	}
}

func (b *CircuitBreaker) transitionLocked(next CircuitState, forced bool) {
	now := b.clock()
	if !forced && now.Sub(b.stateChangedAt) < b.cfg.MinDwell {
		return
	}

	b.state = next
	b.stateChangedAt = now

	if next == StateHalfOpen {
		b.probeSuccesses = 0
	}
	if next == StateClosed {
		b.failures = b.failures[:0]
	}
	if b.metrics != nil {
		b.metrics.CircuitState.WithLabelValues(b.endpoint).Set(float64(next))
	}
}

// IsTransientFailure classifies errors that count against the breaker: HTTP
// 429, 5xx, timeouts and connection-level failures. Other 4xx and validation
// errors do not count.
func IsTransientFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "rate limit", "500", "502", "503", "504"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	for _, marker := range []string{"timeout", "timed out", "connection", "refused", "reset", "network"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ErrorCode extracts a short failure code for metrics labels.
func ErrorCode(err error) string {
	if err == nil {
		return "none"
	}
	msg := strings.ToLower(err.Error())
	for _, code := range []string{"429", "500", "502", "503", "504"} {
		if strings.Contains(msg, code) {
			return code
		}
	}
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return "timeout"
	case strings.Contains(msg, "refused"):
		return "refused"
	case strings.Contains(msg, "reset"):
		return "reset"
	case strings.Contains(msg, "connection"):
		return "connection"
	}
	return "unknown"
}
