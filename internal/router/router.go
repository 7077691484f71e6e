// Package router wraps the exchange adapter with the resilience layer:
// token-bucket pacing, circuit breaking, capped exponential-backoff retries
// and client-order-id deduplication.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/quantor/mmexec/internal/exchange"
	"github.com/quantor/mmexec/internal/obs"
	"github.com/quantor/mmexec/internal/resilience"
)

// Endpoint names used for breaker and limiter bookkeeping.
const (
	EndpointPlaceOrder  = "place_order"
	EndpointCancelOrder = "cancel_order"
)

// Config tunes the router's retry policy.
type Config struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Breaker         resilience.BreakerConfig
	Limiter         resilience.LimiterConfig
}

// DefaultConfig mirrors the production retry policy: three attempts with
// 100ms initial backoff.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Breaker:         resilience.DefaultBreakerConfig(),
		Limiter:         resilience.DefaultLimiterConfig(),
	}
}

// Router routes orders to the exchange client. Transient transport errors
// are retried with exponential backoff and counted against the endpoint's
// breaker; rejections and validation errors are not retried.
type Router struct {
	mu sync.Mutex

	client  exchange.Client
	cfg     Config
	limiter *resilience.RateLimiter
	breaker map[string]*resilience.CircuitBreaker
	log     *logrus.Entry
	metrics *obs.Metrics

	placed map[string]exchange.PlaceOrderResponse
}

// New builds a router around client.
func New(client exchange.Client, cfg Config, log *logrus.Entry, metrics *obs.Metrics) *Router {
	return &Router{
		client:  client,
		cfg:     cfg,
		limiter: resilience.NewRateLimiter(cfg.Limiter, metrics),
		breaker: make(map[string]*resilience.CircuitBreaker),
		log:     log,
		metrics: metrics,
		placed:  make(map[string]exchange.PlaceOrderResponse),
	}
}

// Breaker returns the breaker guarding endpoint, creating it on first use.
func (r *Router) Breaker(endpoint string) *resilience.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breaker[endpoint]
	if !ok {
		b = resilience.NewCircuitBreaker(r.cfg.Breaker, endpoint, nil, r.metrics)
		r.breaker[endpoint] = b
	}
	return b
}

// PlaceLimitOrder places an order through the resilience layer. A repeated
// client order id returns the cached response without touching the exchange.
func (r *Router) PlaceLimitOrder(ctx context.Context, req exchange.PlaceOrderRequest) (exchange.PlaceOrderResponse, error) {
	r.mu.Lock()
	if cached, ok := r.placed[req.ClientOrderID]; ok {
		r.mu.Unlock()
		if r.log != nil {
			r.log.WithField("client_order_id", req.ClientOrderID).Warn("duplicate_place_ignored")
		}
		return cached, nil
	}
	r.mu.Unlock()

	resp, err := r.call(ctx, EndpointPlaceOrder, func(callCtx context.Context) (exchange.PlaceOrderResponse, error) {
		return r.client.PlaceLimitOrder(callCtx, req)
	})
	if err != nil {
		return resp, err
	}

	r.mu.Lock()
	r.placed[req.ClientOrderID] = resp
	r.mu.Unlock()
	return resp, nil
}

// CancelOrder cancels through the resilience layer.
func (r *Router) CancelOrder(ctx context.Context, clientOrderID, symbol string) (exchange.PlaceOrderResponse, error) {
	return r.call(ctx, EndpointCancelOrder, func(callCtx context.Context) (exchange.PlaceOrderResponse, error) {
		return r.client.CancelOrder(callCtx, clientOrderID, symbol)
	})
}

func (r *Router) call(ctx context.Context, endpoint string, fn func(context.Context) (exchange.PlaceOrderResponse, error)) (exchange.PlaceOrderResponse, error) {
	if _, err := r.limiter.Acquire(ctx, endpoint, 1); err != nil {
		return exchange.PlaceOrderResponse{}, fmt.Errorf("rate limiter: %w", err)
	}

	breaker := r.Breaker(endpoint)

	var resp exchange.PlaceOrderResponse
	attempts := 0

	operation := func() error {
		if !breaker.AllowRequest(false) {
			return backoff.Permanent(fmt.Errorf("%s: %w", endpoint, resilience.ErrBreakerOpen))
		}
		attempts++

		var err error
		resp, err = fn(ctx)
		if err != nil {
			if resilience.IsTransientFailure(err) {
				breaker.RecordFailure(resilience.ErrorCode(err))
				return err
			}
			return backoff.Permanent(err)
		}
		breaker.RecordSuccess()
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.InitialInterval
	policy.MaxInterval = r.cfg.MaxInterval

	maxRetries := uint64(0)
	if r.cfg.MaxAttempts > 1 {
		maxRetries = uint64(r.cfg.MaxAttempts - 1)
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx))
	if r.metrics != nil && attempts > 0 {
		r.metrics.RetryCount.Observe(float64(attempts))
	}
	return resp, err
}

// Limiter exposes the router's rate limiter for shared endpoints.
func (r *Router) Limiter() *resilience.RateLimiter {
	return r.limiter
}

// Client returns the wrapped exchange client for read-only paths that bypass
// the resilience layer (reconciliation, fills, filters).
func (r *Router) Client() exchange.Client {
	return r.client
}

// ResetDeduplication clears the placed-order cache; only for tests or after
// a session restart.
func (r *Router) ResetDeduplication() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.placed = make(map[string]exchange.PlaceOrderResponse)
}
