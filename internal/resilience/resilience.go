// Package resilience provides retry and circuit-breaker policies around CLI
// invocations.
package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sony/gobreaker"
)

// RetryConfig shapes the retry policy for invocation-level failures.
type RetryConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterDelay time.Duration

	// ShouldRetry decides whether an invocation error is worth another
	// attempt. Request errors and context cancellation never are.
	ShouldRetry func(err error) bool
}

// DefaultRetryConfig retries transient failures with capped backoff.
// Cancelled contexts are terminal.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:  2,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    10 * time.Second,
	JitterDelay: 250 * time.Millisecond,
	ShouldRetry: func(err error) bool {
		if err == nil {
			return false
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		return true
	},
}

// BreakerConfig tunes the circuit breaker guarding the CLI.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	FailureRatio     float64
	MinRequests      uint32
	OnStateChange    func(name string, from, to gobreaker.State)
	IsSuccessful     func(err error) bool
}

// DefaultIsSuccessful decides whether an error counts against the breaker.
// Caller errors must not trip it; set from the engine package during init to
// avoid an import cycle.
var DefaultIsSuccessful func(err error) bool

// DefaultBreakerConfig returns breaker settings suited to a local CLI whose
// failures tend to be bursty (binary missing, auth expired).
func DefaultBreakerConfig(name string) BreakerConfig {
	isSuccessful := DefaultIsSuccessful
	if isSuccessful == nil {
		isSuccessful = func(err error) bool { return err == nil }
	}
	return BreakerConfig{
		Name:             name,
		MaxRequests:      3,
		Interval:         10 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.5,
		MinRequests:      10,
		IsSuccessful:     isSuccessful,
	}
}

// CircuitBreaker wraps gobreaker for synchronous invocations.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker(settings(cfg))}
}

func settings(cfg BreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			if counts.ConsecutiveFailures >= cfg.FailureThreshold {
				return true
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: cfg.OnStateChange,
		IsSuccessful:  cfg.IsSuccessful,
	}
}

func (c *CircuitBreaker) Execute(fn func() (any, error)) (any, error) {
	return c.cb.Execute(fn)
}

func (c *CircuitBreaker) State() gobreaker.State { return c.cb.State() }

func (c *CircuitBreaker) Counts() gobreaker.Counts { return c.cb.Counts() }

func (c *CircuitBreaker) Name() string { return c.cb.Name() }

// NewRetryPolicy builds a failsafe retry policy from cfg.
func NewRetryPolicy[R any](cfg RetryConfig) retrypolicy.RetryPolicy[R] {
	builder := retrypolicy.NewBuilder[R]().
		WithMaxRetries(cfg.MaxRetries).
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay)
	if cfg.JitterDelay > 0 {
		builder = builder.WithJitter(cfg.JitterDelay)
	}
	if cfg.ShouldRetry != nil {
		builder = builder.HandleIf(func(_ R, err error) bool {
			return cfg.ShouldRetry(err)
		})
	}
	return builder.Build()
}

// Executor combines a retry policy with an optional circuit breaker.
type Executor[R any] struct {
	executor failsafe.Executor[R]
	breaker  *CircuitBreaker
}

// NewExecutor builds an executor; pass nil breakerConfig for retry-only.
func NewExecutor[R any](retryConfig RetryConfig, breakerConfig *BreakerConfig) *Executor[R] {
	var breaker *CircuitBreaker
	if breakerConfig != nil {
		breaker = NewCircuitBreaker(*breakerConfig)
	}
	return &Executor[R]{
		executor: failsafe.With(NewRetryPolicy[R](retryConfig)),
		breaker:  breaker,
	}
}

// Execute runs fn under the retry policy, gated by the breaker when present.
func (e *Executor[R]) Execute(ctx context.Context, fn func() (R, error)) (R, error) {
	if e.breaker != nil {
		result, err := e.breaker.Execute(func() (any, error) {
			return e.executor.WithContext(ctx).Get(fn)
		})
		if err != nil {
			var zero R
			return zero, err
		}
		return result.(R), nil
	}
	return e.executor.WithContext(ctx).Get(fn)
}

func (e *Executor[R]) CircuitBreaker() *CircuitBreaker { return e.breaker }

// RetryBudget bounds concurrent retries with a token bucket so a flapping
// CLI doesn't multiply load across all in-flight requests at once.
type RetryBudget struct {
	capacity    atomic.Int64
	maxCapacity int64
}

// NewRetryBudget returns a budget of maxCapacity tokens.
func NewRetryBudget(maxCapacity int64) *RetryBudget {
	if maxCapacity <= 0 {
		maxCapacity = 50
	}
	rb := &RetryBudget{maxCapacity: maxCapacity}
	rb.capacity.Store(maxCapacity)
	return rb
}

// TryAcquire takes a token; false means the budget is exhausted.
func (rb *RetryBudget) TryAcquire() bool {
	for {
		current := rb.capacity.Load()
		if current <= 0 {
			return false
		}
		if rb.capacity.CompareAndSwap(current, current-1) {
			return true
		}
	}
}

// Release returns a token after the retry attempt completes.
func (rb *RetryBudget) Release() {
	for {
		current := rb.capacity.Load()
		if current >= rb.maxCapacity {
			return
		}
		if rb.capacity.CompareAndSwap(current, current+1) {
			return
		}
	}
}

// Available returns the current token count.
func (rb *RetryBudget) Available() int64 { return rb.capacity.Load() }
