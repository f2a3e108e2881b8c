package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		ShouldRetry: func(err error) bool {
			if err == nil {
				return false
			}
			return !errors.Is(err, context.Canceled)
		},
	}
}

func TestExecutorRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	exec := NewExecutor[string](fastRetryConfig(), nil)

	got, err := exec.Execute(context.Background(), func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("got %q, %v", got, err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d", attempts)
	}
}

func TestExecutorExhaustsRetries(t *testing.T) {
	attempts := 0
	exec := NewExecutor[string](fastRetryConfig(), nil)

	_, err := exec.Execute(context.Background(), func() (string, error) {
		attempts++
		return "", errors.New("permanent")
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	if attempts != 4 { // initial + 3 retries
		t.Errorf("attempts = %d", attempts)
	}
}

func TestExecutorShouldRetryGate(t *testing.T) {
	attempts := 0
	exec := NewExecutor[string](fastRetryConfig(), nil)

	_, err := exec.Execute(context.Background(), func() (string, error) {
		attempts++
		return "", context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if attempts != 1 {
		t.Errorf("cancelled calls must not be retried, attempts = %d", attempts)
	}
}

func breakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "test",
		MaxRequests:      1,
		Timeout:          50 * time.Millisecond,
		FailureThreshold: 3,
		FailureRatio:     1,
		MinRequests:      3,
		IsSuccessful:     func(err error) bool { return err == nil },
	}
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(breakerConfig())
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		if _, err := cb.Execute(func() (any, error) { return nil, boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("state = %v", cb.State())
	}
	if _, err := cb.Execute(func() (any, error) { return "ran", nil }); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("open breaker should short-circuit, got %v", err)
	}
}

func TestCircuitBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(breakerConfig())
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		cb.Execute(func() (any, error) { return nil, boom })
	}
	time.Sleep(80 * time.Millisecond) // past the open timeout

	got, err := cb.Execute(func() (any, error) { return "recovered", nil })
	if err != nil || got != "recovered" {
		t.Fatalf("half-open probe: %v, %v", got, err)
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("state after successful probe = %v", cb.State())
	}
}

func TestStreamingBreakerTwoStep(t *testing.T) {
	sb := NewStreamingCircuitBreaker(breakerConfig())

	for i := 0; i < 3; i++ {
		done, err := sb.Allow()
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		done(false)
	}

	if sb.State() != gobreaker.StateOpen {
		t.Fatalf("state = %v", sb.State())
	}
	if _, err := sb.Allow(); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected ErrOpenState, got %v", err)
	}
}

func TestBreakerIgnoresWhitelistedErrors(t *testing.T) {
	cfg := breakerConfig()
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, context.Canceled)
	}
	cb := NewCircuitBreaker(cfg)

	for i := 0; i < 10; i++ {
		cb.Execute(func() (any, error) { return nil, context.Canceled })
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("whitelisted errors tripped the breaker: %v", cb.State())
	}
}

func TestRetryBudget(t *testing.T) {
	rb := NewRetryBudget(2)

	if !rb.TryAcquire() || !rb.TryAcquire() {
		t.Fatal("fresh budget should grant tokens")
	}
	if rb.TryAcquire() {
		t.Error("exhausted budget granted a token")
	}
	rb.Release()
	if rb.Available() != 1 {
		t.Errorf("available = %d", rb.Available())
	}
	if !rb.TryAcquire() {
		t.Error("released token not reusable")
	}

	// Releases never exceed capacity.
	rb.Release()
	rb.Release()
	rb.Release()
	if rb.Available() != 2 {
		t.Errorf("available = %d, want capped at 2", rb.Available())
	}
}
