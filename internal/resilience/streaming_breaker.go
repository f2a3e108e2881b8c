package resilience

import (
	"github.com/sony/gobreaker"
)

// StreamingCircuitBreaker wraps gobreaker's TwoStepCircuitBreaker for
// streaming completions, where success is only known once the event stream
// finishes:
//   - Allow() gates the invocation and returns a callback
//   - the callback is invoked with the outcome when the stream completes
type StreamingCircuitBreaker struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

// NewStreamingCircuitBreaker builds a two-step breaker from cfg.
func NewStreamingCircuitBreaker(cfg BreakerConfig) *StreamingCircuitBreaker {
	return &StreamingCircuitBreaker{cb: gobreaker.NewTwoStepCircuitBreaker(settings(cfg))}
}

// Allow checks whether the breaker permits an invocation. The returned done
// callback must be called exactly once with the stream's outcome. Returns
// gobreaker.ErrOpenState when the circuit is open.
func (s *StreamingCircuitBreaker) Allow() (done func(success bool), err error) {
	return s.cb.Allow()
}

func (s *StreamingCircuitBreaker) State() gobreaker.State { return s.cb.State() }

func (s *StreamingCircuitBreaker) Counts() gobreaker.Counts { return s.cb.Counts() }

func (s *StreamingCircuitBreaker) Name() string { return s.cb.Name() }
