package usage

import "sync/atomic"

// Counters holds lock-free request totals for the instant part of the usage
// snapshot. Detailed breakdowns come from the database backend.
type Counters struct {
	totalRequests atomic.Int64
	successCount  atomic.Int64
	failureCount  atomic.Int64
	totalTokens   atomic.Int64
}

// NewCounters returns a zeroed counter set.
func NewCounters() *Counters {
	return &Counters{}
}

// Record tallies one invocation outcome. Lock-free.
func (c *Counters) Record(failed bool, tokens int64) {
	if c == nil {
		return
	}
	c.totalRequests.Add(1)
	if failed {
		c.failureCount.Add(1)
	} else {
		c.successCount.Add(1)
	}
	c.totalTokens.Add(tokens)
}

// Snapshot returns a point-in-time copy of the counters.
func (c *Counters) Snapshot() CounterSnapshot {
	if c == nil {
		return CounterSnapshot{}
	}
	return CounterSnapshot{
		TotalRequests: c.totalRequests.Load(),
		SuccessCount:  c.successCount.Load(),
		FailureCount:  c.failureCount.Load(),
		TotalTokens:   c.totalTokens.Load(),
	}
}

// Bootstrap seeds the counters from persisted history. Called once at
// startup so restarts don't reset the instant totals.
func (c *Counters) Bootstrap(total, success, failure, tokens int64) {
	if c == nil {
		return
	}
	c.totalRequests.Store(total)
	c.successCount.Store(success)
	c.failureCount.Store(failure)
	c.totalTokens.Store(tokens)
}

// CounterSnapshot is an immutable view of counter values.
type CounterSnapshot struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	FailureCount  int64 `json:"failure_count"`
	TotalTokens   int64 `json:"total_tokens"`
}
