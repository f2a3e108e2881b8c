package usage

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/ccbridge/ccbridge/internal/logging"
)

var statisticsEnabled atomic.Bool

func init() {
	statisticsEnabled.Store(true)
}

// SetStatisticsEnabled toggles whether records are collected.
func SetStatisticsEnabled(enabled bool) { statisticsEnabled.Store(enabled) }

// StatisticsEnabled reports the current recording state.
func StatisticsEnabled() bool { return statisticsEnabled.Load() }

// Tracker combines lock-free counters with an optional persistence backend.
// A nil backend keeps the instant counters working with no history.
type Tracker struct {
	counters *Counters
	backend  Backend
}

// NewTracker returns a tracker over the given backend. backend may be nil.
func NewTracker(backend Backend) *Tracker {
	return &Tracker{counters: NewCounters(), backend: backend}
}

// Initialize builds a tracker from config: when cfg.DSN is empty the tracker
// is counters-only, otherwise the backend is opened, started, and the
// counters are seeded from history.
func Initialize(cfg BackendConfig) (*Tracker, error) {
	if cfg.DSN == "" {
		return NewTracker(nil), nil
	}
	backend, err := NewBackend(cfg)
	if err != nil {
		return nil, err
	}
	if err := backend.Start(); err != nil {
		return nil, err
	}
	t := NewTracker(backend)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stats, err := backend.QueryGlobalStats(ctx, time.Time{})
	if err != nil {
		log.Warnf("usage counters not seeded from history: %v", err)
	} else if stats != nil {
		t.counters.Bootstrap(stats.TotalRequests, stats.SuccessCount, stats.FailureCount, stats.TotalTokens)
		log.Infof("seeded usage counters: %d requests, %d tokens", stats.TotalRequests, stats.TotalTokens)
	}
	return t, nil
}

// Record tallies one invocation and enqueues it for persistence.
func (t *Tracker) Record(record Record) {
	if t == nil || !statisticsEnabled.Load() {
		return
	}
	if record.RequestedAt.IsZero() {
		record.RequestedAt = time.Now()
	}
	if record.Model == "" {
		record.Model = "unknown"
	}
	if record.TotalTokens == 0 {
		record.TotalTokens = record.InputTokens + record.OutputTokens
	}
	t.counters.Record(record.Failed, record.TotalTokens)
	if t.backend != nil {
		t.backend.Enqueue(record)
	}
}

// Snapshot builds the usage response: instant counters plus database
// breakdowns since the given time when a backend is present.
func (t *Tracker) Snapshot(ctx context.Context, since time.Time) (*Snapshot, error) {
	if t == nil {
		return &Snapshot{}, nil
	}
	counters := t.counters.Snapshot()
	snap := &Snapshot{
		TotalRequests: counters.TotalRequests,
		SuccessCount:  counters.SuccessCount,
		FailureCount:  counters.FailureCount,
		TotalTokens:   counters.TotalTokens,
	}
	if t.backend == nil {
		return snap, nil
	}

	daily, err := t.backend.QueryDailyStats(ctx, since)
	if err != nil {
		return nil, err
	}
	if len(daily) > 0 {
		snap.RequestsByDay = make(map[string]int64, len(daily))
		snap.TokensByDay = make(map[string]int64, len(daily))
		for _, d := range daily {
			snap.RequestsByDay[d.Day] = d.Requests
			snap.TokensByDay[d.Day] = d.Tokens
		}
	}
	if snap.Models, err = t.backend.QueryModelStats(ctx, since); err != nil {
		return nil, err
	}
	if snap.Modes, err = t.backend.QueryModeStats(ctx, since); err != nil {
		return nil, err
	}
	return snap, nil
}

// Counters returns the instant counter snapshot.
func (t *Tracker) Counters() CounterSnapshot {
	if t == nil {
		return CounterSnapshot{}
	}
	return t.counters.Snapshot()
}

// Stop flushes and closes the backend, if any.
func (t *Tracker) Stop() error {
	if t == nil || t.backend == nil {
		return nil
	}
	return t.backend.Stop()
}
