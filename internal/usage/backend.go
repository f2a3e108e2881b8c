// Package usage tracks per-invocation statistics: lock-free counters for the
// instant snapshot plus an optional database backend for history.
package usage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Backend persists usage records. Implementations must be safe for
// concurrent use.
type Backend interface {
	// Enqueue adds a record to the write queue. Non-blocking; records are
	// dropped with a warning when the queue is full.
	Enqueue(record Record)

	// Flush writes all pending records.
	Flush(ctx context.Context) error

	QueryGlobalStats(ctx context.Context, since time.Time) (*AggregatedStats, error)
	QueryDailyStats(ctx context.Context, since time.Time) ([]DailyStats, error)
	QueryModelStats(ctx context.Context, since time.Time) ([]ModelStats, error)
	QueryModeStats(ctx context.Context, since time.Time) ([]ModeStats, error)

	// Cleanup removes records older than before.
	Cleanup(ctx context.Context, before time.Time) (int64, error)

	// Start launches the write and retention loops.
	Start() error

	// Stop drains pending writes and closes the store.
	Stop() error
}

// BackendConfig holds backend initialization parameters.
type BackendConfig struct {
	// DSN selects the store: sqlite://path or postgres://...
	DSN           string
	BatchSize     int
	FlushInterval time.Duration
	RetentionDays int
}

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
	defaultRetentionDays = 30
	defaultQueueSize     = 1000
)

func (cfg *BackendConfig) applyDefaults() {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
}

// NewBackend selects a backend from the DSN scheme.
func NewBackend(cfg BackendConfig) (Backend, error) {
	cfg.applyDefaults()
	switch {
	case strings.HasPrefix(cfg.DSN, "sqlite://"):
		return NewSQLiteBackend(strings.TrimPrefix(cfg.DSN, "sqlite://"), cfg)
	case strings.HasPrefix(cfg.DSN, "postgres://"), strings.HasPrefix(cfg.DSN, "postgresql://"):
		return NewPostgresBackend(cfg.DSN, cfg)
	case cfg.DSN == "":
		return nil, fmt.Errorf("usage DSN is required (sqlite:// or postgres://)")
	default:
		return nil, fmt.Errorf("unknown usage DSN scheme in %q", cfg.DSN)
	}
}
