package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	log "github.com/ccbridge/ccbridge/internal/logging"
)

// PostgresBackend persists usage records in PostgreSQL via pgx.
type PostgresBackend struct {
	pool          *pgxpool.Pool
	recordChan    chan Record
	flushTicker   *time.Ticker
	cleanupTicker *time.Ticker
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	batchSize     int
	retentionDays int
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS invocations (
	id BIGSERIAL PRIMARY KEY,
	model TEXT NOT NULL,
	mode TEXT NOT NULL,
	streaming BOOLEAN NOT NULL DEFAULT FALSE,
	token_source TEXT NOT NULL DEFAULT '',
	requested_at TIMESTAMPTZ NOT NULL,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	failed BOOLEAN NOT NULL DEFAULT FALSE,
	input_tokens BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	total_tokens BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_invocations_requested_at ON invocations(requested_at);
CREATE INDEX IF NOT EXISTS idx_invocations_model ON invocations(model);
`

// NewPostgresBackend connects to dsn and ensures the schema. The backend
// must be started with Start before use.
func NewPostgresBackend(dsn string, cfg BackendConfig) (*PostgresBackend, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &PostgresBackend{
		pool:          pool,
		recordChan:    make(chan Record, defaultQueueSize),
		flushTicker:   time.NewTicker(cfg.FlushInterval),
		cleanupTicker: time.NewTicker(24 * time.Hour),
		stopChan:      make(chan struct{}),
		batchSize:     cfg.BatchSize,
		retentionDays: cfg.RetentionDays,
	}, nil
}

// Start launches the write and retention loops.
func (b *PostgresBackend) Start() error {
	b.wg.Add(2)
	go b.writeLoop()
	go b.cleanupLoop()
	return nil
}

// Stop drains pending writes and closes the pool. Idempotent.
func (b *PostgresBackend) Stop() error {
	if b == nil {
		return nil
	}
	b.stopOnce.Do(func() {
		close(b.stopChan)
		b.flushTicker.Stop()
		b.cleanupTicker.Stop()
		b.wg.Wait()
		b.pool.Close()
	})
	return nil
}

// Enqueue adds a record to the write queue without blocking.
func (b *PostgresBackend) Enqueue(record Record) {
	if b == nil {
		return
	}
	select {
	case b.recordChan <- record:
	default:
		log.Warnf("usage queue full, dropping record for model %s", record.Model)
	}
}

// Flush drains the queue and writes everything pending.
func (b *PostgresBackend) Flush(ctx context.Context) error {
	if b == nil {
		return nil
	}
	batch := make([]Record, 0, b.batchSize)
	for {
		select {
		case record := <-b.recordChan:
			batch = append(batch, record)
			if len(batch) >= b.batchSize {
				if err := b.writeBatch(ctx, batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				return b.writeBatch(ctx, batch)
			}
			return nil
		}
	}
}

// QueryGlobalStats returns aggregate totals since the given time.
func (b *PostgresBackend) QueryGlobalStats(ctx context.Context, since time.Time) (*AggregatedStats, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN failed THEN 0 ELSE 1 END), 0),
			COALESCE(SUM(CASE WHEN failed THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(total_tokens), 0)
		FROM invocations
		WHERE requested_at >= $1
	`, since)

	var stats AggregatedStats
	if err := row.Scan(&stats.TotalRequests, &stats.SuccessCount, &stats.FailureCount, &stats.TotalTokens); err != nil {
		return nil, fmt.Errorf("query global stats: %w", err)
	}
	return &stats, nil
}

// QueryDailyStats returns per-day request and token totals.
func (b *PostgresBackend) QueryDailyStats(ctx context.Context, since time.Time) ([]DailyStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			TO_CHAR(requested_at, 'YYYY-MM-DD') AS day,
			COUNT(*),
			COALESCE(SUM(total_tokens), 0)
		FROM invocations
		WHERE requested_at >= $1
		GROUP BY day
		ORDER BY day
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query daily stats: %w", err)
	}
	defer rows.Close()

	var results []DailyStats
	for rows.Next() {
		var d DailyStats
		if err := rows.Scan(&d.Day, &d.Requests, &d.Tokens); err != nil {
			return nil, err
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// QueryModelStats returns per-model totals ordered by request count.
func (b *PostgresBackend) QueryModelStats(ctx context.Context, since time.Time) ([]ModelStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			COALESCE(NULLIF(model, ''), 'unknown') AS model,
			COUNT(*),
			COALESCE(SUM(CASE WHEN failed THEN 0 ELSE 1 END), 0),
			COALESCE(SUM(CASE WHEN failed THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(AVG(duration_ms)::BIGINT, 0)
		FROM invocations
		WHERE requested_at >= $1
		GROUP BY model
		ORDER BY COUNT(*) DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query model stats: %w", err)
	}
	defer rows.Close()

	var results []ModelStats
	for rows.Next() {
		var ms ModelStats
		if err := rows.Scan(
			&ms.Model, &ms.Requests, &ms.SuccessCount, &ms.FailureCount,
			&ms.InputTokens, &ms.OutputTokens, &ms.TotalTokens, &ms.AvgDuration,
		); err != nil {
			return nil, err
		}
		results = append(results, ms)
	}
	return results, rows.Err()
}

// QueryModeStats returns per-invocation-mode totals.
func (b *PostgresBackend) QueryModeStats(ctx context.Context, since time.Time) ([]ModeStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			COALESCE(NULLIF(mode, ''), 'unknown') AS mode,
			COUNT(*),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(AVG(duration_ms)::BIGINT, 0)
		FROM invocations
		WHERE requested_at >= $1
		GROUP BY mode
		ORDER BY COUNT(*) DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query mode stats: %w", err)
	}
	defer rows.Close()

	var results []ModeStats
	for rows.Next() {
		var ms ModeStats
		if err := rows.Scan(&ms.Mode, &ms.Requests, &ms.Tokens, &ms.AvgDuration); err != nil {
			return nil, err
		}
		results = append(results, ms)
	}
	return results, rows.Err()
}

// Cleanup removes records older than before.
func (b *PostgresBackend) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM invocations WHERE requested_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (b *PostgresBackend) writeLoop() {
	defer b.wg.Done()

	batch := make([]Record, 0, b.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := b.writeBatch(ctx, batch); err != nil {
			log.Errorf("usage batch write failed: %v", err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case record := <-b.recordChan:
			batch = append(batch, record)
			if len(batch) >= b.batchSize {
				flush()
			}
		case <-b.flushTicker.C:
			flush()
		case <-b.stopChan:
			for {
				select {
				case record := <-b.recordChan:
					batch = append(batch, record)
					if len(batch) >= b.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (b *PostgresBackend) writeBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	var batch pgx.Batch
	for _, r := range records {
		batch.Queue(`
			INSERT INTO invocations (
				model, mode, streaming, token_source, requested_at,
				duration_ms, failed, input_tokens, output_tokens, total_tokens
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, r.Model, r.Mode, r.Streaming, r.TokenSource, r.RequestedAt,
			r.DurationMs, r.Failed, r.InputTokens, r.OutputTokens, r.TotalTokens)
	}
	results := b.pool.SendBatch(ctx, &batch)
	defer results.Close()
	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
	}
	return nil
}

func (b *PostgresBackend) cleanupLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.cleanupTicker.C:
			cutoff := time.Now().AddDate(0, 0, -b.retentionDays)
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			deleted, err := b.Cleanup(ctx, cutoff)
			cancel()
			if err != nil {
				log.Errorf("usage cleanup failed: %v", err)
			} else if deleted > 0 {
				log.Infof("removed %d usage records older than %d days", deleted, b.retentionDays)
			}
		case <-b.stopChan:
			return
		}
	}
}
