package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	log "github.com/ccbridge/ccbridge/internal/logging"
)

// SQLiteBackend persists usage records in an embedded SQLite database.
type SQLiteBackend struct {
	db            *sql.DB
	recordChan    chan Record
	flushTicker   *time.Ticker
	cleanupTicker *time.Ticker
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	batchSize     int
	retentionDays int
	dbPath        string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS invocations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	model TEXT NOT NULL,
	mode TEXT NOT NULL,
	streaming BOOLEAN NOT NULL DEFAULT 0,
	token_source TEXT NOT NULL DEFAULT '',
	requested_at TIMESTAMP NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	failed BOOLEAN NOT NULL DEFAULT 0,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_invocations_requested_at ON invocations(requested_at);
CREATE INDEX IF NOT EXISTS idx_invocations_model ON invocations(model);
`

// NewSQLiteBackend opens (creating if needed) the database at dbPath. The
// backend must be started with Start before use.
func NewSQLiteBackend(dbPath string, cfg BackendConfig) (*SQLiteBackend, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if strings.HasPrefix(dbPath, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dbPath = filepath.Join(home, dbPath[1:])
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &SQLiteBackend{
		db:            db,
		recordChan:    make(chan Record, defaultQueueSize),
		flushTicker:   time.NewTicker(cfg.FlushInterval),
		cleanupTicker: time.NewTicker(24 * time.Hour),
		stopChan:      make(chan struct{}),
		batchSize:     cfg.BatchSize,
		retentionDays: cfg.RetentionDays,
		dbPath:        dbPath,
	}, nil
}

// Start launches the write and retention loops.
func (b *SQLiteBackend) Start() error {
	b.wg.Add(2)
	go b.writeLoop()
	go b.cleanupLoop()
	return nil
}

// Stop drains pending writes and closes the database. Idempotent.
func (b *SQLiteBackend) Stop() error {
	if b == nil {
		return nil
	}
	var err error
	b.stopOnce.Do(func() {
		close(b.stopChan)
		b.flushTicker.Stop()
		b.cleanupTicker.Stop()
		b.wg.Wait()
		err = b.db.Close()
	})
	return err
}

// Enqueue adds a record to the write queue without blocking.
func (b *SQLiteBackend) Enqueue(record Record) {
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
func (b *SQLiteBackend) Flush(ctx context.Context) error {
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
func (b *SQLiteBackend) QueryGlobalStats(ctx context.Context, since time.Time) (*AggregatedStats, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN failed = 0 THEN 1 ELSE 0 END),
			SUM(CASE WHEN failed = 1 THEN 1 ELSE 0 END),
			COALESCE(SUM(total_tokens), 0)
		FROM invocations
		WHERE requested_at >= ?
	`, since)

	var stats AggregatedStats
	var success, failure sql.NullInt64
	if err := row.Scan(&stats.TotalRequests, &success, &failure, &stats.TotalTokens); err != nil {
		return nil, fmt.Errorf("query global stats: %w", err)
	}
	stats.SuccessCount = success.Int64
	stats.FailureCount = failure.Int64
	return &stats, nil
}

// QueryDailyStats returns per-day request and token totals.
func (b *SQLiteBackend) QueryDailyStats(ctx context.Context, since time.Time) ([]DailyStats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT
			DATE(requested_at) AS day,
			COUNT(*),
			COALESCE(SUM(total_tokens), 0)
		FROM invocations
		WHERE requested_at >= ?
		GROUP BY day
		HAVING day IS NOT NULL
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
func (b *SQLiteBackend) QueryModelStats(ctx context.Context, since time.Time) ([]ModelStats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT
			COALESCE(NULLIF(model, ''), 'unknown') AS model,
			COUNT(*),
			SUM(CASE WHEN failed = 0 THEN 1 ELSE 0 END),
			SUM(CASE WHEN failed = 1 THEN 1 ELSE 0 END),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(CAST(AVG(duration_ms) AS INTEGER), 0)
		FROM invocations
		WHERE requested_at >= ?
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
func (b *SQLiteBackend) QueryModeStats(ctx context.Context, since time.Time) ([]ModeStats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT
			COALESCE(NULLIF(mode, ''), 'unknown') AS mode,
			COUNT(*),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(CAST(AVG(duration_ms) AS INTEGER), 0)
		FROM invocations
		WHERE requested_at >= ?
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
func (b *SQLiteBackend) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	result, err := b.db.ExecContext(ctx, `DELETE FROM invocations WHERE requested_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DBPath returns the resolved filesystem path of the database.
func (b *SQLiteBackend) DBPath() string {
	if b == nil {
		return ""
	}
	return b.dbPath
}

func (b *SQLiteBackend) writeLoop() {
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

func (b *SQLiteBackend) writeBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO invocations (
			model, mode, streaming, token_source, requested_at,
			duration_ms, failed, input_tokens, output_tokens, total_tokens
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.Model, r.Mode, r.Streaming, r.TokenSource, r.RequestedAt,
			r.DurationMs, r.Failed, r.InputTokens, r.OutputTokens, r.TotalTokens,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) cleanupLoop() {
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
