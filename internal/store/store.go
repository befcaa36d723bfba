// Package store is the durable record of tasks, files, keywords, and
// per-file stage outcomes. It is the single source of truth for
// resumption: workers and the controller coordinate exclusively through
// rows written here.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
	_ "modernc.org/sqlite"

	"github.com/docpipe/docpipe/internal/common"
)

// Config holds store tuning knobs.
type Config struct {
	// Path is the SQLite database file, or ":memory:" for tests.
	Path string
	// BusyTimeout bounds how long a momentarily-busy writer is retried
	// before surfacing ErrStoreBusy.
	BusyTimeout time.Duration
	// CacheKB is the per-connection page cache size in kilobytes.
	CacheKB int
}

// Store provides concurrent-safe CRUD over tasks, files, and keywords.
// One writer goroutine per active task plus arbitrary readers is the
// supported load; SQLite's WAL mode plus the busy retry serialize
// conflicting writes without application-level locks.
type Store struct {
	db          *sql.DB
	log         *slog.Logger
	busyTimeout time.Duration
}

// Open opens (creating if needed) the database and applies the schema.
// WAL mode is applied through the DSN so every pooled connection gets
// the same pragmas.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		return nil, common.ValidationErrorf("store path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 30 * time.Second
	}
	if cfg.CacheKB <= 0 {
		cfg.CacheKB = 64000
	}

	db, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		logger.Error("failed to open store", "path", cfg.Path, "error", err)
		return nil, err
	}

	s := &Store{db: db, log: logger, busyTimeout: cfg.BusyTimeout}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, common.WrapError(err, "init schema")
	}

	logger.Info("store opened", "path", cfg.Path, "busy_timeout", cfg.BusyTimeout)
	return s, nil
}

// Busy handling splits Config.BusyTimeout between SQLite and retry-go:
// each statement blocks inside SQLite for at most busyBlock before
// returning SQLITE_BUSY, then execWrite waits busyRetryDelay and tries
// again, until the whole budget is spent. Keeping the pragma short is
// what lets the retry loop own the total bound.
const (
	busyBlock      = 100 * time.Millisecond
	busyRetryDelay = 100 * time.Millisecond
)

func dsn(cfg Config) string {
	pragmas := []string{
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		fmt.Sprintf("busy_timeout(%d)", busyBlock.Milliseconds()),
		fmt.Sprintf("cache_size(-%d)", cfg.CacheKB),
		"temp_store(MEMORY)",
	}
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return "file:" + cfg.Path + "?" + q.Encode()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.log.Info("closing store")
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS batch_tasks (
			task_id TEXT PRIMARY KEY,
			task_name TEXT NOT NULL,
			source_path TEXT NOT NULL,
			status TEXT NOT NULL,
			stage INTEGER DEFAULT 0,
			progress REAL DEFAULT 0.0,
			total_files INTEGER DEFAULT 0,
			processed_files INTEGER DEFAULT 0,
			failed_files INTEGER DEFAULT 0,
			created_at TEXT NOT NULL,
			started_at TEXT,
			updated_at TEXT,
			completed_at TEXT,
			stage1_config TEXT,
			stage2_config TEXT,
			error_message TEXT,
			is_deleted INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS batch_files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			file_path TEXT NOT NULL,
			file_name TEXT NOT NULL,
			file_size INTEGER,
			file_type TEXT,
			status TEXT DEFAULT 'pending',
			stage1_status TEXT DEFAULT 'pending',
			stage2_status TEXT DEFAULT 'pending',
			matched_page_number INTEGER,
			matched_page_image BLOB,
			matching_score REAL,
			raw_extraction TEXT,
			extracted_fields TEXT,
			error_message TEXT,
			processed_at TEXT,
			FOREIGN KEY (task_id) REFERENCES batch_tasks(task_id)
		)`,
		`CREATE TABLE IF NOT EXISTS task_keywords (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			keyword_name TEXT NOT NULL,
			keyword_order INTEGER NOT NULL,
			FOREIGN KEY (task_id) REFERENCES batch_tasks(task_id),
			UNIQUE(task_id, keyword_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_batch_files_task_id ON batch_files(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_batch_files_status ON batch_files(status)`,
		`CREATE INDEX IF NOT EXISTS idx_batch_tasks_status ON batch_tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_task_keywords_task_id ON task_keywords(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_batch_files_task_stage1 ON batch_files(task_id, stage1_status)`,
		`CREATE INDEX IF NOT EXISTS idx_batch_files_task_stage2 ON batch_files(task_id, stage2_status)`,
		`CREATE INDEX IF NOT EXISTS idx_batch_files_task_stages ON batch_files(task_id, stage1_status, stage2_status)`,
		// Covering index so statistics never fault in image payloads.
		`CREATE INDEX IF NOT EXISTS idx_batch_files_stats_covering
			ON batch_files(task_id, stage1_status, stage2_status, matching_score)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// execWrite runs a single write statement, retrying SQLITE_BUSY errors
// until the configured busy timeout elapses. Exhaustion surfaces
// ErrStoreBusy; every other failure is fatal and returned as-is.
func (s *Store) execWrite(ctx context.Context, query string, args ...any) (sql.Result, error) {
	// Each attempt costs up to busyBlock inside SQLite plus busyRetryDelay
	// between attempts, so total elapsed stays within s.busyTimeout.
	attempts := uint(s.busyTimeout/(busyBlock+busyRetryDelay)) + 1

	var res sql.Result
	err := retry.Do(
		func() error {
			var err error
			res, err = s.db.ExecContext(ctx, query, args...)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(busyRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isBusy),
	)
	if err != nil {
		if isBusy(err) {
			return nil, common.NewAppError("STORE_BUSY", "write retries exhausted", common.ErrStoreBusy)
		}
		return nil, err
	}
	return res, nil
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func nowText() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// Vacuum rebuilds the database file. Run after large deletions.
func (s *Store) Vacuum(ctx context.Context) error {
	s.log.Info("vacuuming store")
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Analyze refreshes planner statistics.
func (s *Store) Analyze(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "ANALYZE")
	return err
}

// CheckpointWAL folds the write-ahead log back into the main file,
// keeping the WAL from growing unbounded during long batches.
func (s *Store) CheckpointWAL(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}
