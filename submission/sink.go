package submission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	// registers the "sqlite" driver
	_ "modernc.org/sqlite"

	"github.com/isdmx/codejudge/config"
	"github.com/isdmx/codejudge/execution"
)

// ErrNotFound is returned when a submission id does not exist.
var ErrNotFound = errors.New("submission not found")

// Sink receives the final verdict of a submission.
type Sink interface {
	Update(ctx context.Context, submissionID int64, verdict execution.Verdict, runtimeMs, memoryKB int64) error
	Close() error
}

// Record is one row of the submissions table.
type Record struct {
	ID        int64
	Language  string
	Verdict   execution.Verdict
	RuntimeMs int64
	MemoryKB  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SQLiteSink stores verdicts in a SQLite submissions table.
type SQLiteSink struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens dsn and prepares the submissions table.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open submissions database: %w", err)
	}
	// Pragmas below are per connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open submissions database: %w", err)
	}

	createTableSQL := `CREATE TABLE IF NOT EXISTS submissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		language TEXT NOT NULL DEFAULT '',
		verdict TEXT NOT NULL,
		runtime_ms INTEGER NOT NULL DEFAULT 0,
		memory_kb INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);`
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create submissions table: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return &SQLiteSink{db: db, now: time.Now}, nil
}

// Create inserts a PENDING submission and returns its id.
func (s *SQLiteSink) Create(ctx context.Context, language string) (int64, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions (language, verdict, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		language, string(execution.VerdictPending), now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to create submission: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to create submission: %w", err)
	}
	return id, nil
}

// Update records the verdict of submissionID.
func (s *SQLiteSink) Update(ctx context.Context, submissionID int64, verdict execution.Verdict, runtimeMs, memoryKB int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET verdict = ?, runtime_ms = ?, memory_kb = ?, updated_at = ? WHERE id = ?`,
		string(verdict), runtimeMs, memoryKB, s.now().UTC(), submissionID)
	if err != nil {
		return fmt.Errorf("failed to update submission %d: %w", submissionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update submission %d: %w", submissionID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, submissionID)
	}
	return nil
}

// Get returns the stored submission.
func (s *SQLiteSink) Get(ctx context.Context, submissionID int64) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, language, verdict, runtime_ms, memory_kb, created_at, updated_at FROM submissions WHERE id = ?`,
		submissionID)

	var rec Record
	var verdict string
	if err := row.Scan(&rec.ID, &rec.Language, &verdict, &rec.RuntimeMs, &rec.MemoryKB, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, fmt.Errorf("%w: %d", ErrNotFound, submissionID)
		}
		return Record{}, fmt.Errorf("failed to load submission %d: %w", submissionID, err)
	}
	rec.Verdict = execution.Verdict(verdict)
	return rec, nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// LogSink only logs verdicts. It is used when no database is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) Update(_ context.Context, submissionID int64, verdict execution.Verdict, runtimeMs, memoryKB int64) error {
	l.logger.Info("submission verdict",
		zap.Int64("submission_id", submissionID),
		zap.String("verdict", string(verdict)),
		zap.Int64("runtime_ms", runtimeMs),
		zap.Int64("memory_kb", memoryKB),
	)
	return nil
}

func (*LogSink) Close() error { return nil }

// NewSinkFromConfig creates the sink selected by submissions.driver.
func NewSinkFromConfig(ctx context.Context, logger *zap.Logger, cfg *config.Config) (Sink, error) {
	switch cfg.Submissions.Driver {
	case "sqlite":
		logger.Info("using sqlite submission sink", zap.String("dsn", cfg.Submissions.DSN))
		return OpenSQLite(ctx, cfg.Submissions.DSN)
	case "none", "":
		return NewLogSink(logger), nil
	default:
		return nil, fmt.Errorf("unsupported submissions driver: %s", cfg.Submissions.Driver)
	}
}
