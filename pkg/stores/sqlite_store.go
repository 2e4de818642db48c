package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore records run history in a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore creates a store for the database at the given path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: path}, nil
}

// Init opens the database and applies pending migrations.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return s.migrate()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// CreateRun inserts a run record at run start.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, project, policy_source, status, dry_run,
			creates, updates, deletes, in_sync, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Project,
		run.PolicySource,
		run.Status,
		run.DryRun,
		run.Creates,
		run.Updates,
		run.Deletes,
		run.InSync,
		run.Error,
		run.StartedAt,
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun records the terminal status and diff counts of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, run *Run) error {
	query := `
		UPDATE runs
		SET status = ?, creates = ?, updates = ?, deletes = ?, in_sync = ?,
			error = ?, completed_at = ?
		WHERE id = ?
	`
	now := time.Now()
	if run.CompletedAt == nil {
		run.CompletedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query,
		run.Status,
		run.Creates,
		run.Updates,
		run.Deletes,
		run.InSync,
		run.Error,
		run.CompletedAt,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", run.ID)
	}
	return nil
}

// GetRun retrieves one run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, project, policy_source, status, dry_run,
			creates, updates, deletes, in_sync, error, started_at, completed_at
		FROM runs
		WHERE id = ?
	`
	run := &Run{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.Project,
		&run.PolicySource,
		&run.Status,
		&run.DryRun,
		&run.Creates,
		&run.Updates,
		&run.Deletes,
		&run.InSync,
		&run.Error,
		&run.StartedAt,
		&run.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs newest-first with pagination.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `
		SELECT id, project, policy_source, status, dry_run,
			creates, updates, deletes, in_sync, error, started_at, completed_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run := &Run{}
		err := rows.Scan(
			&run.ID,
			&run.Project,
			&run.PolicySource,
			&run.Status,
			&run.DryRun,
			&run.Creates,
			&run.Updates,
			&run.Deletes,
			&run.InSync,
			&run.Error,
			&run.StartedAt,
			&run.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// InsertRuleResults records the per-rule outcomes of a run in one
// transaction.
func (s *SQLiteStore) InsertRuleResults(ctx context.Context, results []RuleResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO rule_results (run_id, rule_name, network, operation,
			status, attempts, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	for i := range results {
		r := &results[i]
		if _, err := tx.ExecContext(ctx, query,
			r.RunID,
			r.RuleName,
			r.Network,
			r.Operation,
			r.Status,
			r.Attempts,
			r.Error,
			r.DurationMS,
		); err != nil {
			return fmt.Errorf("failed to insert rule result: %w", err)
		}
	}

	return tx.Commit()
}

// ListRuleResults returns the recorded outcomes of one run.
func (s *SQLiteStore) ListRuleResults(ctx context.Context, runID string) ([]RuleResult, error) {
	query := `
		SELECT id, run_id, rule_name, network, operation, status, attempts, error, duration_ms
		FROM rule_results
		WHERE run_id = ?
		ORDER BY network, rule_name
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rule results: %w", err)
	}
	defer rows.Close()

	results := []RuleResult{}
	for rows.Next() {
		var r RuleResult
		err := rows.Scan(
			&r.ID,
			&r.RunID,
			&r.RuleName,
			&r.Network,
			&r.Operation,
			&r.Status,
			&r.Attempts,
			&r.Error,
			&r.DurationMS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
