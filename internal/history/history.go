// Package history persists a log of executed commands to SQLite. The health
// check reads recent success rates from it; a retention prune keeps it bounded.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one completed command execution.
type Entry struct {
	CommandID   string
	Serial      string
	Kind        string
	Argv        string
	Success     bool
	ExitCode    int
	Attempts    int
	Duration    time.Duration
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Store wraps the SQLite command log.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path and ensures
// the command_log table exists.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("history path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS command_log (
  id           TEXT PRIMARY KEY,
  serial       TEXT,
  kind         TEXT NOT NULL,
  argv         TEXT NOT NULL,
  success      INTEGER NOT NULL,
  exit_code    INTEGER NOT NULL,
  attempts     INTEGER NOT NULL,
  duration_ms  INTEGER NOT NULL,
  created_at   TEXT NOT NULL,
  completed_at TEXT NOT NULL
);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap command_log: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS command_log_completed_at_idx ON command_log(completed_at);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap command_log index: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Record appends one completed execution.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.CommandID == "" {
		return fmt.Errorf("command id is empty")
	}

	success := 0
	if e.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO command_log(
  id, serial, kind, argv, success, exit_code, attempts, duration_ms, created_at, completed_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, e.CommandID, e.Serial, e.Kind, e.Argv, success, e.ExitCode, e.Attempts,
		e.Duration.Milliseconds(),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.CompletedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert command_log: %w", err)
	}
	return nil
}

// SuccessRate reports the fraction of successful commands completed at or
// after since, plus the number of commands considered. A window with no
// commands reports a rate of 1.0.
func (s *Store) SuccessRate(ctx context.Context, since time.Time) (float64, int, error) {
	var total, succeeded int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(success), 0)
FROM command_log
WHERE completed_at >= ?;
`, since.UTC().Format(time.RFC3339Nano)).Scan(&total, &succeeded)
	if err != nil {
		return 0, 0, fmt.Errorf("query success rate: %w", err)
	}
	if total == 0 {
		return 1.0, 0, nil
	}
	return float64(succeeded) / float64(total), total, nil
}

// Prune deletes entries completed before the cutoff and returns the number
// removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM command_log WHERE completed_at < ?;`,
		before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune command_log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return n, nil
}
