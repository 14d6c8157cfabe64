package registry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore keeps the record in a single SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	stmts := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		`CREATE TABLE IF NOT EXISTS previews (
			job_id       TEXT PRIMARY KEY,
			run_id       TEXT NOT NULL DEFAULT '',
			port         INTEGER NOT NULL,
			pid          INTEGER NOT NULL DEFAULT 0,
			project_path TEXT NOT NULL DEFAULT '',
			state        TEXT NOT NULL,
			started_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize state database: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Load reads every row.
func (s *SQLiteStore) Load(ctx context.Context) (map[string]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, run_id, port, pid, project_path, state, started_at, updated_at FROM previews`)
	if err != nil {
		return nil, fmt.Errorf("failed to query previews: %w", err)
	}
	defer rows.Close()

	records := make(map[string]Record)
	for rows.Next() {
		var rec Record
		var started, updated int64
		if err := rows.Scan(&rec.JobID, &rec.RunID, &rec.Port, &rec.PID, &rec.ProjectPath,
			&rec.State, &started, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan preview row: %w", err)
		}
		rec.StartedAt = fromUnixNano(started)
		rec.UpdatedAt = fromUnixNano(updated)
		records[rec.JobID] = rec
	}
	return records, rows.Err()
}

// Save replaces the table contents in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, records map[string]Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM previews`); err != nil {
		return fmt.Errorf("failed to clear previews: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO previews (job_id, run_id, port, pid, project_path, state, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, rec.JobID, rec.RunID, rec.Port, rec.PID, rec.ProjectPath,
			rec.State, toUnixNano(rec.StartedAt), toUnixNano(rec.UpdatedAt)); err != nil {
			return fmt.Errorf("failed to insert preview %s: %w", rec.JobID, err)
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
