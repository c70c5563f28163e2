// Package db keeps an audit ledger of upload attempts in SQLite.
// The ledger is informational only and is never used to skip an upload.
package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"gitlab.com/tozd/go/errors"
	_ "modernc.org/sqlite"
)

const (
	StatusUploaded = "UPLOADED"
	StatusFailed   = "FAILED"
)

type Record struct {
	Path          string
	Destination   string
	Status        string
	LastAttemptAt time.Time
	ErrorCount    int
	LastError     string
}

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, errors.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Errorf("failed to open database at %s: %w", dbPath, err)
	}
	// Listener goroutines write concurrently; SQLite wants a single writer.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS file_log (
		file_path TEXT PRIMARY KEY,
		destination TEXT,
		status TEXT,
		last_attempt_at DATETIME,
		error_count INTEGER DEFAULT 0,
		last_error TEXT DEFAULT ''
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) MarkUploaded(path, destination string) error {
	_, err := s.db.Exec(`
		INSERT INTO file_log (file_path, destination, status, last_attempt_at, error_count, last_error)
		VALUES (?, ?, ?, ?, 0, '')
		ON CONFLICT(file_path) DO UPDATE SET
			destination = excluded.destination,
			status = excluded.status,
			last_attempt_at = excluded.last_attempt_at,
			last_error = ''
	`, path, destination, StatusUploaded, time.Now().UTC())
	if err != nil {
		return errors.Errorf("mark uploaded %s: %w", path, err)
	}
	return nil
}

// MarkFailed records a failure and bumps the file's error count.
func (s *Store) MarkFailed(path, destination, reason string) error {
	_, err := s.db.Exec(`
		INSERT INTO file_log (file_path, destination, status, last_attempt_at, error_count, last_error)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(file_path) DO UPDATE SET
			destination = excluded.destination,
			status = excluded.status,
			last_attempt_at = excluded.last_attempt_at,
			error_count = file_log.error_count + 1,
			last_error = excluded.last_error
	`, path, destination, StatusFailed, time.Now().UTC(), reason)
	if err != nil {
		return errors.Errorf("mark failed %s: %w", path, err)
	}
	return nil
}

// Get returns the record for path, or nil if the file has never been attempted.
func (s *Store) Get(path string) (*Record, error) {
	row := s.db.QueryRow(`SELECT file_path, destination, status, last_attempt_at, error_count, last_error
		FROM file_log WHERE file_path = ?`, path)
	r, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Errorf("read %s: %w", path, err)
	}
	return r, nil
}

// List returns records ordered by path. An empty status lists everything.
func (s *Store) List(status string) ([]Record, error) {
	query := `SELECT file_path, destination, status, last_attempt_at, error_count, last_error FROM file_log`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY file_path`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, errors.Errorf("list history: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Reset deletes the record for targetPath, or every record when targetPath is empty.
func (s *Store) Reset(targetPath string) (int64, error) {
	var res sql.Result
	var err error
	if targetPath != "" {
		res, err = s.db.Exec("DELETE FROM file_log WHERE file_path = ?", targetPath)
	} else {
		res, err = s.db.Exec("DELETE FROM file_log")
	}
	if err != nil {
		return 0, errors.Errorf("failed to reset history: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (*Record, error) {
	var r Record
	if err := row.Scan(&r.Path, &r.Destination, &r.Status, &r.LastAttemptAt, &r.ErrorCount, &r.LastError); err != nil {
		return nil, err
	}
	return &r, nil
}
