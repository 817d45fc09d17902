package auth

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLStore is a SQLite-backed credential store.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens (or creates) a SQLite credential database.
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("auth: open DB: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("auth: set WAL: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("auth: set busy_timeout: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS credentials (
			username TEXT PRIMARY KEY,
			hash     TEXT NOT NULL
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("auth: migrate: %w", err)
	}

	return &SQLStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Lookup(username string) (string, bool) {
	var hash string
	err := s.db.QueryRowContext(context.Background(),
		"SELECT hash FROM credentials WHERE username = ?", username).Scan(&hash)
	if err != nil {
		// A store error denies the login the same way a missing
		// credential does.
		return "", false
	}
	return hash, true
}

// Put inserts or replaces a credential.
func (s *SQLStore) Put(username, hash string) error {
	_, err := s.db.ExecContext(context.Background(),
		"INSERT INTO credentials (username, hash) VALUES (?, ?) ON CONFLICT(username) DO UPDATE SET hash = excluded.hash",
		username, hash)
	if err != nil {
		return fmt.Errorf("auth: store credential: %w", err)
	}
	return nil
}

// Count returns the number of stored credentials.
func (s *SQLStore) Count() (int, error) {
	var n int
	if err := s.db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM credentials").Scan(&n); err != nil {
		return 0, fmt.Errorf("auth: count credentials: %w", err)
	}
	return n, nil
}
