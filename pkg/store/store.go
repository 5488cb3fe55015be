// Package store is the relational store of the library: root folders,
// volumes, issues, files and the links between them, plus the blocklist,
// credentials and history tables. All write paths are transactional.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// DatabaseName is the filename of the database inside the data folder.
const DatabaseName = "kapowarr.db"

// Store wraps the sqlite database. Connections are pooled by database/sql:
// acquired lazily per caller and released when idle.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database in the given data folder.
func Open(dataFolder string) (*Store, error) {
	if err := os.MkdirAll(dataFolder, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data folder: %w", err)
	}
	return openPath(filepath.Join(dataFolder, DatabaseName))
}

func openPath(dbPath string) (*Store, error) {
	// The pragmas ride in the DSN so every pooled connection gets them:
	// WAL for concurrent readers during long tasks, foreign keys for the
	// cascading link tables.
	escapedPath := strings.ReplaceAll(dbPath, " ", "%20")
	dsn := "file:" + escapedPath +
		"?_time_format=sqlite&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// OpenMemory opens a throwaway in-memory store.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?_time_format=sqlite&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection pool for raw queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx executes fn within a transaction. The transaction is rolled back
// when fn returns an error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// querier is satisfied by both *sql.DB and *sql.Tx. The entity helpers in
// this package use s.db or the *sql.Tx of WithTx directly, not querier.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullYear(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
