// Package store provides storage backends for CallPipe.
//
// This file implements an SQLite-backed customer request log.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/CallPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is an ActionLog backed by an SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// Serialize writers; concurrent sessions append to the same file.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Append implements ActionLog.
func (s *SQLiteStore) Append(ctx context.Context, r models.CustomerRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customer_requests (call_id, kind, phone_number, customer_name, details, requested_time, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CallID, string(r.Kind), r.PhoneNumber, nilIfEmpty(r.CustomerName), nilIfEmpty(r.Details),
		nilIfEmpty(r.RequestedTime), nilIfEmpty(r.Reason), r.CreatedAt.UTC())
	if err != nil {
		slog.Error("SQLiteStore Append failed", "error", err, "callID", r.CallID, "kind", r.Kind)
		return fmt.Errorf("failed to insert %s request for call %s: %w", r.Kind, r.CallID, err)
	}
	slog.Debug("SQLiteStore Append succeeded", "callID", r.CallID, "kind", r.Kind)
	return nil
}

// List implements ActionLog. An empty callID lists every request.
func (s *SQLiteStore) List(ctx context.Context, callID string) ([]models.CustomerRequest, error) {
	query := `SELECT call_id, kind, phone_number, customer_name, details, requested_time, reason, created_at
		FROM customer_requests`
	var args []interface{}
	if callID != "" {
		query += ` WHERE call_id = ?`
		args = append(args, callID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("SQLiteStore List query failed", "error", err)
		return nil, fmt.Errorf("failed to query customer requests: %w", err)
	}
	defer rows.Close()
	return scanCustomerRequests(rows)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
