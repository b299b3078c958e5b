// Package store provides storage backends for CallPipe.
//
// This file implements a PostgreSQL-backed customer request log.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/CallPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is an ActionLog backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Append implements ActionLog.
func (s *PostgresStore) Append(ctx context.Context, r models.CustomerRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customer_requests (call_id, kind, phone_number, customer_name, details, requested_time, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.CallID, string(r.Kind), r.PhoneNumber, nilIfEmpty(r.CustomerName), nilIfEmpty(r.Details),
		nilIfEmpty(r.RequestedTime), nilIfEmpty(r.Reason), r.CreatedAt.UTC())
	if err != nil {
		slog.Error("PostgresStore Append failed", "error", err, "callID", r.CallID, "kind", r.Kind)
		return fmt.Errorf("failed to insert %s request for call %s: %w", r.Kind, r.CallID, err)
	}
	slog.Debug("PostgresStore Append succeeded", "callID", r.CallID, "kind", r.Kind)
	return nil
}

// List implements ActionLog. An empty callID lists every request.
func (s *PostgresStore) List(ctx context.Context, callID string) ([]models.CustomerRequest, error) {
	query := `SELECT call_id, kind, phone_number, customer_name, details, requested_time, reason, created_at
		FROM customer_requests`
	var args []interface{}
	if callID != "" {
		query += ` WHERE call_id = $1`
		args = append(args, callID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("PostgresStore List query failed", "error", err)
		return nil, fmt.Errorf("failed to query customer requests: %w", err)
	}
	defer rows.Close()
	return scanCustomerRequests(rows)
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
