// Package store provides storage backends for CallPipe.
//
// Transcripts and analysis predictions are flat JSON files under the data directory.
// The customer request log (complaints and reschedules) is a JSONL file by default and
// can be moved to SQLite or PostgreSQL by configuring a DSN.
package store

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BTreeMap/CallPipe/internal/models"
)

// Directory and file layout under the data directory.
const (
	DefaultDataDir     = "./data"
	TranscriptsDirName = "logs"
	PredictionsDirName = "predictions"
	ActionLogFileName  = "customer_requests.jsonl"

	// DefaultDirPermissions defines the default permissions for data directories
	DefaultDirPermissions = 0755
	// DefaultFilePermissions defines the default permissions for data files
	DefaultFilePermissions = 0644
)

// Opts holds configuration options for store implementations.
type Opts struct {
	DataDir string
	DSN     string
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithDataDir sets the root directory for transcripts, predictions and the default action log.
func WithDataDir(dir string) Option {
	return func(o *Opts) { o.DataDir = dir }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns the database/sql driver name for dsn: "postgres" for PostgreSQL
// URLs and key/value connection strings, "sqlite3" for anything else (a file path).
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// ActionLog is the append-only log of customer requests captured by the agent's tools.
type ActionLog interface {
	Append(ctx context.Context, req models.CustomerRequest) error
	List(ctx context.Context, callID string) ([]models.CustomerRequest, error)
	Close() error
}

// NewActionLog opens the configured action log: SQL when a DSN is set, JSONL under the data
// directory otherwise.
func NewActionLog(opts ...Option) (ActionLog, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return NewJSONLActionLog(opts...)
	}
	switch DetectDSNType(cfg.DSN) {
	case "postgres":
		slog.Debug("NewActionLog: using Postgres action log")
		return NewPostgresStore(opts...)
	default:
		slog.Debug("NewActionLog: using SQLite action log", "path", cfg.DSN)
		return NewSQLiteStore(opts...)
	}
}
