package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/BTreeMap/CallPipe/internal/models"
)

// JSONLActionLog appends customer requests to a newline-delimited JSON file.
type JSONLActionLog struct {
	path string
	mu   sync.Mutex
}

// NewJSONLActionLog creates the log file under the data directory if it does not exist.
func NewJSONLActionLog(opts ...Option) (*JSONLActionLog, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}
	if err := os.MkdirAll(cfg.DataDir, DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	path := filepath.Join(cfg.DataDir, ActionLogFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, DefaultFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to open action log: %w", err)
	}
	f.Close()
	slog.Debug("NewJSONLActionLog: action log ready", "path", path)
	return &JSONLActionLog{path: path}, nil
}

// Append implements ActionLog.
func (l *JSONLActionLog) Append(ctx context.Context, r models.CustomerRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal customer request: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, DefaultFilePermissions)
	if err != nil {
		slog.Error("JSONLActionLog.Append: open failed", "path", l.path, "error", err)
		return fmt.Errorf("failed to open action log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		slog.Error("JSONLActionLog.Append: write failed", "path", l.path, "error", err)
		return fmt.Errorf("failed to append to action log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close action log: %w", err)
	}
	slog.Debug("JSONLActionLog.Append succeeded", "callID", r.CallID, "kind", r.Kind)
	return nil
}

// List implements ActionLog. An empty callID lists every request.
func (l *JSONLActionLog) List(ctx context.Context, callID string) ([]models.CustomerRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open action log: %w", err)
	}
	defer f.Close()

	var out []models.CustomerRequest
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var r models.CustomerRequest
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			slog.Warn("JSONLActionLog.List: skipping malformed line", "error", err)
			continue
		}
		if callID == "" || r.CallID == callID {
			out = append(out, r)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read action log: %w", err)
	}
	return out, nil
}

// Close implements ActionLog.
func (l *JSONLActionLog) Close() error { return nil }
