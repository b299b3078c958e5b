// Package store provides the file-backed transcript and prediction stores.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/CallPipe/internal/models"
)

const (
	transcriptPrefix = "transcript_"
	predictionPrefix = "prediction_"
	jsonSuffix       = ".json"
	// fileTimeLayout is the creation timestamp embedded in transcript file names.
	fileTimeLayout = "20060102T150405Z"
)

var callIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// ValidateCallID reports whether id can be used as a storage key.
func ValidateCallID(id string) error {
	if !callIDRegex.MatchString(id) {
		return fmt.Errorf("%w: invalid call id %q", models.ErrValidation, id)
	}
	return nil
}

// FileStore keeps one JSON file per transcript and per prediction.
type FileStore struct {
	transcriptsDir string
	predictionsDir string

	// mu serializes writers of the same directory so stale-file cleanup cannot race a save.
	mu sync.Mutex
}

// NewFileStore creates the transcript and prediction directories under the data directory.
func NewFileStore(opts ...Option) (*FileStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}
	s := &FileStore{
		transcriptsDir: filepath.Join(cfg.DataDir, TranscriptsDirName),
		predictionsDir: filepath.Join(cfg.DataDir, PredictionsDirName),
	}
	for _, dir := range []string{s.transcriptsDir, s.predictionsDir} {
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("NewFileStore: failed to create directory", "dir", dir, "error", err)
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	slog.Debug("NewFileStore: directories ready", "transcripts", s.transcriptsDir, "predictions", s.predictionsDir)
	return s, nil
}

// TranscriptFileName returns the file name a transcript is stored under.
func TranscriptFileName(t models.Transcript) string {
	created := t.StartedAt
	if created.IsZero() {
		created = time.Now()
	}
	return transcriptPrefix + created.UTC().Format(fileTimeLayout) + "_" + t.CallID + jsonSuffix
}

// parseTranscriptFileName extracts the creation time and call id from a transcript file name.
func parseTranscriptFileName(name string) (time.Time, string, bool) {
	if !strings.HasPrefix(name, transcriptPrefix) || !strings.HasSuffix(name, jsonSuffix) {
		return time.Time{}, "", false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(name, transcriptPrefix), jsonSuffix)
	ts, callID, ok := strings.Cut(rest, "_")
	if !ok || callID == "" {
		return time.Time{}, "", false
	}
	created, err := time.Parse(fileTimeLayout, ts)
	if err != nil {
		return time.Time{}, "", false
	}
	return created, callID, true
}

// Save writes the transcript, replacing any earlier record for the same call.
// It returns the file name the transcript was stored under.
func (s *FileStore) Save(ctx context.Context, t models.Transcript) (string, error) {
	if err := ValidateCallID(t.CallID); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal transcript %s: %w", t.CallID, err)
	}

	name := TranscriptFileName(t)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeFileAtomic(filepath.Join(s.transcriptsDir, name), data); err != nil {
		slog.Error("FileStore.Save: write failed", "callID", t.CallID, "file", name, "error", err)
		return "", err
	}

	stale, _ := filepath.Glob(filepath.Join(s.transcriptsDir, transcriptPrefix+"*_"+t.CallID+jsonSuffix))
	for _, path := range stale {
		if filepath.Base(path) == name {
			continue
		}
		if _, id, ok := parseTranscriptFileName(filepath.Base(path)); !ok || id != t.CallID {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("FileStore.Save: failed to remove superseded transcript", "file", path, "error", err)
		}
	}

	slog.Info("FileStore.Save: transcript saved", "callID", t.CallID, "file", name, "turns", len(t.Turns), "reason", t.TerminalReason)
	return name, nil
}

// Load returns a transcript by call id or by file name.
func (s *FileStore) Load(ctx context.Context, key string) (models.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return models.Transcript{}, err
	}
	path, err := s.resolveTranscript(key)
	if err != nil {
		return models.Transcript{}, err
	}
	return readTranscript(path)
}

func (s *FileStore) resolveTranscript(key string) (string, error) {
	key = strings.TrimSpace(key)
	if _, _, ok := parseTranscriptFileName(key); ok {
		if filepath.Base(key) != key {
			return "", fmt.Errorf("%w: invalid transcript name %q", models.ErrValidation, key)
		}
		path := filepath.Join(s.transcriptsDir, key)
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", fmt.Errorf("%w: transcript %s", models.ErrNotFound, key)
			}
			return "", err
		}
		return path, nil
	}

	if err := ValidateCallID(key); err != nil {
		return "", err
	}
	matches, err := filepath.Glob(filepath.Join(s.transcriptsDir, transcriptPrefix+"*_"+key+jsonSuffix))
	if err != nil {
		return "", err
	}
	var found []string
	for _, m := range matches {
		if _, id, ok := parseTranscriptFileName(filepath.Base(m)); ok && id == key {
			found = append(found, m)
		}
	}
	if len(found) == 0 {
		return "", fmt.Errorf("%w: transcript for call %s", models.ErrNotFound, key)
	}
	sort.Strings(found)
	return found[len(found)-1], nil
}

func readTranscript(path string) (models.Transcript, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.Transcript{}, fmt.Errorf("%w: %s", models.ErrNotFound, filepath.Base(path))
		}
		return models.Transcript{}, fmt.Errorf("failed to read transcript %s: %w", filepath.Base(path), err)
	}
	var t models.Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return models.Transcript{}, fmt.Errorf("failed to decode transcript %s: %w", filepath.Base(path), err)
	}
	return t, nil
}

type transcriptEntry struct {
	name    string
	created time.Time
}

// List yields transcript summaries newest first. The directory is read when iteration starts,
// so ranging over the sequence again restarts it against the current contents.
func (s *FileStore) List(ctx context.Context) iter.Seq2[models.TranscriptSummary, error] {
	return func(yield func(models.TranscriptSummary, error) bool) {
		entries, err := os.ReadDir(s.transcriptsDir)
		if err != nil {
			yield(models.TranscriptSummary{}, fmt.Errorf("failed to read transcripts directory: %w", err))
			return
		}

		var files []transcriptEntry
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if created, _, ok := parseTranscriptFileName(e.Name()); ok {
				files = append(files, transcriptEntry{name: e.Name(), created: created})
			}
		}
		sort.Slice(files, func(i, j int) bool {
			if !files[i].created.Equal(files[j].created) {
				return files[i].created.After(files[j].created)
			}
			return files[i].name > files[j].name
		})

		for _, f := range files {
			if err := ctx.Err(); err != nil {
				yield(models.TranscriptSummary{}, err)
				return
			}
			t, err := readTranscript(filepath.Join(s.transcriptsDir, f.name))
			if err != nil {
				// Removed between ReadDir and now.
				if errors.Is(err, models.ErrNotFound) {
					continue
				}
				if !yield(models.TranscriptSummary{File: f.name}, err) {
					return
				}
				continue
			}
			summary := models.TranscriptSummary{
				CallID:         t.CallID,
				File:           f.name,
				CustomerName:   t.Context.CustomerName,
				PhoneNumber:    t.Context.PhoneNumber,
				CreatedAt:      f.created,
				EndedAt:        t.EndedAt,
				TerminalReason: t.TerminalReason,
				Turns:          len(t.Turns),
			}
			if !yield(summary, nil) {
				return
			}
		}
	}
}

func (s *FileStore) predictionPath(callID string) string {
	return filepath.Join(s.predictionsDir, predictionPrefix+callID+jsonSuffix)
}

// SavePrediction writes the analysis result for a call, overwriting any previous result.
func (s *FileStore) SavePrediction(ctx context.Context, r models.AnalysisResult) (string, error) {
	if err := ValidateCallID(r.CallID); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal prediction %s: %w", r.CallID, err)
	}
	path := s.predictionPath(r.CallID)
	if err := writeFileAtomic(path, data); err != nil {
		slog.Error("FileStore.SavePrediction: write failed", "callID", r.CallID, "error", err)
		return "", err
	}
	slog.Info("FileStore.SavePrediction: prediction saved", "callID", r.CallID, "file", filepath.Base(path))
	return filepath.Base(path), nil
}

// LoadPrediction returns the stored analysis result for a call.
func (s *FileStore) LoadPrediction(ctx context.Context, callID string) (models.AnalysisResult, error) {
	if err := ValidateCallID(callID); err != nil {
		return models.AnalysisResult{}, err
	}
	data, err := os.ReadFile(s.predictionPath(callID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.AnalysisResult{}, fmt.Errorf("%w: prediction for call %s", models.ErrNotFound, callID)
		}
		return models.AnalysisResult{}, err
	}
	var r models.AnalysisResult
	if err := json.Unmarshal(data, &r); err != nil {
		return models.AnalysisResult{}, fmt.Errorf("failed to decode prediction %s: %w", callID, err)
	}
	return r, nil
}

// HasPrediction reports whether an analysis result exists for the call.
func (s *FileStore) HasPrediction(callID string) bool {
	if ValidateCallID(callID) != nil {
		return false
	}
	_, err := os.Stat(s.predictionPath(callID))
	return err == nil
}

// ListPredictions returns every stored analysis result. Unreadable files are logged and skipped.
func (s *FileStore) ListPredictions(ctx context.Context) ([]models.AnalysisResult, error) {
	entries, err := os.ReadDir(s.predictionsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read predictions directory: %w", err)
	}
	var results []models.AnalysisResult
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, predictionPrefix) || !strings.HasSuffix(name, jsonSuffix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		callID := strings.TrimSuffix(strings.TrimPrefix(name, predictionPrefix), jsonSuffix)
		r, err := s.LoadPrediction(ctx, callID)
		if err != nil {
			slog.Warn("FileStore.ListPredictions: skipping unreadable prediction", "file", name, "error", err)
			continue
		}
		results = append(results, r)
	}
	return results, nil
}

// writeFileAtomic writes data to a temporary file in the same directory and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, DefaultFilePermissions); err != nil {
		cleanup()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}
