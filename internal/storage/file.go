package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore keeps the request log and the reset marker as two JSON documents.
// Every mutation rewrites the affected file through a temp file and rename.
type FileStore struct {
	logPath   string
	resetPath string
	mu        sync.Mutex
}

// NewFileStore builds a store over the two paths.
func NewFileStore(logPath, resetPath string) *FileStore {
	return &FileStore{logPath: logPath, resetPath: resetPath}
}

// LoadRequestLog reads the log. A missing file is an empty log.
func (f *FileStore) LoadRequestLog(ctx context.Context) ([]RequestLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readLog()
}

// AppendRequestLog adds one entry and rewrites the log.
func (f *FileStore) AppendRequestLog(ctx context.Context, entry RequestLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.readLog()
	if err != nil {
		// the tracker already failed open on this file; start it over
		entries = nil
	}
	entries = append(entries, entry)
	return writeJSONAtomic(f.logPath, entries)
}

// ReplaceRequestLog rewrites the log with entries.
func (f *FileStore) ReplaceRequestLog(ctx context.Context, entries []RequestLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entries == nil {
		entries = []RequestLogEntry{}
	}
	return writeJSONAtomic(f.logPath, entries)
}

// LoadLastReset reads the reset marker.
func (f *FileStore) LoadLastReset(ctx context.Context) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.resetPath)
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read reset file: %w", err)
	}

	var rec resetRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return time.Time{}, false, fmt.Errorf("decode reset file: %w", err)
	}
	at, err := parseTimestamp(rec.LastReset)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("decode reset file: %w", err)
	}
	return at, true, nil
}

// SaveLastReset rewrites the reset marker.
func (f *FileStore) SaveLastReset(ctx context.Context, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return writeJSONAtomic(f.resetPath, resetRecord{LastReset: at.Format(time.RFC3339Nano)})
}

func (f *FileStore) readLog() ([]RequestLogEntry, error) {
	b, err := os.ReadFile(f.logPath)
	if errors.Is(err, os.ErrNotExist) {
		return []RequestLogEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read request log: %w", err)
	}

	var entries []RequestLogEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("decode request log: %w", err)
	}
	return entries, nil
}

func writeJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

var _ QuotaStore = (*FileStore)(nil)
