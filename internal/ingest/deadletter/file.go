package deadletter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileManager keeps entries as JSON lines in a single file. Appends are
// synced; deletes rewrite the file through a temp file and rename.
type FileManager struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileManager creates a file manager writing to {dir}/deadletter.jsonl.
func NewFileManager(dir string, logger *slog.Logger) (*FileManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dead letter dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileManager{
		path:   filepath.Join(dir, "deadletter.jsonl"),
		logger: logger.With("component", "dlq-manager", "backend", "file"),
	}, nil
}

// Write appends an entry.
func (m *FileManager) Write(ctx context.Context, entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode dead letter entry: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open dead letter file: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append dead letter entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync dead letter file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close dead letter file: %w", err)
	}

	m.logger.Debug("entry added to DLQ",
		"id", entry.ID,
		"source_id", entry.SourceID,
		"stage", entry.Stage,
		"error_type", entry.ErrorType,
	)
	return nil
}

// load reads all entries. Callers hold m.mu.
func (m *FileManager) load() ([]Entry, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dead letter file: %w", err)
	}

	var entries []Entry
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			m.logger.Warn("skipping corrupt dead letter line", "error", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan dead letter file: %w", err)
	}
	return entries, nil
}

// rewrite replaces the file with entries. Callers hold m.mu.
func (m *FileManager) rewrite(entries []Entry) error {
	var buf bytes.Buffer
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode dead letter entry: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".deadletter-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp dead letter file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write dead letter file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync dead letter file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close dead letter file: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename dead letter file: %w", err)
	}
	return nil
}

// Read returns up to limit entries, oldest first. A non-positive limit
// returns all entries.
func (m *FileManager) Read(ctx context.Context, limit int) ([]Entry, error) {
	return m.filter(limit, func(Entry) bool { return true })
}

// ReadBySource returns up to limit entries for a source.
func (m *FileManager) ReadBySource(ctx context.Context, sourceID string, limit int) ([]Entry, error) {
	return m.filter(limit, func(e Entry) bool { return e.SourceID == sourceID })
}

func (m *FileManager) filter(limit int, keep func(Entry) bool) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.load()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		if !keep(e) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Delete removes an entry.
func (m *FileManager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.load()
	if err != nil {
		return err
	}
	kept := entries[:0]
	found := false
	for _, e := range entries {
		if e.ID == id {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	if !found {
		return fmt.Errorf("entry not found: %s", id)
	}
	if err := m.rewrite(kept); err != nil {
		return err
	}
	m.logger.Debug("entry deleted from DLQ", "id", id)
	return nil
}

// Cleanup removes expired entries.
func (m *FileManager) Cleanup(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.load()
	if err != nil {
		return 0, err
	}
	now := time.Now()
	kept := entries[:0]
	var removed int64
	for _, e := range entries {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed == 0 {
		return 0, nil
	}
	if err := m.rewrite(kept); err != nil {
		return 0, err
	}
	m.logger.Info("cleaned up expired DLQ entries", "count", removed)
	return removed, nil
}

// Count returns the number of entries.
func (m *FileManager) Count(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, err := m.load()
	return int64(len(entries)), err
}

// Stats groups entries by source and error type.
func (m *FileManager) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{BySource: map[string]int64{}, ByErrorType: map[string]int64{}}
	entries, err := m.load()
	if err != nil {
		return stats, err
	}
	for _, e := range entries {
		stats.TotalCount++
		stats.BySource[e.SourceID]++
		stats.ByErrorType[e.ErrorType]++
	}
	return stats, nil
}

// Close is a no-op.
func (m *FileManager) Close() error {
	return nil
}

var _ Manager = (*FileManager)(nil)
