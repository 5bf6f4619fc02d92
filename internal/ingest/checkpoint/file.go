package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/janovincze/tidings/internal/ingest"
)

const fileSuffix = "_last.json"

// FileStore persists each checkpoint as a small JSON file named
// {source_id}_last.json. Writes go to a temp file which is synced and
// renamed over the record, so a crash never leaves a partial checkpoint.
//
// Read-compare-write in Advance is serialized per source within the process.
type FileStore struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates a file checkpoint store rooted at dir.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &FileStore{
		dir:    dir,
		logger: logger.With("component", "checkpoint-store", "backend", "file"),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

func (s *FileStore) path(sourceID string) string {
	return filepath.Join(s.dir, sourceID+fileSuffix)
}

func (s *FileStore) lock(sourceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sourceID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sourceID] = l
	}
	return l
}

// Load retrieves the checkpoint for a source.
func (s *FileStore) Load(ctx context.Context, sourceID string) (*ingest.Checkpoint, error) {
	return s.read(sourceID)
}

func (s *FileStore) read(sourceID string) (*ingest.Checkpoint, error) {
	data, err := os.ReadFile(s.path(sourceID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp ingest.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", sourceID, err)
	}
	if cp.SourceID == "" {
		cp.SourceID = sourceID
	}
	return &cp, nil
}

// Advance stores ts if it exceeds the stored value. An absent record counts
// as 0.
func (s *FileStore) Advance(ctx context.Context, sourceID string, ts int64) (bool, error) {
	l := s.lock(sourceID)
	l.Lock()
	defer l.Unlock()

	current, err := s.read(sourceID)
	if err != nil {
		return false, err
	}
	var stored int64
	if current != nil {
		stored = current.LastTimestamp
	}
	if ts <= stored {
		return false, nil
	}

	cp := ingest.Checkpoint{
		SourceID:      sourceID,
		LastTimestamp: ts,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := s.write(cp); err != nil {
		return false, err
	}

	s.logger.Debug("checkpoint written", "source_id", sourceID, "last_timestamp", ts)
	return true, nil
}

func (s *FileStore) write(cp ingest.Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+cp.SourceID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp checkpoint: %w", err)
	}

	if err := os.Rename(tmpName, s.path(cp.SourceID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// List returns all stored checkpoints ordered by source ID.
func (s *FileStore) List(ctx context.Context) ([]ingest.Checkpoint, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	var out []ingest.Checkpoint
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		cp, err := s.read(strings.TrimSuffix(name, fileSuffix))
		if err != nil {
			s.logger.Warn("skipping unreadable checkpoint", "file", name, "error", err)
			continue
		}
		if cp != nil {
			out = append(out, *cp)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

// Delete removes the checkpoint for a source.
func (s *FileStore) Delete(ctx context.Context, sourceID string) error {
	l := s.lock(sourceID)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(s.path(sourceID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	s.logger.Debug("checkpoint deleted", "source_id", sourceID)
	return nil
}

// Ping verifies that the checkpoint directory is still present.
func (s *FileStore) Ping(ctx context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("checkpoint dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("checkpoint dir %s is not a directory", s.dir)
	}
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

var _ Store = (*FileStore)(nil)
