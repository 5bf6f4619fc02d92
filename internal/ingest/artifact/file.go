package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// FileStore writes artifacts under a root directory as {root}/{dir}/{name}.
// Each write goes to a synced temp file that is renamed into place.
type FileStore struct {
	root   string
	logger *slog.Logger
}

// NewFileStore creates a file store rooted at root, creating the stage
// directories.
func NewFileStore(root string, logger *slog.Logger) (*FileStore, error) {
	for _, d := range []Dir{DirRaw, DirClean, DirAnnotated} {
		if err := os.MkdirAll(filepath.Join(root, string(d)), 0o755); err != nil {
			return nil, fmt.Errorf("create artifact dir: %w", err)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		root:   root,
		logger: logger.With("component", "artifact-store", "backend", "file"),
	}, nil
}

// Path returns the file path for an artifact.
func (s *FileStore) Path(dir Dir, name string) string {
	return filepath.Join(s.root, string(dir), name)
}

// Write stores data atomically.
func (s *FileStore) Write(ctx context.Context, dir Dir, name string, data []byte) error {
	if err := ValidName(name); err != nil {
		return err
	}
	target := s.Path(dir, name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename artifact: %w", err)
	}

	s.logger.Debug("artifact written", "dir", dir, "name", name, "bytes", len(data))
	return nil
}

// Read returns an artifact's content.
func (s *FileStore) Read(ctx context.Context, dir Dir, name string) ([]byte, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s/%s: %w", dir, name, ErrNotFound)
		}
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

// Exists reports whether an artifact is stored.
func (s *FileStore) Exists(ctx context.Context, dir Dir, name string) (bool, error) {
	if err := ValidName(name); err != nil {
		return false, err
	}
	_, err := os.Stat(s.Path(dir, name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat artifact: %w", err)
}

// Ping verifies that the root directory is writable.
func (s *FileStore) Ping(ctx context.Context) error {
	f, err := os.CreateTemp(s.root, ".ping-*")
	if err != nil {
		return fmt.Errorf("artifact root not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

var _ Store = (*FileStore)(nil)
