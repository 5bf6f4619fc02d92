package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/janovincze/tidings/internal/ingest"
)

// MemoryStore keeps checkpoints in process memory. Used for dry runs and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]ingest.Checkpoint
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]ingest.Checkpoint)}
}

// Load retrieves the checkpoint for a source.
func (s *MemoryStore) Load(ctx context.Context, sourceID string) (*ingest.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[sourceID]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

// Advance stores ts if it exceeds the stored value.
func (s *MemoryStore) Advance(ctx context.Context, sourceID string, ts int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts <= s.checkpoints[sourceID].LastTimestamp {
		return false, nil
	}
	s.checkpoints[sourceID] = ingest.Checkpoint{
		SourceID:      sourceID,
		LastTimestamp: ts,
		UpdatedAt:     time.Now().UTC(),
	}
	return true, nil
}

// List returns all stored checkpoints ordered by source ID.
func (s *MemoryStore) List(ctx context.Context) ([]ingest.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.Checkpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

// Delete removes the checkpoint for a source.
func (s *MemoryStore) Delete(ctx context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, sourceID)
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
