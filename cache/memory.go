package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-ai/conductor/types"
)

// entryKey addresses one version list.
type entryKey struct {
	stageID   string
	inputHash string
}

// versionList holds the ordered versions for one key. Its own mutex
// serializes writers per key without blocking disjoint keys.
type versionList struct {
	mu      sync.Mutex
	entries []Entry
}

// MemoryStore is an in-process cache store. Safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	keys   map[entryKey]*versionList
	logger *zap.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		keys:   make(map[entryKey]*versionList),
		logger: logger.With(zap.String("component", "memory_cache")),
	}
}

// list returns the version list for the key, creating it when create is set.
func (s *MemoryStore) list(key entryKey, create bool) *versionList {
	s.mu.RLock()
	vl := s.keys[key]
	s.mu.RUnlock()
	if vl != nil || !create {
		return vl
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if vl = s.keys[key]; vl == nil {
		vl = &versionList{}
		s.keys[key] = vl
	}
	return vl
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, stageID, inputHash string) (*Entry, error) {
	vl := s.list(entryKey{stageID, inputHash}, false)
	if vl == nil {
		return nil, ErrMiss
	}

	vl.mu.Lock()
	defer vl.mu.Unlock()
	if len(vl.entries) == 0 {
		return nil, ErrMiss
	}
	entry := vl.entries[len(vl.entries)-1]
	return &entry, nil
}

// GetVersion implements Store.
func (s *MemoryStore) GetVersion(ctx context.Context, stageID, inputHash string, version int) (*Entry, error) {
	vl := s.list(entryKey{stageID, inputHash}, false)
	if vl == nil {
		return nil, ErrMiss
	}

	vl.mu.Lock()
	defer vl.mu.Unlock()
	if version < 0 || version >= len(vl.entries) {
		return nil, ErrMiss
	}
	entry := vl.entries[version]
	return &entry, nil
}

// History implements Store.
func (s *MemoryStore) History(ctx context.Context, stageID, inputHash string) ([]Entry, error) {
	vl := s.list(entryKey{stageID, inputHash}, false)
	if vl == nil {
		return nil, nil
	}

	vl.mu.Lock()
	defer vl.mu.Unlock()
	out := make([]Entry, len(vl.entries))
	copy(out, vl.entries)
	return out, nil
}

// Put implements Store. The version is allocated under the per-key lock, so
// versions stay contiguous under any interleaving of concurrent writers.
func (s *MemoryStore) Put(ctx context.Context, stageID, inputHash string, result *types.AgentResult, feedbackSummary string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vl := s.list(entryKey{stageID, inputHash}, true)

	vl.mu.Lock()
	defer vl.mu.Unlock()
	entry := Entry{
		StageID:         stageID,
		InputHash:       inputHash,
		Version:         len(vl.entries),
		Result:          *result,
		FeedbackSummary: feedbackSummary,
		CreatedAt:       time.Now().UTC(),
	}
	vl.entries = append(vl.entries, entry)

	s.logger.Debug("cache put",
		zap.String("stage_id", stageID),
		zap.String("input_hash", inputHash),
		zap.Int("version", entry.Version),
	)
	return &entry, nil
}

// Invalidate implements Store.
func (s *MemoryStore) Invalidate(ctx context.Context, stageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for key := range s.keys {
		if key.stageID == stageID {
			delete(s.keys, key)
			dropped++
		}
	}
	if dropped > 0 {
		s.logger.Info("cache invalidated",
			zap.String("stage_id", stageID),
			zap.Int("keys_dropped", dropped),
		)
	}
	return nil
}
