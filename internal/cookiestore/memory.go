package cookiestore

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/isometry/ad-dirsync/internal/dirsync"
)

// MemoryStore keeps checkpoints in process memory. Nothing survives a
// restart; it suits one-shot runs and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]dirsync.Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]dirsync.Checkpoint)}
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) (dirsync.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[sessionID]
	cp.Cookie = cp.Cookie.Clone()
	return cp, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, cp dirsync.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp.Cookie = cp.Cookie.Clone()
	s.checkpoints[cp.SessionID] = cp
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.checkpoints, sessionID)
	return nil
}

func (s *MemoryStore) List(context.Context) ([]dirsync.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]dirsync.Checkpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		cp.Cookie = cp.Cookie.Clone()
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b dirsync.Checkpoint) int {
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
