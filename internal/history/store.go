package history

import (
	"context"
	"sort"
	"sync"
)

// Store defines the persistence interface for student histories.
// The JSON file, SQLite and Redis stores all implement this.
type Store interface {
	Get(ctx context.Context, studentID string) (*StudentHistory, error)
	Save(ctx context.Context, h *StudentHistory) error
	List(ctx context.Context) ([]string, error)
}

// MemoryStore keeps histories in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]*StudentHistory
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*StudentHistory)}
}

func (s *MemoryStore) Get(_ context.Context, studentID string) (*StudentHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.data[studentID]
	if !ok {
		return nil, ErrNotFound
	}
	return h.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, h *StudentHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[h.StudentID] = h.Clone()
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
