package local

import (
	"context"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/proctor/internal/history"
)

const historyCollection = "histories"

// HistoryStore keeps one JSON file per student.
type HistoryStore struct {
	store *Store
}

// Ensure HistoryStore implements history.Store
var _ history.Store = (*HistoryStore)(nil)

// NewHistoryStore creates a history store rooted at dir.
func NewHistoryStore(dir string) (*HistoryStore, error) {
	store, err := NewStore(dir)
	if err != nil {
		return nil, err
	}
	return &HistoryStore{store: store}, nil
}

func (s *HistoryStore) Get(_ context.Context, studentID string) (*history.StudentHistory, error) {
	var h history.StudentHistory
	err := s.store.Load(historyCollection, studentID, &h)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, history.ErrNotFound
	case errors.Is(err, ErrCorrupt):
		return nil, fmt.Errorf("%w: %v", history.ErrCorrupt, err)
	case err != nil:
		return nil, err
	}
	return &h, nil
}

func (s *HistoryStore) Save(_ context.Context, h *history.StudentHistory) error {
	return s.store.Save(historyCollection, h.StudentID, h)
}

func (s *HistoryStore) List(_ context.Context) ([]string, error) {
	return s.store.List(historyCollection)
}
