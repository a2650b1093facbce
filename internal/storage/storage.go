// Package storage defines the result store shared by the persistence
// backends and an in-memory implementation.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/felixgeelhaar/proctor/internal/batch"
	"github.com/felixgeelhaar/proctor/internal/merge"
)

// ErrDuplicateRevision is returned when a chain revision is persisted twice.
var ErrDuplicateRevision = errors.New("result revision already persisted")

// ResultStore persists authoritative results and seeds later batches from
// them. Implementations enforce uniqueness of (chain key, revision).
type ResultStore interface {
	batch.Sink
	merge.Seeder
	ByBatch(ctx context.Context, batchID string) ([]batch.Result, error)
	ByStudent(ctx context.Context, studentID string, limit int) ([]batch.Result, error)
}

// MemoryResultStore keeps results in process memory.
type MemoryResultStore struct {
	mu      sync.RWMutex
	results []batch.Result
	seen    map[string]struct{}
}

// Ensure MemoryResultStore implements ResultStore
var _ ResultStore = (*MemoryResultStore)(nil)

// NewMemoryResultStore creates an empty in-memory store
func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{seen: make(map[string]struct{})}
}

func revisionKey(chainKey string, revision int) string {
	return fmt.Sprintf("%s#%d", chainKey, revision)
}

func (s *MemoryResultStore) Persist(_ context.Context, r batch.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := revisionKey(r.ChainKey, r.Revision)
	if _, dup := s.seen[k]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateRevision, k)
	}
	s.seen[k] = struct{}{}
	r.Record = r.Record.Clone()
	s.results = append(s.results, r)
	return nil
}

func (s *MemoryResultStore) Prior(_ context.Context, chainKey string) (*merge.Prior, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *batch.Result
	for i := range s.results {
		r := &s.results[i]
		if r.ChainKey == chainKey && (best == nil || r.Revision > best.Revision) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	return &merge.Prior{SubmissionID: best.SubmissionID, Record: best.Record.Clone(), Revision: best.Revision}, nil
}

func (s *MemoryResultStore) ByBatch(_ context.Context, batchID string) ([]batch.Result, error) {
	return s.filter(func(r batch.Result) bool { return r.BatchID == batchID }, 0), nil
}

func (s *MemoryResultStore) ByStudent(_ context.Context, studentID string, limit int) ([]batch.Result, error) {
	return s.filter(func(r batch.Result) bool { return r.StudentID == studentID }, limit), nil
}

// filter returns matches newest first.
func (s *MemoryResultStore) filter(keep func(batch.Result) bool, limit int) []batch.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []batch.Result
	for _, r := range s.results {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].GradedAt.After(out[j].GradedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
