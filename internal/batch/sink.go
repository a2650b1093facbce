package batch

import (
	"context"
	"errors"
	"time"

	"github.com/felixgeelhaar/proctor/internal/domain"
	"github.com/felixgeelhaar/proctor/internal/merge"
)

// Result is the durable record of one authoritative transition.
type Result struct {
	BatchID      string              `json:"batch_id"`
	ChainKey     string              `json:"chain_key"`
	Revision     int                 `json:"revision"`
	SubmissionID string              `json:"submission_id"`
	StudentID    string              `json:"student_id"`
	AssignmentID string              `json:"assignment_id"`
	Filename     string              `json:"filename"`
	Outcome      merge.Outcome       `json:"outcome"`
	Record       domain.ScoreRecord  `json:"record"`
	Verification domain.Verification `json:"verification"`
	Assessment   domain.Assessment   `json:"assessment"`
	GradedAt     time.Time           `json:"graded_at"`
}

// Sink receives each authoritative result exactly once.
type Sink interface {
	Persist(ctx context.Context, r Result) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r Result) error

func (f SinkFunc) Persist(ctx context.Context, r Result) error {
	return f(ctx, r)
}

// MultiSink fans a result out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Persist(ctx context.Context, r Result) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Persist(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type discardSink struct{}

func (discardSink) Persist(context.Context, Result) error { return nil }
