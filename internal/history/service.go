package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/proctor/internal/domain"
	"github.com/felixgeelhaar/proctor/internal/keylock"
)

// Classifier labels a new entry against the history as it stood before the
// entry was inserted.
type Classifier interface {
	Classify(prior *StudentHistory, e Entry) domain.Assessment
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(prior *StudentHistory, e Entry) domain.Assessment

func (f ClassifierFunc) Classify(prior *StudentHistory, e Entry) domain.Assessment {
	return f(prior, e)
}

// Service serializes read-modify-write of histories per student.
type Service struct {
	store      Store
	classifier Classifier
	params     Params
	locks      *keylock.Arena
	logger     *slog.Logger
	now        func() time.Time
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a new history service
func NewService(store Store, classifier Classifier, params Params, opts ...ServiceOption) *Service {
	s := &Service{
		store:      store,
		classifier: classifier,
		params:     params.normalized(),
		locks:      keylock.New(),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Params returns the effective tuning.
func (s *Service) Params() Params {
	return s.params
}

// Record classifies e against the student's prior baseline, then inserts it.
// Unattributed students are skipped entirely and get an unassessed result.
// A corrupted stored history panics in strict mode and is otherwise logged
// and left untouched.
func (s *Service) Record(ctx context.Context, studentID string, e Entry) (domain.Assessment, error) {
	if studentID == "" || studentID == domain.UnknownStudent {
		return domain.Assessment{}, nil
	}

	unlock := s.locks.Lock(studentID)
	defer unlock()

	h, err := s.load(ctx, studentID)
	if err != nil && !errors.Is(err, ErrCorrupt) {
		return domain.Assessment{}, err
	}
	if err == nil {
		err = h.Validate(s.params)
	}
	if err != nil {
		if s.params.Strict {
			panic(fmt.Sprintf("history: %v (student %s)", err, studentID))
		}
		s.logger.Error("skipping history update", "student_id", studentID, "error", err)
		return domain.Assessment{}, nil
	}

	prior := h.Without(e.AssignmentID, s.params)
	var assessment domain.Assessment
	if s.classifier != nil {
		assessment = s.classifier.Classify(prior, e)
	}

	if e.RecordedAt.IsZero() {
		e.RecordedAt = s.now()
	}
	e.Record = e.Record.Clone()
	e.Deviation = assessment.Deviation
	h.Insert(e, s.params)

	if err := s.store.Save(ctx, h); err != nil {
		return assessment, fmt.Errorf("save history: %w", err)
	}

	if assessment.Deviation.Flagged() {
		s.logger.Warn("score deviates from baseline",
			"student_id", studentID,
			"assignment_id", e.AssignmentID,
			"score", e.Record.Score,
			"deviation", assessment.Deviation,
			"reasons", assessment.Reasons,
		)
	}
	return assessment, nil
}

// Get returns a student's history.
func (s *Service) Get(ctx context.Context, studentID string) (*StudentHistory, error) {
	return s.store.Get(ctx, studentID)
}

// Students lists every student with a history.
func (s *Service) Students(ctx context.Context) ([]string, error) {
	return s.store.List(ctx)
}

func (s *Service) load(ctx context.Context, studentID string) (*StudentHistory, error) {
	h, err := s.store.Get(ctx, studentID)
	if errors.Is(err, ErrNotFound) {
		return New(studentID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return h, nil
}
