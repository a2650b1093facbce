// Package batch owns grading sessions: it groups submissions into chains,
// runs them through the dispatcher, merges results and reports progress.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/proctor/internal/dispatch"
	"github.com/felixgeelhaar/proctor/internal/domain"
	"github.com/felixgeelhaar/proctor/internal/grouping"
	"github.com/felixgeelhaar/proctor/internal/history"
	"github.com/felixgeelhaar/proctor/internal/merge"
)

var (
	// ErrSessionNotFound is returned for unknown session IDs
	ErrSessionNotFound = errors.New("session not found")

	// ErrEmptyBatch is returned when a batch has no submissions
	ErrEmptyBatch = errors.New("batch has no submissions")
)

// Extractor turns a caller-owned handle into gradeable content.
type Extractor interface {
	Extract(ctx context.Context, handle string) (domain.Content, error)
}

// Grader calls the external grading service.
type Grader interface {
	Grade(ctx context.Context, content domain.Content, ins domain.Instructions) (domain.ScoreRecord, error)
}

// Lookup finds the assignment configuration matching a filename or text.
type Lookup interface {
	Match(filename, text string) (domain.Instructions, bool)
}

// Request is one batch to grade.
type Request struct {
	Submissions []domain.SubmissionDescriptor `json:"submissions"`
	// Instructions apply to every submission; a matched assignment
	// configuration fills in whatever is left empty.
	Instructions domain.Instructions `json:"instructions"`
}

// Config holds engine configuration
type Config struct {
	Dispatch dispatch.Config
	// LogTail is how many log lines a snapshot carries.
	LogTail int
	// CommitTimeout bounds history update plus persistence of one result.
	CommitTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Dispatch:      dispatch.DefaultConfig(),
		LogTail:       20,
		CommitTimeout: 30 * time.Second,
	}
}

// Deps are the engine's collaborators. Extractor and Grader are required.
type Deps struct {
	Extractor Extractor
	Grader    Grader
	Lookup    Lookup
	Grouper   *grouping.Grouper
	History   *history.Service
	Sink      Sink
	Seeder    merge.Seeder
	Logger    *slog.Logger
}

// Engine runs grading sessions.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewEngine creates an engine
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Extractor == nil {
		return nil, fmt.Errorf("%w: extractor is required", domain.ErrInvalidInput)
	}
	if deps.Grader == nil {
		return nil, fmt.Errorf("%w: grader is required", domain.ErrInvalidInput)
	}
	if deps.Grouper == nil {
		deps.Grouper = grouping.New(nil)
	}
	if deps.Sink == nil {
		deps.Sink = discardSink{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.LogTail <= 0 {
		cfg.LogTail = DefaultConfig().LogTail
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = DefaultConfig().CommitTimeout
	}
	if cfg.Dispatch.Workers <= 0 {
		cfg.Dispatch.Workers = dispatch.DefaultConfig().Workers
	}
	if cfg.Dispatch.Logger == nil {
		cfg.Dispatch.Logger = deps.Logger
	}

	return &Engine{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger,
		sessions: make(map[string]*Session),
	}, nil
}

// Start groups the submissions into chains, dispatches one task per
// submission and returns the running session. The session outlives ctx;
// use Stop to end it early.
func (e *Engine) Start(ctx context.Context, req Request) (*Session, error) {
	return e.start(ctx, req, e.deps.Seeder)
}

func (e *Engine) start(ctx context.Context, req Request, seeder merge.Seeder) (*Session, error) {
	if len(req.Submissions) == 0 {
		return nil, ErrEmptyBatch
	}

	s := newSession(uuid.New().String(), req, e.cfg.LogTail)
	opts := []merge.Option{merge.WithLogger(e.logger)}
	if seeder != nil {
		opts = append(opts, merge.WithSeeder(seeder))
	}
	s.ledger = merge.NewLedger(opts...)

	subs := make([]domain.SubmissionDescriptor, len(req.Submissions))
	for i, d := range req.Submissions {
		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		if d.StudentID == "" {
			d.StudentID = domain.UnknownStudent
		}
		d.Discovery = i
		subs[i] = d
		s.descriptors[d.ID] = d
	}

	chains := e.deps.Grouper.Group(subs)
	for _, c := range chains {
		for _, m := range c.Members {
			s.ledger.Register(c.Key, m.Descriptor.ID, m.Hint)
		}
	}

	tasks := make([]domain.GradingTask, 0, len(subs))
	for _, d := range subs {
		task := domain.NewGradingTask(d, e.instructionsFor(req.Instructions, d.Filename, ""))
		tasks = append(tasks, task)
		s.order = append(s.order, task.ID)
	}

	d := dispatch.New(e.cfg.Dispatch, e.handler(s))
	s.mu.Lock()
	s.state = StateRunning
	s.appendLog("", "batch started: %d submissions in %d chains, %d workers", len(tasks), len(chains), d.Workers())
	s.mu.Unlock()

	s.run = d.Start(context.WithoutCancel(ctx), tasks)
	go s.aggregate()

	e.mu.Lock()
	e.sessions[s.ID] = s
	e.mu.Unlock()

	e.logger.Info("batch started",
		"batch_id", s.ID,
		"submissions", len(tasks),
		"chains", len(chains),
	)
	return s, nil
}

// Poll returns the progress of a session.
func (e *Engine) Poll(id string) (Snapshot, error) {
	s, err := e.session(id)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// Stop stops a session. It returns once no task of the session is running.
func (e *Engine) Stop(id string) error {
	s, err := e.session(id)
	if err != nil {
		return err
	}
	s.stop()
	e.logger.Info("batch stopped", "batch_id", id)
	return nil
}

// Wait blocks until the session is terminal or ctx is done.
func (e *Engine) Wait(ctx context.Context, id string) (Snapshot, error) {
	s, err := e.session(id)
	if err != nil {
		return Snapshot{}, err
	}
	select {
	case <-s.Done():
		return s.Snapshot(), nil
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}
}

// Resume starts a new session over the submissions an earlier session never
// graded. Chains continue from the earlier session's authoritative results
// when no persistent seeder is configured.
func (e *Engine) Resume(ctx context.Context, id string) (*Session, error) {
	s, err := e.session(id)
	if err != nil {
		return nil, err
	}
	snap := s.Snapshot()
	if !snap.Done() {
		return nil, fmt.Errorf("%w: session %s is still %s", domain.ErrInvalidInput, id, snap.State)
	}

	req := Request{Instructions: s.request.Instructions}
	for _, subID := range snap.Unprocessed {
		if d, ok := s.descriptors[subID]; ok {
			req.Submissions = append(req.Submissions, d)
		}
	}
	sort.SliceStable(req.Submissions, func(i, j int) bool {
		return req.Submissions[i].Discovery < req.Submissions[j].Discovery
	})

	seeder := e.deps.Seeder
	if seeder == nil {
		seeder = s.ledger
	}
	return e.start(ctx, req, seeder)
}

// Sessions lists known session IDs, newest first.
func (e *Engine) Sessions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	all := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	ids := make([]string, len(all))
	for i, s := range all {
		ids[i] = s.ID
	}
	return ids
}

// Close stops every running session.
func (e *Engine) Close() {
	e.mu.RLock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.RUnlock()

	for _, s := range sessions {
		s.stop()
	}
}

func (e *Engine) session(id string) (*Session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// instructionsFor fills the batch instructions from a matching assignment
// configuration, if any.
func (e *Engine) instructionsFor(base domain.Instructions, filename, text string) domain.Instructions {
	if e.deps.Lookup == nil || base.AssignmentConfigID != "" {
		return base
	}
	matched, ok := e.deps.Lookup.Match(filename, text)
	if !ok {
		return base
	}

	out := base
	out.AssignmentConfigID = matched.AssignmentConfigID
	if len(out.Markers) == 0 {
		out.Markers = matched.Markers
	}
	if out.GradingNotes == "" {
		out.GradingNotes = matched.GradingNotes
	}
	if len(out.Sections) == 0 {
		out.Sections = matched.Sections
	}
	if out.Prompt == "" {
		out.Prompt = matched.Prompt
	}
	return out
}
