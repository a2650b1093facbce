package mcp

import (
	"context"
	"fmt"
	"path/filepath"

	mcp "github.com/felixgeelhaar/mcp-go"
	"github.com/felixgeelhaar/mcp-go/server"

	"github.com/felixgeelhaar/proctor/internal/batch"
	"github.com/felixgeelhaar/proctor/internal/domain"
	"github.com/felixgeelhaar/proctor/internal/intake"
)

// Engine is the part of the batch engine the tools drive
type Engine interface {
	Start(ctx context.Context, req batch.Request) (*batch.Session, error)
	Poll(id string) (batch.Snapshot, error)
	Stop(id string) error
	Resume(ctx context.Context, id string) (*batch.Session, error)
}

// Server wraps the MCP server with grading tools
type Server struct {
	mcpServer *server.Server
	engine    Engine
	version   string
}

// Config contains configuration for the MCP server
type Config struct {
	Engine  Engine
	Version string
}

// NewServer creates a new MCP server for proctor
func NewServer(cfg Config) *Server {
	s := &Server{
		engine:  cfg.Engine,
		version: cfg.Version,
	}
	if s.version == "" {
		s.version = "dev"
	}

	s.mcpServer = server.New(server.Info{
		Name:    "proctor",
		Version: s.version,
	}, server.WithInstructions(`
Proctor grades batches of student submissions with an external grading model.

Available tools:
- proctor_grade_start: Grade a folder of submissions or an explicit list
- proctor_grade_poll: Check progress of a grading batch
- proctor_grade_stop: Stop a running batch
- proctor_grade_resume: Grade what a stopped or aborted batch left behind

A folder is read as <root>/<student>/<files>. Later versions of the same
assignment replace earlier grades only when they score at least as high.
`))

	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcpServer.Tool("proctor_grade_start").
		Description("Start grading a batch of submissions. Returns a batch ID to poll.").
		Handler(s.handleStart)

	s.mcpServer.Tool("proctor_grade_poll").
		Description("Get progress, recent log lines and per-file results of a batch.").
		Handler(s.handlePoll)

	s.mcpServer.Tool("proctor_grade_stop").
		Description("Stop a running batch. Files not yet graded are reported as unprocessed.").
		Handler(s.handleStop)

	s.mcpServer.Tool("proctor_grade_resume").
		Description("Start a new batch over the files a finished batch never graded.").
		Handler(s.handleResume)
}

type SubmissionInput struct {
	Path         string `json:"path" jsonschema:"description=Local path or s3://bucket/key of the file"`
	StudentID    string `json:"student_id,omitempty" jsonschema:"description=Student the file belongs to"`
	AssignmentID string `json:"assignment_id,omitempty" jsonschema:"description=Assignment the file answers"`
}

type StartInput struct {
	Dir            string            `json:"dir,omitempty" jsonschema:"description=Folder laid out as <student>/<files>"`
	Submissions    []SubmissionInput `json:"submissions,omitempty" jsonschema:"description=Explicit files to grade when no folder is given"`
	AssignmentID   string            `json:"assignment_id,omitempty" jsonschema:"description=Assignment every discovered file answers"`
	PrefixStudents bool              `json:"prefix_students,omitempty" jsonschema:"description=Read the student from <student>_<name> for top-level files"`
	Prompt         string            `json:"prompt,omitempty" jsonschema:"description=Extra grading instructions"`
	GradingNotes   string            `json:"grading_notes,omitempty" jsonschema:"description=Notes for the grader"`
	Markers        []string          `json:"markers,omitempty" jsonschema:"description=Phrases a good answer should contain"`
	Sections       []string          `json:"sections,omitempty" jsonschema:"description=Breakdown categories to score"`
}

type StartOutput struct {
	BatchID     string `json:"batch_id"`
	Submissions int    `json:"submissions"`
	Message     string `json:"message"`
}

type BatchInput struct {
	BatchID string `json:"batch_id" jsonschema:"description=Batch ID from proctor_grade_start"`
}

type PollOutput struct {
	BatchID     string              `json:"batch_id"`
	State       string              `json:"state"`
	Total       int                 `json:"total"`
	Completed   int                 `json:"completed"`
	Failed      int                 `json:"failed"`
	Skipped     int                 `json:"skipped"`
	Fatal       string              `json:"fatal,omitempty"`
	Log         []string            `json:"log"`
	Tasks       []batch.TaskReport  `json:"tasks,omitempty"`
	Chains      []batch.ChainReport `json:"chains,omitempty"`
	Unprocessed []string            `json:"unprocessed,omitempty"`
}

type StopOutput struct {
	Message     string   `json:"message"`
	Unprocessed []string `json:"unprocessed,omitempty"`
}

func (s *Server) handleStart(ctx context.Context, input StartInput) (StartOutput, error) {
	if s.engine == nil {
		return StartOutput{}, fmt.Errorf("grading engine is not configured")
	}

	subs, err := submissionsFor(input)
	if err != nil {
		return StartOutput{}, err
	}

	sess, err := s.engine.Start(ctx, batch.Request{
		Submissions: subs,
		Instructions: domain.Instructions{
			Markers:      input.Markers,
			GradingNotes: input.GradingNotes,
			Sections:     input.Sections,
			Prompt:       input.Prompt,
		},
	})
	if err != nil {
		return StartOutput{}, fmt.Errorf("failed to start batch: %w", err)
	}

	return StartOutput{
		BatchID:     sess.ID,
		Submissions: len(subs),
		Message:     fmt.Sprintf("Grading %d submissions. Poll proctor_grade_poll for progress.", len(subs)),
	}, nil
}

func submissionsFor(input StartInput) ([]domain.SubmissionDescriptor, error) {
	if input.Dir != "" {
		subs, err := intake.NewDiscoverer(input.Dir).Discover(intake.Options{
			PrefixStudents: input.PrefixStudents,
			AssignmentID:   input.AssignmentID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read submissions: %w", err)
		}
		return subs, nil
	}

	subs := make([]domain.SubmissionDescriptor, 0, len(input.Submissions))
	for _, in := range input.Submissions {
		if in.Path == "" {
			return nil, fmt.Errorf("%w: submission path is required", domain.ErrInvalidInput)
		}
		assignment := in.AssignmentID
		if assignment == "" {
			assignment = input.AssignmentID
		}
		subs = append(subs, domain.SubmissionDescriptor{
			ID:           in.Path,
			Filename:     filepath.Base(in.Path),
			Handle:       in.Path,
			StudentID:    in.StudentID,
			AssignmentID: assignment,
		})
	}
	return subs, nil
}

func (s *Server) handlePoll(ctx context.Context, input BatchInput) (PollOutput, error) {
	if s.engine == nil {
		return PollOutput{}, fmt.Errorf("grading engine is not configured")
	}
	snap, err := s.engine.Poll(input.BatchID)
	if err != nil {
		return PollOutput{}, err
	}
	return pollOutput(snap), nil
}

func pollOutput(snap batch.Snapshot) PollOutput {
	out := PollOutput{
		BatchID:     snap.ID,
		State:       string(snap.State),
		Total:       snap.Total,
		Completed:   snap.Completed,
		Failed:      snap.Failed,
		Skipped:     snap.Skipped,
		Fatal:       snap.Fatal,
		Tasks:       snap.Tasks,
		Chains:      snap.Chains,
		Unprocessed: snap.Unprocessed,
		Log:         make([]string, 0, len(snap.LogTail)),
	}
	for _, l := range snap.LogTail {
		out.Log = append(out.Log, fmt.Sprintf("%s %s", l.At.Format("15:04:05"), l.Message))
	}
	return out
}

func (s *Server) handleStop(ctx context.Context, input BatchInput) (StopOutput, error) {
	if s.engine == nil {
		return StopOutput{}, fmt.Errorf("grading engine is not configured")
	}
	if err := s.engine.Stop(input.BatchID); err != nil {
		return StopOutput{}, fmt.Errorf("failed to stop batch: %w", err)
	}
	snap, err := s.engine.Poll(input.BatchID)
	if err != nil {
		return StopOutput{}, err
	}
	return StopOutput{
		Message:     fmt.Sprintf("Batch %s: %d graded, %d failed", snap.State, snap.Completed, snap.Failed),
		Unprocessed: snap.Unprocessed,
	}, nil
}

func (s *Server) handleResume(ctx context.Context, input BatchInput) (StartOutput, error) {
	if s.engine == nil {
		return StartOutput{}, fmt.Errorf("grading engine is not configured")
	}
	sess, err := s.engine.Resume(ctx, input.BatchID)
	if err != nil {
		return StartOutput{}, fmt.Errorf("failed to resume batch: %w", err)
	}
	snap := sess.Snapshot()
	return StartOutput{
		BatchID:     sess.ID,
		Submissions: snap.Total,
		Message:     fmt.Sprintf("Resumed %d submissions from batch %s.", snap.Total, input.BatchID),
	}, nil
}

// ServeStdio starts the MCP server on stdio
func (s *Server) ServeStdio(ctx context.Context) error {
	return mcp.ServeStdio(ctx, s.mcpServer)
}

// ServeHTTP starts the MCP server on HTTP (alternative transport)
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	return mcp.ServeHTTP(ctx, s.mcpServer, addr)
}

// GetMCPServer returns the underlying MCP server (for testing)
func (s *Server) GetMCPServer() *server.Server {
	return s.mcpServer
}
