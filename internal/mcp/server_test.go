package mcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/felixgeelhaar/proctor/internal/batch"
	"github.com/felixgeelhaar/proctor/internal/dispatch"
	"github.com/felixgeelhaar/proctor/internal/domain"
)

type textExtractor struct{}

func (textExtractor) Extract(_ context.Context, handle string) (domain.Content, error) {
	return domain.Content{Text: filepath.Base(handle), MIMEType: "text/plain"}, nil
}

// gateGrader blocks every call until gate is closed.
type gateGrader struct {
	gate chan struct{}
}

func (g gateGrader) Grade(ctx context.Context, c domain.Content, ins domain.Instructions) (domain.ScoreRecord, error) {
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return domain.ScoreRecord{}, ctx.Err()
		}
	}
	return domain.ScoreRecord{Score: 80, Feedback: "ok"}, nil
}

func setupTestServer(t *testing.T, g gateGrader) *Server {
	t.Helper()

	cfg := batch.DefaultConfig()
	cfg.Dispatch = dispatch.Config{Workers: 1, CallTimeout: 5 * time.Second, TimeoutEscalation: 3}
	engine, err := batch.NewEngine(cfg, batch.Deps{
		Extractor: textExtractor{},
		Grader:    g,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	t.Cleanup(engine.Close)

	return NewServer(Config{Engine: engine, Version: "test"})
}

func waitDone(t *testing.T, s *Server, id string) PollOutput {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		out, err := s.handlePoll(context.Background(), BatchInput{BatchID: id})
		if err != nil {
			t.Fatalf("handlePoll() error = %v", err)
		}
		if batch.State(out.State).Terminal() {
			return out
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("batch %s did not finish", id)
	return PollOutput{}
}

func TestNewServer(t *testing.T) {
	server := setupTestServer(t, gateGrader{})

	if server.GetMCPServer() == nil {
		t.Fatal("expected non-nil MCP server")
	}
	if server.version != "test" {
		t.Errorf("version = %q; want test", server.version)
	}
}

func TestServerConfig(t *testing.T) {
	server := NewServer(Config{})
	if server == nil {
		t.Fatal("expected non-nil server even with nil config")
	}
	if server.version != "dev" {
		t.Errorf("version = %q; want dev", server.version)
	}

	if _, err := server.handleStart(context.Background(), StartInput{Dir: t.TempDir()}); err == nil {
		t.Error("handleStart() without engine error = nil")
	}
	if _, err := server.handlePoll(context.Background(), BatchInput{BatchID: "x"}); err == nil {
		t.Error("handlePoll() without engine error = nil")
	}
}

func TestGradeStartAndPoll_Dir(t *testing.T) {
	server := setupTestServer(t, gateGrader{})
	ctx := context.Background()

	root := t.TempDir()
	for _, f := range []string{"jdoe/essay_v1.txt", "jdoe/essay_v2.txt", "amy/essay.txt"} {
		path := filepath.Join(root, f)
		os.MkdirAll(filepath.Dir(path), 0755)
		if err := os.WriteFile(path, []byte("text"), 0644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}

	started, err := server.handleStart(ctx, StartInput{Dir: root, AssignmentID: "essay", Prompt: "be fair"})
	if err != nil {
		t.Fatalf("handleStart() error = %v", err)
	}
	if started.BatchID == "" || started.Submissions != 3 {
		t.Fatalf("handleStart() = %+v", started)
	}

	out := waitDone(t, server, started.BatchID)
	if out.State != string(batch.StateCompleted) {
		t.Errorf("State = %s; want completed", out.State)
	}
	if out.Total != 3 || out.Completed != 3 || out.Failed != 0 {
		t.Errorf("counters = %d/%d/%d; want 3/3/0", out.Total, out.Completed, out.Failed)
	}
	if len(out.Tasks) != 3 || len(out.Log) == 0 {
		t.Errorf("Tasks = %d, Log = %d", len(out.Tasks), len(out.Log))
	}
}

func TestGradeStart_Errors(t *testing.T) {
	server := setupTestServer(t, gateGrader{})
	ctx := context.Background()

	if _, err := server.handleStart(ctx, StartInput{}); !errors.Is(err, batch.ErrEmptyBatch) {
		t.Errorf("handleStart(empty) error = %v; want ErrEmptyBatch", err)
	}
	if _, err := server.handleStart(ctx, StartInput{Submissions: []SubmissionInput{{StudentID: "x"}}}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("handleStart(no path) error = %v; want ErrInvalidInput", err)
	}
	if _, err := server.handleStart(ctx, StartInput{Dir: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("handleStart(missing dir) error = nil")
	}
	if _, err := server.handlePoll(ctx, BatchInput{BatchID: "nope"}); !errors.Is(err, batch.ErrSessionNotFound) {
		t.Errorf("handlePoll(unknown) error = %v; want ErrSessionNotFound", err)
	}
}

func TestGradeStopAndResume(t *testing.T) {
	gate := make(chan struct{})
	server := setupTestServer(t, gateGrader{gate: gate})
	ctx := context.Background()

	started, err := server.handleStart(ctx, StartInput{Submissions: []SubmissionInput{
		{Path: "a.txt", StudentID: "s1"},
		{Path: "b.txt", StudentID: "s2"},
		{Path: "c.txt", StudentID: "s3"},
	}})
	if err != nil {
		t.Fatalf("handleStart() error = %v", err)
	}

	// Let the running call finish once stop has been requested.
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(gate)
	}()
	stopped, err := server.handleStop(ctx, BatchInput{BatchID: started.BatchID})
	if err != nil {
		t.Fatalf("handleStop() error = %v", err)
	}
	if len(stopped.Unprocessed) == 0 {
		t.Fatalf("handleStop() = %+v; want unprocessed submissions", stopped)
	}

	waitDone(t, server, started.BatchID)
	resumed, err := server.handleResume(ctx, BatchInput{BatchID: started.BatchID})
	if err != nil {
		t.Fatalf("handleResume() error = %v", err)
	}
	if resumed.BatchID == started.BatchID || resumed.Submissions != len(stopped.Unprocessed) {
		t.Errorf("handleResume() = %+v; want new batch over %d files", resumed, len(stopped.Unprocessed))
	}

	out := waitDone(t, server, resumed.BatchID)
	if out.Completed != resumed.Submissions {
		t.Errorf("resumed Completed = %d; want %d", out.Completed, resumed.Submissions)
	}
}

func TestPollOutput(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	out := pollOutput(batch.Snapshot{
		ID:      "b1",
		State:   batch.StateAborted,
		Fatal:   "grading service unavailable",
		LogTail: []batch.LogEntry{{At: at, Message: "batch aborted"}},
		Chains:  []batch.ChainReport{{Key: "s1|essay", AuthoritativeID: "b", Score: 85, Notes: []string{"resubmission c scored 60.0"}}},
	})
	if out.Log[0] != "09:30:00 batch aborted" {
		t.Errorf("Log[0] = %q", out.Log[0])
	}
	if out.State != "aborted" || out.Fatal == "" {
		t.Errorf("pollOutput() = %+v", out)
	}
	if len(out.Chains) != 1 || out.Chains[0].AuthoritativeID != "b" {
		t.Errorf("Chains = %+v; want the chain audit carried", out.Chains)
	}
}
