package batch

import (
	"fmt"
	"sync"
	"time"

	"github.com/felixgeelhaar/proctor/internal/dispatch"
	"github.com/felixgeelhaar/proctor/internal/domain"
	"github.com/felixgeelhaar/proctor/internal/merge"
)

// State of a batch session
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
	StateAborted   State = "aborted"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateStopped || s == StateAborted
}

// LogEntry is one line of a session's progress log.
type LogEntry struct {
	At      time.Time `json:"at"`
	TaskID  string    `json:"task_id,omitempty"`
	Message string    `json:"message"`
}

// TaskReport summarizes one task for callers.
type TaskReport struct {
	TaskID       string              `json:"task_id"`
	SubmissionID string              `json:"submission_id"`
	Filename     string              `json:"filename"`
	StudentID    string              `json:"student_id"`
	State        domain.TaskState    `json:"state"`
	Score        float64             `json:"score,omitempty"`
	LetterGrade  string              `json:"letter_grade,omitempty"`
	Outcome      merge.Outcome       `json:"outcome,omitempty"`
	Verification domain.Verification `json:"verification,omitempty"`
	Deviation    domain.Deviation    `json:"deviation,omitempty"`
	// PreviousScore is the authoritative score this attempt was compared to.
	PreviousScore *float64 `json:"previous_score,omitempty"`
	// KeptSubmissionID names the authoritative attempt when it is not this one.
	KeptSubmissionID string `json:"kept_submission_id,omitempty"`
	Error            string `json:"error,omitempty"`
}

// ChainReport is the audit view of one resubmission chain.
type ChainReport struct {
	Key             string   `json:"key"`
	AuthoritativeID string   `json:"authoritative_id,omitempty"`
	Score           float64  `json:"score"`
	Revision        int      `json:"revision"`
	Attempts        int      `json:"attempts"`
	Graded          int      `json:"graded"`
	Notes           []string `json:"notes,omitempty"`
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID        string        `json:"id"`
	State     State         `json:"state"`
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Fatal     string        `json:"fatal,omitempty"`
	LogTail   []LogEntry    `json:"log_tail"`
	Tasks     []TaskReport  `json:"tasks,omitempty"`
	Chains    []ChainReport `json:"chains,omitempty"`
	// Unprocessed lists descriptors that were never graded because the run
	// stopped or aborted first. A resume targets exactly these.
	Unprocessed []string  `json:"unprocessed,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// Done reports whether the session reached a terminal state.
func (s Snapshot) Done() bool {
	return s.State.Terminal()
}

// Session is one grading run. Counters and the log are written only by the
// session's aggregator goroutine.
type Session struct {
	ID        string
	CreatedAt time.Time

	request     Request
	descriptors map[string]domain.SubmissionDescriptor
	order       []string
	ledger      *merge.Ledger
	run         *dispatch.Run[TaskOutcome]
	logTail     int

	mu          sync.RWMutex
	state       State
	completed   int
	failed      int
	skipped     int
	fatal       error
	log         []LogEntry
	reports     map[string]TaskReport
	unprocessed []string
	finishedAt  time.Time

	done chan struct{}
}

func newSession(id string, req Request, logTail int) *Session {
	return &Session{
		ID:          id,
		CreatedAt:   time.Now(),
		request:     req,
		descriptors: make(map[string]domain.SubmissionDescriptor),
		reports:     make(map[string]TaskReport),
		logTail:     logTail,
		state:       StateCreated,
		done:        make(chan struct{}),
	}
}

// Done is closed once the session reached a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Snapshot returns the current progress.
func (s *Session) Snapshot() Snapshot {
	chains := s.Chains()

	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Chains:      chains,
		ID:          s.ID,
		State:       s.state,
		Total:       len(s.order),
		Completed:   s.completed,
		Failed:      s.failed,
		Skipped:     s.skipped,
		CreatedAt:   s.CreatedAt,
		FinishedAt:  s.finishedAt,
		Unprocessed: append([]string(nil), s.unprocessed...),
	}
	if s.fatal != nil {
		snap.Fatal = s.fatal.Error()
	}

	from := 0
	if s.logTail > 0 && len(s.log) > s.logTail {
		from = len(s.log) - s.logTail
	}
	snap.LogTail = append([]LogEntry(nil), s.log[from:]...)

	for _, id := range s.order {
		if r, ok := s.reports[id]; ok {
			snap.Tasks = append(snap.Tasks, r)
		}
	}
	return snap
}

// Log returns the full progress log.
func (s *Session) Log() []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]LogEntry(nil), s.log...)
}

// Chain returns the merge ledger's view of a chain in this session.
func (s *Session) Chain(key string) (merge.Chain, bool) {
	return s.ledger.Snapshot(key)
}

// Chains summarizes every chain in this session, ordered by key.
func (s *Session) Chains() []ChainReport {
	if s.ledger == nil {
		return nil
	}
	keys := s.ledger.Keys()
	out := make([]ChainReport, 0, len(keys))
	for _, key := range keys {
		c, ok := s.ledger.Snapshot(key)
		if !ok {
			continue
		}
		r := ChainReport{Key: key, Revision: c.Revision, Attempts: len(c.Entries)}
		for _, e := range c.Entries {
			if e.Graded {
				r.Graded++
			}
		}
		if cur, ok := c.Current(); ok {
			r.AuthoritativeID = cur.SubmissionID
			r.Score = cur.Record.Score
			r.Notes = append([]string(nil), cur.Record.Notes...)
		}
		out = append(out, r)
	}
	return out
}

// Err returns the fatal error, if the session aborted.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fatal
}

// stop asks the dispatcher to stop and waits for the session to settle.
func (s *Session) stop() {
	if s.run != nil {
		s.run.Stop()
	}
	<-s.done
}

func (s *Session) appendLog(taskID, format string, args ...any) {
	s.log = append(s.log, LogEntry{At: time.Now(), TaskID: taskID, Message: fmt.Sprintf(format, args...)})
}

// aggregate owns every counter and log mutation for the session's lifetime.
func (s *Session) aggregate() {
	for c := range s.run.Completions() {
		s.record(c)
	}
	fatal := s.run.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fatal = fatal
	switch {
	case fatal != nil:
		s.state = StateAborted
		s.appendLog("", "batch aborted: %v", fatal)
	case s.run.Stopped() && s.skipped > 0:
		s.state = StateStopped
		s.appendLog("", "batch stopped, %d submissions not graded", s.skipped)
	case s.run.Stopped():
		s.state = StateStopped
		s.appendLog("", "batch stopped")
	default:
		s.state = StateCompleted
		s.appendLog("", "batch completed: %d graded, %d failed", s.completed, s.failed)
	}
	s.finishedAt = time.Now()
	close(s.done)
}

func (s *Session) record(c dispatch.Completion[TaskOutcome]) {
	sub := c.Task.Submission
	report := TaskReport{
		TaskID:       c.Task.ID,
		SubmissionID: sub.ID,
		Filename:     sub.Filename,
		StudentID:    sub.StudentID,
		State:        c.State,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch c.State {
	case domain.TaskSucceeded:
		s.completed++
		o := c.Result
		report.Score = o.Record.Score
		report.LetterGrade = o.Record.LetterGrade
		report.Outcome = o.Decision.Outcome
		report.Verification = o.Verification
		report.Deviation = o.Assessment.Deviation
		if o.Decision.HasPrevious {
			prev := o.Decision.PreviousScore
			report.PreviousScore = &prev
		}
		if o.Decision.AuthoritativeID != "" && o.Decision.AuthoritativeID != sub.ID {
			report.KeptSubmissionID = o.Decision.AuthoritativeID
		}
		s.appendLog(c.Task.ID, "graded %s: %.1f (%s), %s", sub.Filename, o.Record.Score, o.Record.LetterGrade, o.Decision.Outcome)
		if report.KeptSubmissionID != "" {
			s.appendLog(c.Task.ID, "%s kept at %.1f over %s", report.KeptSubmissionID, o.Decision.Authoritative.Score, sub.Filename)
		}
		if o.Assessment.Deviation.Flagged() {
			s.appendLog(c.Task.ID, "%s flagged %s for review", sub.Filename, o.Assessment.Deviation)
		}
	case domain.TaskFailed:
		s.failed++
		report.Error = c.Err.Error()
		s.appendLog(c.Task.ID, "failed %s: %v", sub.Filename, c.Err)
	case domain.TaskCancelled:
		s.skipped++
		s.unprocessed = append(s.unprocessed, sub.ID)
		s.appendLog(c.Task.ID, "skipped %s", sub.Filename)
	}
	s.reports[c.Task.ID] = report
}
