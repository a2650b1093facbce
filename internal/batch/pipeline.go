package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/proctor/internal/dispatch"
	"github.com/felixgeelhaar/proctor/internal/domain"
	"github.com/felixgeelhaar/proctor/internal/grouping"
	"github.com/felixgeelhaar/proctor/internal/history"
	"github.com/felixgeelhaar/proctor/internal/merge"
)

// TaskOutcome is what a successful task hands back to the session.
type TaskOutcome struct {
	Record       domain.ScoreRecord
	Decision     merge.Decision
	Verification domain.Verification
	Assessment   domain.Assessment
}

// handler returns the per-task pipeline for a session: extract, grade, merge
// under the chain lock, then record history and persist on an authoritative
// transition.
func (e *Engine) handler(s *Session) dispatch.Handler[TaskOutcome] {
	return func(ctx context.Context, task domain.GradingTask) (TaskOutcome, error) {
		sub := task.Submission

		content, err := e.deps.Extractor.Extract(ctx, sub.Handle)
		if err != nil {
			return TaskOutcome{}, tagContent("extract", err)
		}
		if content.Empty() {
			return TaskOutcome{}, domain.ContentError("extract", fmt.Errorf("%w: %s is empty", domain.ErrUnreadableContent, sub.Filename))
		}

		ins := task.Instructions
		if ins.AssignmentConfigID == "" && !content.IsImage() {
			ins = e.instructionsFor(ins, sub.Filename, content.Text)
		}
		verification := domain.ClassifyVerification(ins)

		rec, err := e.deps.Grader.Grade(ctx, content, ins)
		if err != nil {
			return TaskOutcome{}, tagContent("grade", err)
		}
		if rec.Score < 0 || rec.Score > 100 {
			return TaskOutcome{}, domain.ContentError("grade", fmt.Errorf("%w: %v", domain.ErrScoreOutOfRange, rec.Score))
		}
		if rec.LetterGrade == "" {
			rec.LetterGrade = domain.LetterFor(rec.Score)
		}

		out := TaskOutcome{Record: rec, Verification: verification}
		key := e.deps.Grouper.ChainKey(sub)

		commit := func(ctx context.Context, d merge.Decision) error {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CommitTimeout)
			defer cancel()

			assessment, herr := e.recordHistory(ctx, sub, key, d)
			out.Assessment = assessment

			perr := e.deps.Sink.Persist(ctx, Result{
				BatchID:      s.ID,
				ChainKey:     key,
				Revision:     d.Revision,
				SubmissionID: sub.ID,
				StudentID:    sub.StudentID,
				AssignmentID: chainAssignment(key),
				Filename:     sub.Filename,
				Outcome:      d.Outcome,
				Record:       d.Authoritative,
				Verification: verification,
				Assessment:   assessment,
				GradedAt:     time.Now(),
			})
			if perr != nil {
				perr = fmt.Errorf("persist result: %w", perr)
			}
			return errors.Join(herr, perr)
		}

		d, err := s.ledger.Apply(ctx, key, sub.ID, grouping.HintFor(sub), rec, commit)
		if err != nil {
			return TaskOutcome{}, err
		}
		out.Decision = d
		return out, nil
	}
}

func (e *Engine) recordHistory(ctx context.Context, sub domain.SubmissionDescriptor, key string, d merge.Decision) (domain.Assessment, error) {
	if e.deps.History == nil || !sub.HasStudent() {
		return domain.Assessment{}, nil
	}
	a, err := e.deps.History.Record(ctx, sub.StudentID, history.Entry{
		AssignmentID: chainAssignment(key),
		SubmissionID: sub.ID,
		Record:       d.Authoritative,
	})
	if err != nil {
		return a, fmt.Errorf("record history: %w", err)
	}
	return a, nil
}

// chainAssignment extracts the normalized assignment from a chain key.
func chainAssignment(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '|' {
			return key[i+1:]
		}
	}
	return key
}

// tagContent leaves classified errors alone and marks the rest as content
// errors. Context expiry is passed through so the dispatcher can count it as
// a timeout.
func tagContent(op string, err error) error {
	if domain.IsTagged(err) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domain.ContentError(op, err)
}
