package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/felixgeelhaar/proctor/internal/batch"
	"github.com/felixgeelhaar/proctor/internal/merge"
	"github.com/felixgeelhaar/proctor/internal/storage"
)

// ResultStore implements result persistence backed by SQLite.
type ResultStore struct {
	db *DB
}

// NewResultStore creates a new SQLite-backed result store.
func NewResultStore(db *DB) *ResultStore {
	return &ResultStore{db: db}
}

// Persist inserts one authoritative result.
func (s *ResultStore) Persist(ctx context.Context, r batch.Result) error {
	record, err := json.Marshal(r.Record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	verification, err := json.Marshal(r.Verification)
	if err != nil {
		return fmt.Errorf("marshal verification: %w", err)
	}
	assessment, err := json.Marshal(r.Assessment)
	if err != nil {
		return fmt.Errorf("marshal assessment: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO results (batch_id, chain_key, revision, submission_id,
			student_id, assignment_id, filename, outcome, score,
			record, verification, assessment, graded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.BatchID, r.ChainKey, r.Revision, r.SubmissionID,
		r.StudentID, r.AssignmentID, r.Filename, string(r.Outcome), r.Record.Score,
		string(record), string(verification), string(assessment), r.GradedAt,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%w: %s revision %d", storage.ErrDuplicateRevision, r.ChainKey, r.Revision)
		}
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// Prior returns the latest persisted revision of a chain, or nil.
func (s *ResultStore) Prior(ctx context.Context, chainKey string) (*merge.Prior, error) {
	var p merge.Prior
	var record string
	err := s.db.QueryRowContext(ctx, `
		SELECT submission_id, record, revision
		FROM results WHERE chain_key = ?
		ORDER BY revision DESC LIMIT 1`, chainKey,
	).Scan(&p.SubmissionID, &record, &p.Revision)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query prior: %w", err)
	}
	if err := json.Unmarshal([]byte(record), &p.Record); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &p, nil
}

// ByBatch returns every result of a batch, newest first.
func (s *ResultStore) ByBatch(ctx context.Context, batchID string) ([]batch.Result, error) {
	rows, err := s.db.QueryContext(ctx, selectResults+`
		WHERE batch_id = ? ORDER BY graded_at DESC, id DESC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch results: %w", err)
	}
	defer rows.Close()
	return scanResults(rows)
}

// ByStudent returns a student's results, newest first. A non-positive limit
// returns all of them.
func (s *ResultStore) ByStudent(ctx context.Context, studentID string, limit int) ([]batch.Result, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectResults+`
		WHERE student_id = ? ORDER BY graded_at DESC, id DESC LIMIT ?`, studentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list student results: %w", err)
	}
	defer rows.Close()
	return scanResults(rows)
}

const selectResults = `
	SELECT batch_id, chain_key, revision, submission_id, student_id,
		assignment_id, filename, outcome, record, verification, assessment, graded_at
	FROM results`

func scanResults(rows *sql.Rows) ([]batch.Result, error) {
	var results []batch.Result
	for rows.Next() {
		var r batch.Result
		var outcome, record, verification, assessment string
		err := rows.Scan(
			&r.BatchID, &r.ChainKey, &r.Revision, &r.SubmissionID, &r.StudentID,
			&r.AssignmentID, &r.Filename, &outcome, &record, &verification, &assessment, &r.GradedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Outcome = merge.Outcome(outcome)
		if err := json.Unmarshal([]byte(record), &r.Record); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		if err := json.Unmarshal([]byte(verification), &r.Verification); err != nil {
			return nil, fmt.Errorf("unmarshal verification: %w", err)
		}
		if err := json.Unmarshal([]byte(assessment), &r.Assessment); err != nil {
			return nil, fmt.Errorf("unmarshal assessment: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
