// Package postgres persists grading results in PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felixgeelhaar/proctor/internal/batch"
	"github.com/felixgeelhaar/proctor/internal/domain"
	"github.com/felixgeelhaar/proctor/internal/merge"
	"github.com/felixgeelhaar/proctor/internal/storage"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS results (
    id            BIGSERIAL PRIMARY KEY,
    batch_id      TEXT NOT NULL,
    chain_key     TEXT NOT NULL,
    revision      INTEGER NOT NULL,
    submission_id TEXT NOT NULL,
    student_id    TEXT NOT NULL DEFAULT '',
    assignment_id TEXT NOT NULL DEFAULT '',
    filename      TEXT NOT NULL DEFAULT '',
    outcome       TEXT NOT NULL,
    score         DOUBLE PRECISION NOT NULL,
    record        JSONB NOT NULL,
    verification  TEXT NOT NULL,
    assessment    JSONB NOT NULL,
    graded_at     TIMESTAMPTZ NOT NULL,
    UNIQUE (chain_key, revision)
);
CREATE INDEX IF NOT EXISTS idx_results_batch ON results(batch_id);
CREATE INDEX IF NOT EXISTS idx_results_student ON results(student_id, graded_at DESC);
`

// Open connects a pool and verifies connectivity.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// ResultStore implements result persistence using PostgreSQL
type ResultStore struct {
	pool *pgxpool.Pool
}

// Ensure ResultStore implements storage.ResultStore
var _ storage.ResultStore = (*ResultStore)(nil)

// NewResultStore creates a new PostgreSQL result store
func NewResultStore(pool *pgxpool.Pool) *ResultStore {
	return &ResultStore{pool: pool}
}

// Migrate creates the results table if it does not exist.
func (s *ResultStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate results: %w", err)
	}
	return nil
}

// Persist inserts one authoritative result
func (s *ResultStore) Persist(ctx context.Context, r batch.Result) error {
	record, err := json.Marshal(r.Record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	assessment, err := json.Marshal(r.Assessment)
	if err != nil {
		return fmt.Errorf("marshal assessment: %w", err)
	}

	query := `
		INSERT INTO results (batch_id, chain_key, revision, submission_id, student_id,
			assignment_id, filename, outcome, score, record, verification, assessment, graded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = s.pool.Exec(ctx, query,
		r.BatchID, r.ChainKey, r.Revision, r.SubmissionID, r.StudentID,
		r.AssignmentID, r.Filename, string(r.Outcome), r.Record.Score,
		record, string(r.Verification), assessment, r.GradedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s revision %d", storage.ErrDuplicateRevision, r.ChainKey, r.Revision)
		}
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// Prior returns the latest persisted revision of a chain, or nil
func (s *ResultStore) Prior(ctx context.Context, chainKey string) (*merge.Prior, error) {
	query := `
		SELECT submission_id, record, revision
		FROM results WHERE chain_key = $1
		ORDER BY revision DESC LIMIT 1
	`
	var p merge.Prior
	var record []byte
	err := s.pool.QueryRow(ctx, query, chainKey).Scan(&p.SubmissionID, &record, &p.Revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query prior: %w", err)
	}
	if err := json.Unmarshal(record, &p.Record); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &p, nil
}

const selectResults = `
	SELECT batch_id, chain_key, revision, submission_id, student_id, assignment_id,
		filename, outcome, record, verification, assessment, graded_at
	FROM results
`

// ByBatch retrieves every result of a batch, newest first
func (s *ResultStore) ByBatch(ctx context.Context, batchID string) ([]batch.Result, error) {
	rows, err := s.pool.Query(ctx, selectResults+`WHERE batch_id = $1 ORDER BY graded_at DESC, id DESC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch results: %w", err)
	}
	defer rows.Close()
	return s.scanResults(rows)
}

// ByStudent retrieves a student's results, newest first. A non-positive
// limit returns all of them.
func (s *ResultStore) ByStudent(ctx context.Context, studentID string, limit int) ([]batch.Result, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, selectResults+`WHERE student_id = $1 ORDER BY graded_at DESC, id DESC LIMIT $2`, studentID, lim)
	if err != nil {
		return nil, fmt.Errorf("list student results: %w", err)
	}
	defer rows.Close()
	return s.scanResults(rows)
}

func (s *ResultStore) scanResults(rows pgx.Rows) ([]batch.Result, error) {
	var results []batch.Result
	for rows.Next() {
		var r batch.Result
		var outcome, verification string
		var record, assessment []byte
		err := rows.Scan(
			&r.BatchID, &r.ChainKey, &r.Revision, &r.SubmissionID, &r.StudentID, &r.AssignmentID,
			&r.Filename, &outcome, &record, &verification, &assessment, &r.GradedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Outcome = merge.Outcome(outcome)
		r.Verification = domain.Verification(verification)
		if err := json.Unmarshal(record, &r.Record); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		if err := json.Unmarshal(assessment, &r.Assessment); err != nil {
			return nil, fmt.Errorf("unmarshal assessment: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
