package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/proctor/internal/history"
)

// HistoryStore implements student history persistence backed by SQLite.
type HistoryStore struct {
	db *DB
}

// NewHistoryStore creates a new SQLite-backed history store.
func NewHistoryStore(db *DB) *HistoryStore {
	return &HistoryStore{db: db}
}

func (s *HistoryStore) Get(ctx context.Context, studentID string) (*history.StudentHistory, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM histories WHERE student_id = ?", studentID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, history.ErrNotFound
		}
		return nil, fmt.Errorf("query history: %w", err)
	}

	var h history.StudentHistory
	if err := json.Unmarshal([]byte(data), &h); err != nil {
		return nil, fmt.Errorf("%w: %v", history.ErrCorrupt, err)
	}
	return &h, nil
}

// Save persists a history (insert or update).
func (s *HistoryStore) Save(ctx context.Context, h *history.StudentHistory) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO histories (student_id, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(student_id) DO UPDATE SET
			data=excluded.data,
			updated_at=excluded.updated_at`,
		h.StudentID, string(data), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("upsert history: %w", err)
	}
	return nil
}

// List returns all student IDs with a history.
func (s *HistoryStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT student_id FROM histories ORDER BY student_id")
	if err != nil {
		return nil, fmt.Errorf("list histories: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan student id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
