// Package redis keeps student histories in Redis so several workers can
// share them.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/felixgeelhaar/proctor/internal/history"
)

const (
	keyPrefix  = "proctor:history:"
	studentSet = "proctor:students"
)

// Connect configures a Redis client using the supplied URL.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url must not be empty")
	}

	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// HistoryStore stores each history as a JSON string and indexes students in
// a set.
type HistoryStore struct {
	client *redis.Client
}

// Ensure HistoryStore implements history.Store
var _ history.Store = (*HistoryStore)(nil)

// NewHistoryStore creates a Redis-backed history store.
func NewHistoryStore(client *redis.Client) *HistoryStore {
	return &HistoryStore{client: client}
}

func (s *HistoryStore) Get(ctx context.Context, studentID string) (*history.StudentHistory, error) {
	data, err := s.client.Get(ctx, keyPrefix+studentID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, history.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}

	var h history.StudentHistory
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", history.ErrCorrupt, err)
	}
	return &h, nil
}

func (s *HistoryStore) Save(ctx context.Context, h *history.StudentHistory) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, keyPrefix+h.StudentID, data, 0)
		pipe.SAdd(ctx, studentSet, h.StudentID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

// List returns every student with a history, sorted.
func (s *HistoryStore) List(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, studentSet).Result()
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}
