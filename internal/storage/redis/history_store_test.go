package redis

import (
	"context"
	"errors"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/felixgeelhaar/proctor/internal/domain"
	"github.com/felixgeelhaar/proctor/internal/history"
)

func newTestStore(t *testing.T) (*HistoryStore, *miniredis.Miniredis) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewHistoryStore(client), server
}

func TestHistoryStore_SaveGet(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	h := history.New("jdoe")
	h.Insert(history.Entry{AssignmentID: "essay", SubmissionID: "s1", Record: domain.ScoreRecord{Score: 88}}, history.DefaultParams())
	if err := store.Save(ctx, h); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Get(ctx, "jdoe")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.StudentID != "jdoe" || len(got.Entries) != 1 || got.Entries[0].Record.Score != 88 {
		t.Errorf("Get() = %+v", got)
	}
}

func TestHistoryStore_NotFound(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Get(context.Background(), "ghost"); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("Get() error = %v; want ErrNotFound", err)
	}
}

func TestHistoryStore_Corrupt(t *testing.T) {
	store, server := newTestStore(t)
	server.Set(keyPrefix+"jdoe", "not json")

	if _, err := store.Get(context.Background(), "jdoe"); !errors.Is(err, history.ErrCorrupt) {
		t.Errorf("Get() error = %v; want ErrCorrupt", err)
	}
}

func TestHistoryStore_List(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	for _, id := range []string{"zed", "amy", "amy"} {
		if err := store.Save(ctx, history.New(id)); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	ids, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "amy" || ids[1] != "zed" {
		t.Errorf("List() = %v; want [amy zed]", ids)
	}
}

func TestConnect(t *testing.T) {
	server := miniredis.RunT(t)

	client, err := Connect(context.Background(), "redis://"+server.Addr())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if _, err := Connect(context.Background(), ""); err == nil {
		t.Error("Connect(\"\") error = nil")
	}
}
