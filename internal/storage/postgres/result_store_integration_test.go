//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/felixgeelhaar/proctor/internal/batch"
	"github.com/felixgeelhaar/proctor/internal/domain"
	"github.com/felixgeelhaar/proctor/internal/merge"
	"github.com/felixgeelhaar/proctor/internal/storage"
	"github.com/felixgeelhaar/proctor/internal/storage/postgres"
)

// setupPostgres starts a PostgreSQL container and returns a migrated store
func setupPostgres(t *testing.T) *postgres.ResultStore {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "proctor",
				"POSTGRES_PASSWORD": "proctor",
				"POSTGRES_DB":       "proctor",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("failed to get port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://proctor:proctor@%s:%s/proctor?sslmode=disable", host, port.Port())
	pool, err := postgres.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(pool.Close)

	store := postgres.NewResultStore(pool)
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return store
}

func TestIntegration_ResultStore(t *testing.T) {
	ctx := context.Background()
	store := setupPostgres(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	for i, score := range []float64{70, 85} {
		r := batch.Result{
			BatchID:      "b1",
			ChainKey:     "jdoe/essay",
			Revision:     i + 1,
			SubmissionID: fmt.Sprintf("s%d", i+1),
			StudentID:    "jdoe",
			Outcome:      merge.OutcomeImproved,
			Record:       domain.ScoreRecord{Score: score, LetterGrade: domain.LetterFor(score)},
			Verification: domain.Unverified,
			GradedAt:     now.Add(time.Duration(i) * time.Second),
		}
		if err := store.Persist(ctx, r); err != nil {
			t.Fatalf("Persist() error = %v", err)
		}
	}

	prior, err := store.Prior(ctx, "jdoe/essay")
	if err != nil {
		t.Fatalf("Prior() error = %v", err)
	}
	if prior == nil || prior.SubmissionID != "s2" || prior.Revision != 2 {
		t.Errorf("Prior() = %+v; want s2 revision 2", prior)
	}

	dup := batch.Result{BatchID: "b2", ChainKey: "jdoe/essay", Revision: 2, SubmissionID: "s9", GradedAt: now}
	if err := store.Persist(ctx, dup); !errors.Is(err, storage.ErrDuplicateRevision) {
		t.Errorf("Persist(duplicate) error = %v; want ErrDuplicateRevision", err)
	}

	results, err := store.ByStudent(ctx, "jdoe", 0)
	if err != nil {
		t.Fatalf("ByStudent() error = %v", err)
	}
	if len(results) != 2 || results[0].SubmissionID != "s2" || results[0].Verification != domain.Unverified {
		t.Errorf("ByStudent() = %+v", results)
	}

	results, _ = store.ByBatch(ctx, "b1")
	if len(results) != 2 {
		t.Errorf("ByBatch() = %d results; want 2", len(results))
	}
}
