//go:build integration

package postgres

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/tunnelsecrets/internal/storage"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunRepository_RoundTrip(t *testing.T) {
	db := testDB(t)
	repo := NewRunRepository(db.GormDB())
	ctx := context.Background()
	project := "/test/" + uuid.NewString()

	run := &storage.Run{
		Project:        project,
		Trigger:        storage.TriggerCLI,
		Selector:       "dev",
		SelectorSource: "argument",
		Status:         "ok",
		Written:        1,
		StartedAt:      time.Now().Add(-time.Second),
		FinishedAt:     time.Now(),
		Steps: []storage.Step{
			{Seq: 0, Step: "config", Environment: "dev", Path: "dev.yml", Outcome: "written", Bytes: 10},
		},
	}
	if err := repo.Save(ctx, run); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := repo.Get(ctx, project, run.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Steps) != 1 || got.Steps[0].Bytes != 10 {
		t.Errorf("steps = %+v", got.Steps)
	}

	if _, err := repo.Get(ctx, "/other", run.ID); err == nil {
		t.Error("runs must be scoped to their project")
	}
}

func TestRunRepository_Prune(t *testing.T) {
	db := testDB(t)
	repo := NewRunRepository(db.GormDB())
	ctx := context.Background()
	project := "/test/" + uuid.NewString()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		run := &storage.Run{
			Project: project, Trigger: storage.TriggerSchedule, Selector: "dev", SelectorSource: "store", Status: "ok",
			StartedAt: base.Add(time.Duration(i) * time.Minute), FinishedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.Save(ctx, run); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := repo.Prune(ctx, project, 2)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if deleted != 3 {
		t.Errorf("deleted = %d, want 3", deleted)
	}
	runs, err := repo.List(ctx, project, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Errorf("remaining = %d, want 2", len(runs))
	}
}
