package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fyrsmithlabs/ledgerd/internal/config"
)

// NewTestStore opens a migrated SQLite store in tb's temp directory.
func NewTestStore(tb testing.TB) *Store {
	tb.Helper()
	s, err := Open(context.Background(), config.StoreConfig{
		Driver:      "sqlite",
		Path:        filepath.Join(tb.TempDir(), "ledgerd.db"),
		BusyTimeout: 10 * time.Second,
	}, nil)
	if err != nil {
		tb.Fatalf("open test store: %v", err)
	}
	tb.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		tb.Fatalf("migrate test store: %v", err)
	}
	return s
}

// SeedTask creates a project (if missing) and a pending task in it.
func SeedTask(tb testing.TB, s *Store, projectID, title string) *Task {
	tb.Helper()
	ctx := context.Background()
	if _, err := s.GetProject(ctx, projectID); err != nil {
		if err := s.CreateProject(ctx, &Project{ID: projectID, Name: projectID, BudgetLimit: 100}); err != nil {
			tb.Fatalf("seed project: %v", err)
		}
	}
	t := &Task{ProjectID: projectID, Title: title, Description: title}
	if err := s.CreateTask(ctx, t); err != nil {
		tb.Fatalf("seed task: %v", err)
	}
	return t
}
