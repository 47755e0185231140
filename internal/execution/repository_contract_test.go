package execution

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func sampleExecution() *Execution {
	return &Execution{
		ProcessID:    "7",
		ExecutionRef: "42",
		AlgorithmID:  3,
		Criteria: []Criterion{
			{ID: "1", Weight: 2},
			{ID: "cost.total", Weight: 1},
		},
		Issues: []Issue{
			{ID: "10", Evaluations: map[string]float64{"1": 80, "cost.total": 20}},
			{ID: "11", Evaluations: map[string]float64{"1": 40, "cost.total": 60}},
		},
	}
}

// runRepositoryContract exercises the lifecycle every Repository implementation must honour.
func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()

	t.Run("create defaults", func(t *testing.T) {
		repo := newRepo(t)
		e := sampleExecution()
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if e.ID == "" {
			t.Fatal("Create() did not assign an id")
		}

		got, err := repo.Get(ctx, e.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Status != StatusPending {
			t.Errorf("Status = %q, want %q", got.Status, StatusPending)
		}
		if got.Solution == nil || len(got.Solution) != 0 {
			t.Errorf("Solution = %v, want empty non-nil", got.Solution)
		}
		if got.ProcessID != "7" || got.ExecutionRef != "42" || got.AlgorithmID != 3 {
			t.Errorf("Get() = %+v, identifiers not preserved", got)
		}
		if !reflect.DeepEqual(got.Criteria, e.Criteria) {
			t.Errorf("Criteria = %v, want %v", got.Criteria, e.Criteria)
		}
		if !reflect.DeepEqual(got.Issues, e.Issues) {
			t.Errorf("Issues = %v, want %v", got.Issues, e.Issues)
		}
	})

	t.Run("duplicate id", func(t *testing.T) {
		repo := newRepo(t)
		e := sampleExecution()
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		dup := sampleExecution()
		dup.ID = e.ID
		if err := repo.Create(ctx, dup); !errors.Is(err, ErrExecutionExists) {
			t.Errorf("Create() duplicate error = %v, want %v", err, ErrExecutionExists)
		}
	})

	t.Run("not found", func(t *testing.T) {
		repo := newRepo(t)
		if _, err := repo.Get(ctx, "missing"); !errors.Is(err, ErrExecutionNotFound) {
			t.Errorf("Get() error = %v, want %v", err, ErrExecutionNotFound)
		}
		if _, err := repo.MarkRunning(ctx, "missing"); !errors.Is(err, ErrExecutionNotFound) {
			t.Errorf("MarkRunning() error = %v, want %v", err, ErrExecutionNotFound)
		}
		if err := repo.MarkFailed(ctx, "missing", "x"); !errors.Is(err, ErrExecutionNotFound) {
			t.Errorf("MarkFailed() error = %v, want %v", err, ErrExecutionNotFound)
		}
	})

	t.Run("complete", func(t *testing.T) {
		repo := newRepo(t)
		e := sampleExecution()
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		running, err := repo.MarkRunning(ctx, e.ID)
		if err != nil {
			t.Fatalf("MarkRunning() error = %v", err)
		}
		if running.Status != StatusRunning || running.Attempts != 1 {
			t.Errorf("MarkRunning() = status %q attempts %d, want running/1", running.Status, running.Attempts)
		}

		solution := []Assignment{{IssueID: "10", Position: 1}, {IssueID: "11", Position: 2}}
		if err := repo.SaveSolution(ctx, e.ID, solution); err != nil {
			t.Fatalf("SaveSolution() error = %v", err)
		}

		got, err := repo.Get(ctx, e.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Status != StatusCompleted {
			t.Errorf("Status = %q, want %q", got.Status, StatusCompleted)
		}
		if !reflect.DeepEqual(got.Solution, solution) {
			t.Errorf("Solution = %v, want %v", got.Solution, solution)
		}

		if _, err := repo.MarkRunning(ctx, e.ID); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("MarkRunning() after completion error = %v, want %v", err, ErrInvalidTransition)
		}
		if err := repo.MarkFailed(ctx, e.ID, "late"); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("MarkFailed() after completion error = %v, want %v", err, ErrInvalidTransition)
		}
	})

	t.Run("fail and retry", func(t *testing.T) {
		repo := newRepo(t)
		e := sampleExecution()
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if err := repo.MarkPending(ctx, e.ID); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("MarkPending() on pending error = %v, want %v", err, ErrInvalidTransition)
		}
		if _, err := repo.MarkRunning(ctx, e.ID); err != nil {
			t.Fatalf("MarkRunning() error = %v", err)
		}
		if err := repo.MarkFailed(ctx, e.ID, "store unavailable"); err != nil {
			t.Fatalf("MarkFailed() error = %v", err)
		}

		got, _ := repo.Get(ctx, e.ID)
		if got.Status != StatusFailed || got.Error != "store unavailable" {
			t.Errorf("Get() = status %q error %q, want failed with reason", got.Status, got.Error)
		}
		if err := repo.SaveSolution(ctx, e.ID, nil); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("SaveSolution() on failed error = %v, want %v", err, ErrInvalidTransition)
		}

		if err := repo.MarkPending(ctx, e.ID); err != nil {
			t.Fatalf("MarkPending() error = %v", err)
		}
		running, err := repo.MarkRunning(ctx, e.ID)
		if err != nil {
			t.Fatalf("MarkRunning() after retry error = %v", err)
		}
		if running.Attempts != 2 || running.Error != "" {
			t.Errorf("MarkRunning() = attempts %d error %q, want 2 and cleared", running.Attempts, running.Error)
		}
	})
}
