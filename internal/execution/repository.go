package execution

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository persists executions and enforces status transitions.
type Repository interface {
	// Create stores a new execution. An empty ID is replaced by a generated UUID;
	// status defaults to pending and the solution to empty.
	Create(ctx context.Context, e *Execution) error

	// Get returns the execution with the given id or ErrExecutionNotFound.
	Get(ctx context.Context, id string) (*Execution, error)

	// MarkRunning moves the execution to running and increments its attempt count.
	MarkRunning(ctx context.Context, id string) (*Execution, error)

	// SaveSolution stores the solution and marks the execution completed in one update.
	SaveSolution(ctx context.Context, id string, solution []Assignment) error

	// MarkFailed marks the execution failed with a reason.
	MarkFailed(ctx context.Context, id, reason string) error

	// MarkPending resets a failed execution so it can be retried.
	MarkPending(ctx context.Context, id string) error

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error
}

// prepare fills defaults for a new execution.
func prepare(e *Execution, now time.Time) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	if e.Solution == nil {
		e.Solution = []Assignment{}
	}
	if e.Criteria == nil {
		e.Criteria = []Criterion{}
	}
	if e.Issues == nil {
		e.Issues = []Issue{}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = e.CreatedAt
}

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu         sync.RWMutex
	executions map[string]*Execution
	now        func() time.Time
}

// NewInMemoryRepository creates a new in-memory execution repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		executions: make(map[string]*Execution),
		now:        time.Now,
	}
}

// Create stores a copy of e. e.ID and the defaulted fields are set on the caller's value.
func (r *InMemoryRepository) Create(ctx context.Context, e *Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prepare(e, r.now())
	if _, exists := r.executions[e.ID]; exists {
		return ErrExecutionExists
	}

	// Store a copy to prevent external mutation
	r.executions[e.ID] = e.Clone()
	return nil
}

// Get returns a copy of the execution.
func (r *InMemoryRepository) Get(ctx context.Context, id string) (*Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return e.Clone(), nil
}

// MarkRunning moves a pending or running execution to running.
func (r *InMemoryRepository) MarkRunning(ctx context.Context, id string) (*Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.transition(id, StatusRunning)
	if err != nil {
		return nil, err
	}
	e.Attempts++
	e.Error = ""
	return e.Clone(), nil
}

// SaveSolution completes a running execution.
func (r *InMemoryRepository) SaveSolution(ctx context.Context, id string, solution []Assignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.transition(id, StatusCompleted)
	if err != nil {
		return err
	}
	e.Solution = append([]Assignment{}, solution...)
	e.Error = ""
	return nil
}

// MarkFailed fails a pending or running execution.
func (r *InMemoryRepository) MarkFailed(ctx context.Context, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.transition(id, StatusFailed)
	if err != nil {
		return err
	}
	e.Error = reason
	return nil
}

// MarkPending resets a failed execution.
func (r *InMemoryRepository) MarkPending(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.transition(id, StatusPending)
	if err != nil {
		return err
	}
	e.Error = ""
	return nil
}

// Ping always succeeds.
func (r *InMemoryRepository) Ping(ctx context.Context) error {
	return nil
}

// transition must be called with r.mu held.
func (r *InMemoryRepository) transition(id string, to Status) (*Execution, error) {
	e, ok := r.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	if !e.Status.CanTransition(to) {
		return nil, ErrInvalidTransition
	}
	e.Status = to
	e.UpdatedAt = r.now()
	return e, nil
}
