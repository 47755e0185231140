package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prplab/prioritizer/internal/execution"
)

// ErrExecutionFailed is wrapped by ticket errors for executions that ended in failed status.
var ErrExecutionFailed = errors.New("execution failed")

// DefaultPollInterval is how often Wait checks the repository for progress made elsewhere.
const DefaultPollInterval = 500 * time.Millisecond

// Ticket tracks a submitted execution until it completes or fails.
// The repository stays the source of truth: a ticket also resolves when another
// process finishes the execution.
type Ticket struct {
	executionID  string
	repo         execution.Repository
	pollInterval time.Duration

	done     chan struct{}
	once     sync.Once
	mu       sync.RWMutex
	err      error
	solution []execution.Assignment
}

func newTicket(id string, repo execution.Repository, pollInterval time.Duration) *Ticket {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Ticket{
		executionID:  id,
		repo:         repo,
		pollInterval: pollInterval,
		done:         make(chan struct{}),
	}
}

// ExecutionID returns the id of the tracked execution.
func (t *Ticket) ExecutionID() string { return t.executionID }

// Done is closed once the execution has completed or failed in this process.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Err returns the failure, or nil while running or after success.
func (t *Ticket) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// Solution returns the solution once the execution has completed.
func (t *Ticket) Solution() []execution.Assignment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.solution
}

// Wait blocks until the execution finishes or ctx is done.
func (t *Ticket) Wait(ctx context.Context) ([]execution.Assignment, error) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return t.Solution(), t.Err()
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if t.repo == nil {
				continue
			}
			e, err := t.repo.Get(ctx, t.executionID)
			if err != nil {
				if errors.Is(err, execution.ErrExecutionNotFound) {
					t.resolve(nil, err)
				}
				continue
			}
			switch e.Status {
			case execution.StatusCompleted:
				t.resolve(e.Solution, nil)
			case execution.StatusFailed:
				t.resolve(nil, failedError(e.Error))
			}
		}
	}
}

// resolve records the outcome. Only the first call has an effect.
func (t *Ticket) resolve(solution []execution.Assignment, err error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.solution = solution
		t.err = err
		t.mu.Unlock()
		close(t.done)
	})
}

func failedError(reason string) error {
	if reason == "" {
		return ErrExecutionFailed
	}
	return fmt.Errorf("%w: %s", ErrExecutionFailed, reason)
}
