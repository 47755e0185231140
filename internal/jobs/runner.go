package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/prplab/prioritizer/internal/execution"
	"github.com/prplab/prioritizer/internal/outranking"
	"github.com/prplab/prioritizer/internal/tracing"
)

// RankerSource resolves the ranker configured for an algorithm id.
type RankerSource interface {
	Ranker(algorithmID int) (*outranking.Ranker, error)
}

// JobMetrics provides centralized background job metrics tracking.
type JobMetrics interface {
	IncJobsTotal(jobType, status string)
	ObserveJobDuration(jobType string, seconds float64)
	IncJobErrors(jobType, errorType string)
	AddInFlight(jobType string, delta float64)
}

// RunnerConfig configures the ranking runner.
type RunnerConfig struct {
	// Workers is the number of concurrent ranking goroutines.
	Workers int
	// MaxAttempts bounds deliveries of a task after store failures.
	MaxAttempts int
	// RetryDelay is the wait before a failed task is re-enqueued.
	RetryDelay time.Duration
	// Timeout bounds a single task.
	Timeout time.Duration
	// PollInterval is used by tickets to observe progress made by other processes.
	PollInterval time.Duration
	// Logger for job activity.
	Logger *slog.Logger
	// Metrics for centralized background job tracking.
	Metrics JobMetrics
}

// Runner defaults.
const (
	DefaultWorkers     = 4
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 2 * time.Second
	DefaultTaskTimeout = 30 * time.Second
)

// Runner consumes ranking tasks from a queue and records results in the repository.
type Runner struct {
	config  RunnerConfig
	repo    execution.Repository
	queue   Queue
	rankers RankerSource

	ticketsMu sync.Mutex
	tickets   map[string]*Ticket

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// NewRunner creates a ranking runner.
func NewRunner(config RunnerConfig, repo execution.Repository, queue Queue, rankers RankerSource) *Runner {
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.RetryDelay < 0 {
		config.RetryDelay = 0
	} else if config.RetryDelay == 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTaskTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Runner{
		config:  config,
		repo:    repo,
		queue:   queue,
		rankers: rankers,
		tickets: make(map[string]*Ticket),
	}
}

// Submit enqueues a pending execution and returns a ticket tracking it.
func (r *Runner) Submit(ctx context.Context, executionID string) (*Ticket, error) {
	// An unresolved ticket for the same id is shared so earlier holders see the outcome too.
	r.ticketsMu.Lock()
	ticket, existing := r.tickets[executionID]
	if !existing {
		ticket = newTicket(executionID, r.repo, r.config.PollInterval)
		r.tickets[executionID] = ticket
	}
	r.ticketsMu.Unlock()

	task := Task{ExecutionID: executionID, Attempt: 1, EnqueuedAt: time.Now().UTC()}
	if err := r.queue.Enqueue(ctx, task); err != nil {
		if !existing {
			r.ticketsMu.Lock()
			if r.tickets[executionID] == ticket {
				delete(r.tickets, executionID)
			}
			r.ticketsMu.Unlock()
		}
		return nil, fmt.Errorf("failed to enqueue execution %s: %w", executionID, err)
	}

	r.config.Logger.Debug("ranking task enqueued", "execution_id", executionID)
	return ticket, nil
}

// Start launches the worker pool.
// Returns immediately; workers run in background goroutines until Stop or ctx is done.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.running = true
	r.cancel = cancel
	r.doneCh = make(chan struct{})
	doneCh := r.doneCh
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < r.config.Workers; i++ {
		worker := i
		g.Go(func() error {
			return r.work(gctx, worker)
		})
	}

	go func() {
		defer close(doneCh)
		if err := g.Wait(); err != nil {
			r.config.Logger.Error("ranking workers stopped with error", "error", err)
		}
	}()

	r.config.Logger.Info("ranking runner started", "workers", r.config.Workers)
	return nil
}

// Stop cancels the workers and waits for in-flight tasks to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	doneCh := r.doneCh
	r.mu.Unlock()

	cancel()
	<-doneCh

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	r.config.Logger.Info("ranking runner stopped")
}

// IsRunning returns whether the workers are running.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// work is the loop of one worker.
func (r *Runner) work(ctx context.Context, worker int) error {
	logger := r.config.Logger.With("worker", worker)
	for {
		task, err := r.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return nil
			}
			logger.Error("failed to dequeue ranking task", "error", err)
			r.incErrors(ErrorTypeQueue)
			if !sleepCtx(ctx, r.config.RetryDelay) {
				return nil
			}
			continue
		}
		r.handle(ctx, logger, task)
	}
}

// outcome classifies how a task ended.
type outcome int

const (
	outcomeDone outcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeRetry
)

// handle runs one task with tracing, metrics and retry bookkeeping.
func (r *Runner) handle(ctx context.Context, logger *slog.Logger, task Task) {
	start := time.Now()
	if r.config.Metrics != nil {
		r.config.Metrics.AddInFlight(JobTypeRanking, 1)
		defer r.config.Metrics.AddInFlight(JobTypeRanking, -1)
	}

	spanCtx, endSpan := tracing.StartSpan(ctx, "rank_execution",
		attribute.String("execution.id", task.ExecutionID),
		attribute.Int("attempt", task.Attempt),
	)
	result, err := r.process(spanCtx, logger, task)
	endSpan(err)

	duration := time.Since(start).Seconds()
	status := StatusSuccess
	switch result {
	case outcomeFailed:
		status = StatusFailure
	case outcomeSkipped:
		status = StatusSkipped
	case outcomeRetry:
		status = StatusRetry
	}
	if r.config.Metrics != nil {
		r.config.Metrics.IncJobsTotal(JobTypeRanking, status)
		r.config.Metrics.ObserveJobDuration(JobTypeRanking, duration)
	}

	if result == outcomeRetry {
		r.retry(ctx, logger, task, err)
		return
	}

	logger.Info("ranking task finished",
		"execution_id", task.ExecutionID,
		"attempt", task.Attempt,
		"status", status,
		"duration_seconds", duration)
}

// process ranks one execution. Store errors yield outcomeRetry; anything
// deterministic marks the execution failed.
func (r *Runner) process(ctx context.Context, logger *slog.Logger, task Task) (outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	id := task.ExecutionID
	e, err := r.repo.Get(ctx, id)
	if errors.Is(err, execution.ErrExecutionNotFound) {
		r.incErrors(ErrorTypeNotFound)
		r.resolve(id, nil, err)
		logger.Warn("ranking task for unknown execution dropped", "execution_id", id)
		return outcomeFailed, err
	}
	if err != nil {
		return r.storeFailure(ctx, err)
	}

	switch e.Status {
	case execution.StatusCompleted:
		r.resolve(id, e.Solution, nil)
		return outcomeSkipped, nil
	case execution.StatusFailed:
		r.resolve(id, nil, failedError(e.Error))
		return outcomeSkipped, nil
	}

	e, err = r.repo.MarkRunning(ctx, id)
	if errors.Is(err, execution.ErrInvalidTransition) {
		// Another worker finished it between Get and MarkRunning.
		return outcomeSkipped, nil
	}
	if err != nil {
		return r.storeFailure(ctx, err)
	}

	ranker, err := r.rankers.Ranker(e.AlgorithmID)
	if err != nil {
		r.incErrors(ErrorTypeAlgorithm)
		return r.fail(ctx, logger, id, fmt.Sprintf("algorithm %d: %v", e.AlgorithmID, err), err)
	}

	criteria, issues := e.Problem()
	solution, err := ranker.Rank(criteria, issues)
	if err != nil {
		r.incErrors(ErrorTypeRanking)
		return r.fail(ctx, logger, id, err.Error(), err)
	}

	assignments := execution.FromSolution(solution)
	if err := r.repo.SaveSolution(ctx, id, assignments); err != nil {
		if errors.Is(err, execution.ErrInvalidTransition) {
			return outcomeSkipped, nil
		}
		return r.storeFailure(ctx, err)
	}

	r.resolve(id, assignments, nil)
	return outcomeDone, nil
}

func (r *Runner) storeFailure(ctx context.Context, err error) (outcome, error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r.incErrors(ErrorTypeTimeout)
	} else {
		r.incErrors(ErrorTypeStore)
	}
	return outcomeRetry, err
}

// fail marks the execution failed. It uses a context detached from the task
// deadline so the failure is recorded even when the task timed out.
func (r *Runner) fail(ctx context.Context, logger *slog.Logger, id, reason string, cause error) (outcome, error) {
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := r.repo.MarkFailed(markCtx, id, reason); err != nil && !errors.Is(err, execution.ErrInvalidTransition) {
		logger.Error("failed to mark execution failed", "execution_id", id, "error", err)
	}
	logger.Warn("ranking execution failed",
		"execution_id", id,
		"reason", reason,
		"permanent", outranking.IsPermanent(cause))
	r.resolve(id, nil, failedError(reason))
	return outcomeFailed, cause
}

// retry re-enqueues the task after RetryDelay, or fails it once attempts are exhausted.
func (r *Runner) retry(ctx context.Context, logger *slog.Logger, task Task, cause error) {
	if task.Attempt >= r.config.MaxAttempts {
		r.incErrors(ErrorTypeExhausted)
		reason := fmt.Sprintf("gave up after %d attempts: %v", task.Attempt, cause)
		_, _ = r.fail(ctx, logger, task.ExecutionID, reason, cause)
		return
	}

	logger.Warn("ranking task will be retried",
		"execution_id", task.ExecutionID,
		"attempt", task.Attempt,
		"retry_delay", r.config.RetryDelay,
		"error", cause)

	if !sleepCtx(ctx, r.config.RetryDelay) {
		r.handBack(ctx, logger, task, cause)
		return
	}
	next := Task{ExecutionID: task.ExecutionID, Attempt: task.Attempt + 1, EnqueuedAt: time.Now().UTC()}
	if err := r.queue.Enqueue(ctx, next); err != nil {
		if ctx.Err() != nil {
			r.handBack(ctx, logger, task, cause)
			return
		}
		r.incErrors(ErrorTypeQueue)
		reason := fmt.Sprintf("re-enqueue failed: %v", err)
		_, _ = r.fail(ctx, logger, task.ExecutionID, reason, err)
	}
}

// handBack runs when the runner stops before a retry is due. The task goes
// back to the queue for the next runner; if the queue refuses it the execution
// is marked failed so it stays retryable instead of stuck in running.
func (r *Runner) handBack(ctx context.Context, logger *slog.Logger, task Task, cause error) {
	enqueueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	next := Task{ExecutionID: task.ExecutionID, Attempt: task.Attempt + 1, EnqueuedAt: time.Now().UTC()}
	err := r.queue.Enqueue(enqueueCtx, next)
	if err == nil {
		logger.Info("ranking task handed back to queue on stop",
			"execution_id", task.ExecutionID,
			"attempt", next.Attempt)
		return
	}

	r.incErrors(ErrorTypeQueue)
	reason := fmt.Sprintf("interrupted by shutdown after %v; queue refused the task: %v", cause, err)
	_, _ = r.fail(ctx, logger, task.ExecutionID, reason, err)
}

// resolve completes the local ticket for id, if any.
func (r *Runner) resolve(id string, solution []execution.Assignment, err error) {
	r.ticketsMu.Lock()
	ticket, ok := r.tickets[id]
	delete(r.tickets, id)
	r.ticketsMu.Unlock()

	if ok {
		ticket.resolve(solution, err)
	}
}

func (r *Runner) incErrors(errorType string) {
	if r.config.Metrics != nil {
		r.config.Metrics.IncJobErrors(JobTypeRanking, errorType)
	}
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
