package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/prplab/prioritizer/internal/tracing"
)

// pqUniqueViolation is the PostgreSQL error code for unique constraint violations.
const pqUniqueViolation = "23505"

const executionColumns = `id, prp_process_id, prp_execution_id, algorithm_id, status,
	criteria, issues, solution, error, attempts, created_at, updated_at`

// PostgresRepository implements Repository on the executions table.
type PostgresRepository struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{db: db, logger: logger, now: time.Now}
}

// Create inserts a new execution.
func (r *PostgresRepository) Create(ctx context.Context, e *Execution) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemPostgres, "executions", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	prepare(e, r.now().UTC())

	criteria, err := json.Marshal(e.Criteria)
	if err != nil {
		return fmt.Errorf("failed to encode criteria: %w", err)
	}
	issues, err := json.Marshal(e.Issues)
	if err != nil {
		return fmt.Errorf("failed to encode issues: %w", err)
	}
	solution, err := json.Marshal(e.Solution)
	if err != nil {
		return fmt.Errorf("failed to encode solution: %w", err)
	}

	query := `
		INSERT INTO executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = r.db.ExecContext(ctx, query,
		e.ID,
		e.ProcessID.String(),
		e.ExecutionRef.String(),
		e.AlgorithmID,
		string(e.Status),
		criteria,
		issues,
		solution,
		e.Error,
		e.Attempts,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return ErrExecutionExists
		}
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// Get loads an execution by id.
func (r *PostgresRepository) Get(ctx context.Context, id string) (e *Execution, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemPostgres, "executions", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`
	e, err = scanExecution(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return e, nil
}

// MarkRunning moves the execution to running and increments attempts.
func (r *PostgresRepository) MarkRunning(ctx context.Context, id string) (e *Execution, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemPostgres, "executions", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	query := `
		UPDATE executions
		SET status = $2, attempts = attempts + 1, error = '', updated_at = $3
		WHERE id = $1 AND status = ANY($4)
		RETURNING ` + executionColumns
	e, err = scanExecution(r.db.QueryRowContext(ctx, query,
		id, string(StatusRunning), r.now().UTC(), pq.Array(sourcesOf(StatusRunning))))
	if err == sql.ErrNoRows {
		return nil, r.explainMiss(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark execution running: %w", err)
	}
	return e, nil
}

// SaveSolution stores the solution and completes the execution.
func (r *PostgresRepository) SaveSolution(ctx context.Context, id string, solution []Assignment) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemPostgres, "executions", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	if solution == nil {
		solution = []Assignment{}
	}
	encoded, err := json.Marshal(solution)
	if err != nil {
		return fmt.Errorf("failed to encode solution: %w", err)
	}

	query := `
		UPDATE executions
		SET status = $2, solution = $3, error = '', updated_at = $4
		WHERE id = $1 AND status = ANY($5)
	`
	return r.execTransition(ctx, id, query,
		id, string(StatusCompleted), encoded, r.now().UTC(), pq.Array(sourcesOf(StatusCompleted)))
}

// MarkFailed records the failure reason.
func (r *PostgresRepository) MarkFailed(ctx context.Context, id, reason string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemPostgres, "executions", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	query := `
		UPDATE executions
		SET status = $2, error = $3, updated_at = $4
		WHERE id = $1 AND status = ANY($5)
	`
	return r.execTransition(ctx, id, query,
		id, string(StatusFailed), reason, r.now().UTC(), pq.Array(sourcesOf(StatusFailed)))
}

// MarkPending resets a failed execution for retry.
func (r *PostgresRepository) MarkPending(ctx context.Context, id string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemPostgres, "executions", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	query := `
		UPDATE executions
		SET status = $2, error = '', updated_at = $3
		WHERE id = $1 AND status = ANY($4)
	`
	return r.execTransition(ctx, id, query,
		id, string(StatusPending), r.now().UTC(), pq.Array(sourcesOf(StatusPending)))
}

// Ping verifies the database connection.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *PostgresRepository) execTransition(ctx context.Context, id, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return r.explainMiss(ctx, id)
	}
	return nil
}

// explainMiss distinguishes a missing row from a status guard that did not match.
func (r *PostgresRepository) explainMiss(ctx context.Context, id string) error {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM executions WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check execution existence: %w", err)
	}
	if !exists {
		return ErrExecutionNotFound
	}
	r.logger.Debug("execution status guard rejected update", slog.String("execution_id", id))
	return ErrInvalidTransition
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		e                          Execution
		processID, executionRef    string
		status                     string
		criteria, issues, solution []byte
	)
	err := row.Scan(
		&e.ID,
		&processID,
		&executionRef,
		&e.AlgorithmID,
		&status,
		&criteria,
		&issues,
		&solution,
		&e.Error,
		&e.Attempts,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.ProcessID = ID(processID)
	e.ExecutionRef = ID(executionRef)
	e.Status = Status(status)

	if err := json.Unmarshal(criteria, &e.Criteria); err != nil {
		return nil, fmt.Errorf("failed to decode criteria: %w", err)
	}
	if err := json.Unmarshal(issues, &e.Issues); err != nil {
		return nil, fmt.Errorf("failed to decode issues: %w", err)
	}
	if err := json.Unmarshal(solution, &e.Solution); err != nil {
		return nil, fmt.Errorf("failed to decode solution: %w", err)
	}
	return &e, nil
}
