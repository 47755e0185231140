// Package health turns the service's backing stores into readiness checks.
package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Check adapts a function to the api.HealthChecker interface.
type Check func(ctx context.Context) error

// HealthCheck runs the check.
func (c Check) HealthCheck(ctx context.Context) error {
	return c(ctx)
}

// Postgres reports the execution store ready once the executions table answers a
// query. A reachable server whose migrations have not run is not ready.
func Postgres(db *sql.DB) Check {
	return func(ctx context.Context) error {
		var one int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM executions LIMIT 1`).Scan(&one)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("postgres: %w", err)
		}
		return nil
	}
}

// Mongo pings the primary, which takes every execution write.
func Mongo(client *mongo.Client) Check {
	return func(ctx context.Context) error {
		if err := client.Ping(ctx, readpref.Primary()); err != nil {
			return fmt.Errorf("mongo: %w", err)
		}
		return nil
	}
}

// Backlog is implemented by task queues that can report how many tasks wait.
type Backlog interface {
	Len(ctx context.Context) (int64, error)
}

// Queue reports the task queue ready while its backlog can be read. For the Redis
// queue this also catches a queue key that holds something other than a list.
func Queue(q Backlog) Check {
	return func(ctx context.Context) error {
		if _, err := q.Len(ctx); err != nil {
			return fmt.Errorf("queue: %w", err)
		}
		return nil
	}
}
