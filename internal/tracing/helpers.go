package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DBSystem names the storage backend in db.system span attributes.
type DBSystem string

const (
	// DBSystemPostgres is PostgreSQL.
	DBSystemPostgres DBSystem = "postgresql"
	// DBSystemMongo is MongoDB.
	DBSystemMongo DBSystem = "mongodb"
	// DBSystemRedis is Redis.
	DBSystemRedis DBSystem = "redis"
)

// DBOperation represents the type of database operation being traced.
type DBOperation string

const (
	// DBOperationQuery represents a read.
	DBOperationQuery DBOperation = "query"
	// DBOperationInsert represents an insert.
	DBOperationInsert DBOperation = "insert"
	// DBOperationUpdate represents an update.
	DBOperationUpdate DBOperation = "update"
	// DBOperationDelete represents a delete.
	DBOperationDelete DBOperation = "delete"
	// DBOperationExec represents a generic command, such as a queue push or pop.
	DBOperationExec DBOperation = "exec"
)

// collectionAttribute returns the semantic attribute key for the table or collection.
func collectionAttribute(system DBSystem) attribute.Key {
	switch system {
	case DBSystemMongo:
		return "db.mongodb.collection"
	case DBSystemRedis:
		return "db.redis.key"
	default:
		return "db.sql.table"
	}
}

// StartDBSpan creates a new client span for a storage operation.
// Returns the new context and a function to end the span.
//
// Example usage:
//
//	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemPostgres, "executions", tracing.DBOperationQuery)
//	defer func() { endSpan(err) }()
func StartDBSpan(ctx context.Context, system DBSystem, table string, operation DBOperation) (context.Context, func(error)) {
	tracer := otel.Tracer("prioritizer/db")

	spanName := string(operation)
	if table != "" {
		spanName = spanName + " " + table
	}

	ctx, span := tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", string(system)),
			attribute.String("db.operation", string(operation)),
		),
	)

	if table != "" {
		span.SetAttributes(collectionAttribute(system).String(table))
	}

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// StartSpan creates a new span for a general operation.
// Returns the new context and a function to end the span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	tracer := otel.Tracer("prioritizer")

	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attrs...))

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attrs...)
}
