package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/prplab/prioritizer/internal/tracing"
)

// MongoCollection is the collection executions are stored in.
const MongoCollection = "executions"

type executionDocument struct {
	ID           string               `bson:"_id"`
	ProcessID    string               `bson:"prp_process_id"`
	ExecutionRef string               `bson:"prp_execution_id"`
	AlgorithmID  int                  `bson:"algorithm_id"`
	Status       string               `bson:"status"`
	Criteria     []criterionDocument  `bson:"criteria"`
	Issues       []issueDocument      `bson:"issues"`
	Solution     []assignmentDocument `bson:"solution"`
	Error        string               `bson:"error"`
	Attempts     int                  `bson:"attempts"`
	CreatedAt    time.Time            `bson:"created_at"`
	UpdatedAt    time.Time            `bson:"updated_at"`
}

type criterionDocument struct {
	ID     string  `bson:"id"`
	Weight float64 `bson:"weight"`
}

// Evaluations are stored as a list since criterion ids may contain '.' or '$'.
type issueDocument struct {
	ID          string               `bson:"id"`
	Evaluations []evaluationDocument `bson:"evaluations"`
}

type evaluationDocument struct {
	CriterionID string  `bson:"criterion_id"`
	Value       float64 `bson:"value"`
}

type assignmentDocument struct {
	IssueID  string `bson:"issue_id"`
	Position int    `bson:"position"`
}

func toDocument(e *Execution) executionDocument {
	doc := executionDocument{
		ID:           e.ID,
		ProcessID:    e.ProcessID.String(),
		ExecutionRef: e.ExecutionRef.String(),
		AlgorithmID:  e.AlgorithmID,
		Status:       string(e.Status),
		Criteria:     make([]criterionDocument, len(e.Criteria)),
		Issues:       make([]issueDocument, len(e.Issues)),
		Solution:     toAssignmentDocuments(e.Solution),
		Error:        e.Error,
		Attempts:     e.Attempts,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
	for i, c := range e.Criteria {
		doc.Criteria[i] = criterionDocument{ID: c.ID.String(), Weight: c.Weight}
	}
	for i, issue := range e.Issues {
		evals := make([]evaluationDocument, 0, len(issue.Evaluations))
		// Keep criterion order so documents are stable.
		for _, c := range e.Criteria {
			if v, ok := issue.Evaluations[c.ID.String()]; ok {
				evals = append(evals, evaluationDocument{CriterionID: c.ID.String(), Value: v})
			}
		}
		doc.Issues[i] = issueDocument{ID: issue.ID.String(), Evaluations: evals}
	}
	return doc
}

func toAssignmentDocuments(solution []Assignment) []assignmentDocument {
	out := make([]assignmentDocument, len(solution))
	for i, a := range solution {
		out[i] = assignmentDocument{IssueID: a.IssueID.String(), Position: a.Position}
	}
	return out
}

func (d *executionDocument) toExecution() *Execution {
	e := &Execution{
		ID:           d.ID,
		ProcessID:    ID(d.ProcessID),
		ExecutionRef: ID(d.ExecutionRef),
		AlgorithmID:  d.AlgorithmID,
		Status:       Status(d.Status),
		Criteria:     make([]Criterion, len(d.Criteria)),
		Issues:       make([]Issue, len(d.Issues)),
		Solution:     make([]Assignment, len(d.Solution)),
		Error:        d.Error,
		Attempts:     d.Attempts,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
	for i, c := range d.Criteria {
		e.Criteria[i] = Criterion{ID: ID(c.ID), Weight: c.Weight}
	}
	for i, issue := range d.Issues {
		evals := make(map[string]float64, len(issue.Evaluations))
		for _, ev := range issue.Evaluations {
			evals[ev.CriterionID] = ev.Value
		}
		e.Issues[i] = Issue{ID: ID(issue.ID), Evaluations: evals}
	}
	for i, a := range d.Solution {
		e.Solution[i] = Assignment{IssueID: ID(a.IssueID), Position: a.Position}
	}
	return e
}

// MongoRepository implements Repository on a MongoDB collection.
type MongoRepository struct {
	coll   *mongo.Collection
	logger *slog.Logger
	now    func() time.Time
}

// NewMongoRepository creates a repository on the executions collection of db.
func NewMongoRepository(db *mongo.Database, logger *slog.Logger) *MongoRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &MongoRepository{
		coll:   db.Collection(MongoCollection),
		logger: logger,
		now:    time.Now,
	}
}

// Create inserts a new execution document.
func (r *MongoRepository) Create(ctx context.Context, e *Execution) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemMongo, MongoCollection, tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	// BSON dates carry millisecond precision.
	prepare(e, r.now().UTC().Truncate(time.Millisecond))

	if _, err = r.coll.InsertOne(ctx, toDocument(e)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrExecutionExists
		}
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// Get loads an execution by id.
func (r *MongoRepository) Get(ctx context.Context, id string) (e *Execution, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemMongo, MongoCollection, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var doc executionDocument
	err = r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return doc.toExecution(), nil
}

// MarkRunning moves the execution to running and increments attempts.
func (r *MongoRepository) MarkRunning(ctx context.Context, id string) (e *Execution, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemMongo, MongoCollection, tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	update := bson.M{
		"$set": bson.M{"status": string(StatusRunning), "error": "", "updated_at": r.now().UTC()},
		"$inc": bson.M{"attempts": 1},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc executionDocument
	err = r.coll.FindOneAndUpdate(ctx, guard(id, StatusRunning), update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, r.explainMiss(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark execution running: %w", err)
	}
	return doc.toExecution(), nil
}

// SaveSolution stores the solution and completes the execution.
func (r *MongoRepository) SaveSolution(ctx context.Context, id string, solution []Assignment) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemMongo, MongoCollection, tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	return r.updateGuarded(ctx, id, StatusCompleted, bson.M{
		"solution": toAssignmentDocuments(solution),
		"error":    "",
	})
}

// MarkFailed records the failure reason.
func (r *MongoRepository) MarkFailed(ctx context.Context, id, reason string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemMongo, MongoCollection, tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	return r.updateGuarded(ctx, id, StatusFailed, bson.M{"error": reason})
}

// MarkPending resets a failed execution for retry.
func (r *MongoRepository) MarkPending(ctx context.Context, id string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemMongo, MongoCollection, tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	return r.updateGuarded(ctx, id, StatusPending, bson.M{"error": ""})
}

// Ping checks the server connection.
func (r *MongoRepository) Ping(ctx context.Context) error {
	return r.coll.Database().Client().Ping(ctx, nil)
}

// guard matches the execution only while it may still enter status to.
func guard(id string, to Status) bson.M {
	return bson.M{"_id": id, "status": bson.M{"$in": sourcesOf(to)}}
}

func (r *MongoRepository) updateGuarded(ctx context.Context, id string, to Status, set bson.M) error {
	set["status"] = string(to)
	set["updated_at"] = r.now().UTC()

	result, err := r.coll.UpdateOne(ctx, guard(id, to), bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	if result.MatchedCount == 0 {
		return r.explainMiss(ctx, id)
	}
	return nil
}

func (r *MongoRepository) explainMiss(ctx context.Context, id string) error {
	n, err := r.coll.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to check execution existence: %w", err)
	}
	if n == 0 {
		return ErrExecutionNotFound
	}
	r.logger.Debug("execution status guard rejected update", slog.String("execution_id", id))
	return ErrInvalidTransition
}
