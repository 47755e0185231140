// Package execution holds ranking executions: the submitted problem, its lifecycle
// status and the solution once the ranking job completes.
package execution

import (
	"errors"
	"time"

	"github.com/prplab/prioritizer/internal/outranking"
)

// Status is the lifecycle state of an execution.
type Status string

// Execution statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	// ErrExecutionNotFound is returned when an execution does not exist.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionExists is returned when creating an execution whose id is taken.
	ErrExecutionExists = errors.New("execution already exists")

	// ErrInvalidTransition is returned when a status change is not allowed from the current status.
	ErrInvalidTransition = errors.New("invalid execution status transition")
)

// allowedFrom maps each target status to the statuses it may be entered from.
// Running re-enters itself so a worker can resume after a store failure.
var allowedFrom = map[Status][]Status{
	StatusRunning:   {StatusPending, StatusRunning},
	StatusCompleted: {StatusRunning},
	StatusFailed:    {StatusPending, StatusRunning},
	StatusPending:   {StatusFailed},
}

// CanTransition reports whether an execution in status s may move to status to.
func (s Status) CanTransition(to Status) bool {
	for _, from := range allowedFrom[to] {
		if from == s {
			return true
		}
	}
	return false
}

// sourcesOf returns the statuses an execution may be in before entering to.
func sourcesOf(to Status) []string {
	from := allowedFrom[to]
	out := make([]string, len(from))
	for i, s := range from {
		out[i] = string(s)
	}
	return out
}

// IsTerminal reports whether no further transitions are expected.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted
}

// Criterion is a weighted evaluation dimension.
type Criterion struct {
	ID     ID      `json:"id" yaml:"id"`
	Weight float64 `json:"weight" yaml:"weight"`
}

// Issue is an item to be ranked, evaluated on every criterion of its execution.
// Evaluations are keyed by criterion id.
type Issue struct {
	ID          ID                 `json:"id" yaml:"id"`
	Evaluations map[string]float64 `json:"evaluations" yaml:"evaluations"`
}

// Assignment is the rank position of one issue. Tied issues share a position.
type Assignment struct {
	IssueID  ID  `json:"issue_id"`
	Position int `json:"position"`
}

// Execution is one ranking run.
type Execution struct {
	ID           string       `json:"id"`
	ProcessID    ID           `json:"prp_process_id"`
	ExecutionRef ID           `json:"prp_execution_id"`
	AlgorithmID  int          `json:"algorithm_id"`
	Status       Status       `json:"status"`
	Criteria     []Criterion  `json:"criteria"`
	Issues       []Issue      `json:"issues"`
	Solution     []Assignment `json:"solution"`
	Error        string       `json:"error,omitempty"`
	Attempts     int          `json:"attempts"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Problem converts the stored criteria and issues into ranking input.
func (e *Execution) Problem() ([]outranking.Criterion, []outranking.Issue) {
	return toProblem(e.Criteria, e.Issues)
}

// Clone returns a deep copy of the execution.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	c.Criteria = append([]Criterion(nil), e.Criteria...)
	c.Issues = make([]Issue, len(e.Issues))
	for i, issue := range e.Issues {
		evals := make(map[string]float64, len(issue.Evaluations))
		for k, v := range issue.Evaluations {
			evals[k] = v
		}
		c.Issues[i] = Issue{ID: issue.ID, Evaluations: evals}
	}
	c.Solution = append([]Assignment{}, e.Solution...)
	return &c
}

func toProblem(criteria []Criterion, issues []Issue) ([]outranking.Criterion, []outranking.Issue) {
	oc := make([]outranking.Criterion, len(criteria))
	for i, c := range criteria {
		oc[i] = outranking.Criterion{ID: c.ID.String(), Weight: c.Weight}
	}
	oi := make([]outranking.Issue, len(issues))
	for i, issue := range issues {
		oi[i] = outranking.Issue{ID: issue.ID.String(), Evaluations: issue.Evaluations}
	}
	return oc, oi
}

// FromSolution converts a ranking solution into stored assignments.
func FromSolution(s outranking.Solution) []Assignment {
	out := make([]Assignment, len(s))
	for i, a := range s {
		out[i] = Assignment{IssueID: ID(a.IssueID), Position: a.Position}
	}
	return out
}
