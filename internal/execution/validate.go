package execution

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/prplab/prioritizer/internal/outranking"
)

// Input limits. Ranking holds a few issues-by-issues matrices and its time grows with
// issues squared times criteria.
const (
	MaxCriteria = 64
	MaxIssues   = 1000
)

// AlgorithmChecker reports whether an algorithm can be run.
type AlgorithmChecker interface {
	Executable(id int) bool
}

// CreateRequest is the payload submitted to start an execution.
type CreateRequest struct {
	ProcessID    ID          `json:"prp_process_id" yaml:"prp_process_id"`
	ExecutionRef ID          `json:"prp_execution_id" yaml:"prp_execution_id"`
	AlgorithmID  int         `json:"algorithm_id,omitempty" yaml:"algorithm_id"`
	Criteria     []Criterion `json:"criteria" yaml:"criteria"`
	Issues       []Issue     `json:"issues" yaml:"issues"`
}

// ValidationError lists every problem found in a request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid execution request: " + strings.Join(e.Problems, "; ")
}

// Validate checks the request against the ranking preconditions and returns a
// *ValidationError describing all problems, or nil. A nil checker skips the
// algorithm check; an AlgorithmID of zero is left for the caller to default.
func (r *CreateRequest) Validate(algorithms AlgorithmChecker) error {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if r.AlgorithmID < 0 {
		addf("algorithm_id %d is invalid", r.AlgorithmID)
	} else if r.AlgorithmID != 0 && algorithms != nil && !algorithms.Executable(r.AlgorithmID) {
		addf("algorithm %d is not executable", r.AlgorithmID)
	}

	switch {
	case len(r.Criteria) == 0:
		addf("at least one criterion is required")
	case len(r.Criteria) > MaxCriteria:
		addf("too many criteria: %d (max %d)", len(r.Criteria), MaxCriteria)
	}
	if len(r.Issues) > MaxIssues {
		addf("too many issues: %d (max %d)", len(r.Issues), MaxIssues)
	}

	criterionIDs := make(map[string]struct{}, len(r.Criteria))
	for i, c := range r.Criteria {
		id := c.ID.String()
		if id == "" {
			addf("criteria[%d]: id is required", i)
			continue
		}
		if _, dup := criterionIDs[id]; dup {
			addf("criteria[%d]: duplicate id %q", i, id)
			continue
		}
		criterionIDs[id] = struct{}{}
		if !(c.Weight > 0) || math.IsInf(c.Weight, 0) {
			addf("criterion %q: weight must be a positive finite number", id)
		}
	}

	issueIDs := make(map[string]struct{}, len(r.Issues))
	for i, issue := range r.Issues {
		id := issue.ID.String()
		if id == "" {
			addf("issues[%d]: id is required", i)
		} else if _, dup := issueIDs[id]; dup {
			addf("issues[%d]: duplicate id %q", i, id)
		} else {
			issueIDs[id] = struct{}{}
		}
		label := id
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}

		for _, c := range r.Criteria {
			if _, ok := issue.Evaluations[c.ID.String()]; !ok && c.ID != "" {
				addf("issue %q: missing evaluation for criterion %q", label, c.ID)
			}
		}
		keys := make([]string, 0, len(issue.Evaluations))
		for k := range issue.Evaluations {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := issue.Evaluations[k]
			if _, ok := criterionIDs[k]; !ok {
				addf("issue %q: unknown criterion %q", label, k)
				continue
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				addf("issue %q: evaluation for criterion %q must be finite", label, k)
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Problem converts the request into ranking input.
func (r *CreateRequest) Problem() ([]outranking.Criterion, []outranking.Issue) {
	return toProblem(r.Criteria, r.Issues)
}
