package outranking

import "math"

// DefaultScale is the evaluation range assumed when none is configured (values on 0-100).
const DefaultScale = 100.0

// DefaultTieTolerance keeps exact floating-point equality for stratum membership.
const DefaultTieTolerance = 0.0

// Config tunes the ranking procedure.
type Config struct {
	// Scale is the divisor used to normalize evaluation gaps into the preference range.
	// Zero means DefaultScale.
	Scale float64

	// TieTolerance is the absolute slack allowed when grouping items into a stratum.
	// Zero keeps exact equality.
	TieTolerance float64
}

// Ranker runs the outranking procedure with a fixed configuration.
// It holds no mutable state and is safe for concurrent use.
type Ranker struct {
	scale     float64
	tolerance float64
}

// NewRanker validates cfg and returns a Ranker.
func NewRanker(cfg Config) (*Ranker, error) {
	if cfg.Scale == 0 {
		cfg.Scale = DefaultScale
	}
	if cfg.Scale < 0 || math.IsNaN(cfg.Scale) || math.IsInf(cfg.Scale, 0) {
		return nil, invalidInput("config", "scale %v must be a positive finite number", cfg.Scale)
	}
	if cfg.TieTolerance < 0 || math.IsNaN(cfg.TieTolerance) || math.IsInf(cfg.TieTolerance, 0) {
		return nil, invalidInput("config", "tie tolerance %v must be a non-negative finite number", cfg.TieTolerance)
	}
	return &Ranker{scale: cfg.Scale, tolerance: cfg.TieTolerance}, nil
}

// Scale returns the configured evaluation scale.
func (r *Ranker) Scale() float64 { return r.scale }

// TieTolerance returns the configured tie tolerance.
func (r *Ranker) TieTolerance() float64 { return r.tolerance }

var defaultRanker = &Ranker{scale: DefaultScale, tolerance: DefaultTieTolerance}

// Rank ranks issues under criteria with the default configuration.
func Rank(criteria []Criterion, issues []Issue) (Solution, error) {
	return defaultRanker.Rank(criteria, issues)
}

// Rank returns one assignment per issue, ordered by position.
func (r *Ranker) Rank(criteria []Criterion, issues []Issue) (Solution, error) {
	strata, ids, err := r.stratify(criteria, issues)
	if err != nil {
		return nil, err
	}
	return Assemble(strata, ids)
}

// Strata returns the ordered strata as issue ids, most non-dominated first.
func (r *Ranker) Strata(criteria []Criterion, issues []Issue) ([][]string, error) {
	strata, ids, err := r.stratify(criteria, issues)
	if err != nil {
		return nil, err
	}
	return strataIDs(strata, ids), nil
}

// RankWithStrata returns what Rank and Strata return while running the procedure once.
func (r *Ranker) RankWithStrata(criteria []Criterion, issues []Issue) (Solution, [][]string, error) {
	strata, ids, err := r.stratify(criteria, issues)
	if err != nil {
		return nil, nil, err
	}
	solution, err := Assemble(strata, ids)
	if err != nil {
		return nil, nil, err
	}
	return solution, strataIDs(strata, ids), nil
}

func strataIDs(strata [][]int, ids []string) [][]string {
	out := make([][]string, len(strata))
	for k, stratum := range strata {
		out[k] = make([]string, len(stratum))
		for n, idx := range stratum {
			out[k][n] = ids[idx]
		}
	}
	return out
}

// stratify keeps a single running global matrix; each criterion is folded into it as
// its comparison is computed, so memory stays quadratic in the number of issues.
func (r *Ranker) stratify(criteria []Criterion, issues []Issue) ([][]int, []string, error) {
	weights, err := NormalizeWeights(criteria)
	if err != nil {
		return nil, nil, err
	}
	ids, err := checkIssues(criteria, issues)
	if err != nil {
		return nil, nil, err
	}
	if len(issues) == 0 {
		return nil, ids, nil
	}

	global := NewUnitMatrix(len(issues))
	values := make([]float64, len(issues))
	for _, c := range criteria {
		for i, issue := range issues {
			values[i] = issue.Evaluations[c.ID]
		}
		if err := FoldCriterion(global, values, r.scale, weights[c.ID]); err != nil {
			return nil, nil, err
		}
	}

	strict, err := StrictRelation(global)
	if err != nil {
		return nil, nil, err
	}
	strata, err := Stratify(strict, r.tolerance)
	if err != nil {
		return nil, nil, err
	}
	return strata, ids, nil
}

// checkIssues enforces that ids are unique and that every issue is evaluated on exactly
// the criteria of the run with finite values.
func checkIssues(criteria []Criterion, issues []Issue) ([]string, error) {
	ids := make([]string, len(issues))
	seen := make(map[string]struct{}, len(issues))
	for i, issue := range issues {
		if _, dup := seen[issue.ID]; dup {
			return nil, invalidInput("rank", "duplicate issue %q", issue.ID)
		}
		seen[issue.ID] = struct{}{}
		ids[i] = issue.ID

		if len(issue.Evaluations) != len(criteria) {
			return nil, invalidInput("rank", "issue %q has %d evaluations, want %d", issue.ID, len(issue.Evaluations), len(criteria))
		}
		for _, c := range criteria {
			v, ok := issue.Evaluations[c.ID]
			if !ok {
				return nil, invalidInput("rank", "issue %q has no evaluation for criterion %q", issue.ID, c.ID)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, invalidInput("rank", "issue %q has non-finite evaluation %v for criterion %q", issue.ID, v, c.ID)
			}
		}
	}
	return ids, nil
}
