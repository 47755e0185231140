package outranking

import "math"

// Criterion is one evaluation dimension with its relative importance.
type Criterion struct {
	ID     string
	Weight float64
}

// Issue is an item to rank together with one evaluation value per criterion.
type Issue struct {
	ID          string
	Evaluations map[string]float64
}

// NormalizeWeights rescales criterion weights into (0,1] by dividing each weight by the
// largest one. The most important criterion always maps to exactly 1.
func NormalizeWeights(criteria []Criterion) (map[string]float64, error) {
	if len(criteria) == 0 {
		return nil, invalidInput("normalize", "at least one criterion is required")
	}

	maxWeight := 0.0
	seen := make(map[string]struct{}, len(criteria))
	for _, c := range criteria {
		if _, dup := seen[c.ID]; dup {
			return nil, invalidInput("normalize", "duplicate criterion %q", c.ID)
		}
		seen[c.ID] = struct{}{}

		if math.IsNaN(c.Weight) || math.IsInf(c.Weight, 0) || c.Weight <= 0 {
			return nil, invalidInput("normalize", "criterion %q has non-positive or non-finite weight %v", c.ID, c.Weight)
		}
		if c.Weight > maxWeight {
			maxWeight = c.Weight
		}
	}

	normalized := make(map[string]float64, len(criteria))
	for _, c := range criteria {
		normalized[c.ID] = c.Weight / maxWeight
	}
	return normalized, nil
}
