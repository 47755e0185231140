package outranking

import "math"

// liveSet tracks which items of an immutable strict-relation matrix are still unranked.
// Rows and columns are never deleted; peeling a stratum only flips membership bits.
type liveSet struct {
	alive []bool
	order []int // live indices, ascending
}

func newLiveSet(n int) *liveSet {
	ls := &liveSet{
		alive: make([]bool, n),
		order: make([]int, n),
	}
	for i := 0; i < n; i++ {
		ls.alive[i] = true
		ls.order[i] = i
	}
	return ls
}

func (ls *liveSet) len() int { return len(ls.order) }

// remove drops the given indices and keeps order ascending.
func (ls *liveSet) remove(indices []int) {
	for _, i := range indices {
		ls.alive[i] = false
	}
	kept := ls.order[:0]
	for _, i := range ls.order {
		if ls.alive[i] {
			kept = append(kept, i)
		}
	}
	ls.order = kept
}

// nonDominance returns, for each live index, one minus the strongest strict outranking
// degree held against it by any other live item. Items nobody outranks score 1.
func nonDominance(s Matrix, live *liveSet) []float64 {
	degrees := make([]float64, live.len())
	for k, i := range live.order {
		strongest := 0.0
		for _, j := range live.order {
			if s[j][i] > strongest {
				strongest = s[j][i]
			}
		}
		degrees[k] = 1 - strongest
	}
	return degrees
}

// Stratify partitions the items of the strict relation s into strata of decreasing
// non-dominance. Each stratum lists item indices in ascending order.
//
// An item joins the current stratum when its degree is within tolerance of the best
// degree among the remaining items. A tolerance of 0 requires exact equality.
func Stratify(s Matrix, tolerance float64) ([][]int, error) {
	if !s.IsSquare() {
		return nil, invariantViolation("stratify", "strict relation matrix is not square")
	}
	if tolerance < 0 || math.IsNaN(tolerance) {
		return nil, invariantViolation("stratify", "tie tolerance %v must be >= 0", tolerance)
	}

	live := newLiveSet(s.Size())
	strata := make([][]int, 0, s.Size())

	for live.len() > 0 {
		degrees := nonDominance(s, live)

		best := math.Inf(-1)
		for _, d := range degrees {
			if d > best {
				best = d
			}
		}

		var stratum []int
		for k, i := range live.order {
			if degrees[k] >= best-tolerance {
				stratum = append(stratum, i)
			}
		}
		// NaN degrees never compare, which would otherwise stall the loop.
		if len(stratum) == 0 {
			return nil, invariantViolation("stratify", "no maximal item among %d remaining", live.len())
		}

		live.remove(stratum)
		strata = append(strata, stratum)
	}

	return strata, nil
}
