package outranking

// Assignment places one issue at a rank position. Tied issues share a position.
type Assignment struct {
	IssueID  string
	Position int
}

// Solution is the ranking of every input issue, ordered by position.
type Solution []Assignment

// Assemble turns ordered strata of item indices into positions. The first stratum gets
// position 1; every later stratum starts at the previous position plus the size of the
// previous stratum, leaving a gap after ties.
func Assemble(strata [][]int, ids []string) (Solution, error) {
	placed := make([]bool, len(ids))
	solution := make(Solution, 0, len(ids))

	position := 1
	for _, stratum := range strata {
		for _, idx := range stratum {
			if idx < 0 || idx >= len(ids) {
				return nil, invariantViolation("assemble", "item index %d out of range [0,%d)", idx, len(ids))
			}
			if placed[idx] {
				return nil, invariantViolation("assemble", "item %q placed in more than one stratum", ids[idx])
			}
			placed[idx] = true
			solution = append(solution, Assignment{IssueID: ids[idx], Position: position})
		}
		position += len(stratum)
	}

	if len(solution) != len(ids) {
		return nil, invariantViolation("assemble", "%d of %d items were ranked", len(solution), len(ids))
	}
	return solution, nil
}
